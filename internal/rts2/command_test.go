package rts2_test

import (
	"testing"
	"time"

	"github.com/mates14/rts2go/internal/rts2"
)

// fakeGroup is a scriptable handler group for dispatch tests.
type fakeGroup struct {
	tokens []string
	needs  bool
	fn     func(token string, c *rts2.Conn, params []string) (bool, string)
	calls  []string
}

func (g *fakeGroup) Commands() []string             { return g.tokens }
func (g *fakeGroup) NeedsResponse(string) bool      { return g.needs }
func (g *fakeGroup) Dispatch(token string, c *rts2.Conn, params []string) (bool, string) {
	g.calls = append(g.calls, token)
	return g.fn(token, c, params)
}

func newTestRegistry() *rts2.Registry {
	return rts2.NewRegistry(discardLogger(), nil)
}

func expectSilence(t *testing.T, peer *pipePeer) {
	t.Helper()
	_ = peer.nc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if line, err := peer.rd.ReadString('\n'); err == nil {
		t.Errorf("unexpected line on the wire: %q", line)
	}
}

func TestRegistryDispatchSuccess(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	g := &fakeGroup{
		tokens: []string{"info"},
		needs:  true,
		fn: func(string, *rts2.Conn, []string) (bool, string) {
			return true, "OK"
		},
	}
	r.Register(g)

	c, peer := newPipeConn(t, rts2.KindClient)
	r.Dispatch(c, "info")

	if got := peer.readLine(t); got != "+0 OK" {
		t.Errorf("response = %q, want %q", got, "+0 OK")
	}
	if len(g.calls) != 1 || g.calls[0] != "info" {
		t.Errorf("handler calls = %q", g.calls)
	}
}

func TestRegistryDispatchParams(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	var gotParams []string
	r.Register(&fakeGroup{
		tokens: []string{"X"},
		needs:  true,
		fn: func(_ string, _ *rts2.Conn, params []string) (bool, string) {
			gotParams = append([]string(nil), params...)
			return true, "Value filter changed"
		},
	})

	c, peer := newPipeConn(t, rts2.KindClient)
	r.Dispatch(c, "X filter = 2")

	if got := peer.readLine(t); got != "+0 Value filter changed" {
		t.Errorf("response = %q", got)
	}
	want := []string{"filter", "=", "2"}
	if len(gotParams) != 3 || gotParams[0] != want[0] || gotParams[1] != want[1] || gotParams[2] != want[2] {
		t.Errorf("params = %q, want %q", gotParams, want)
	}
}

func TestRegistryUnknownCommand(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	c, peer := newPipeConn(t, rts2.KindClient)

	r.Dispatch(c, "bogus 1 2")

	if got := peer.readLine(t); got != "-1 Unknown command: bogus" {
		t.Errorf("response = %q, want %q", got, "-1 Unknown command: bogus")
	}
}

func TestRegistryFireAndForgetSilent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	c, peer := newPipeConn(t, rts2.KindClient)

	// Protocol notifications never draw a response, claimed or not.
	r.Dispatch(c, "S 42")
	r.Dispatch(c, "V temp 5")

	expectSilence(t, peer)
}

func TestRegistryAnyOKWins(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&fakeGroup{
		tokens: []string{"info"},
		needs:  true,
		fn: func(string, *rts2.Conn, []string) (bool, string) {
			return false, "hardware not ready"
		},
	})
	r.Register(&fakeGroup{
		tokens: []string{"info"},
		needs:  true,
		fn: func(string, *rts2.Conn, []string) (bool, string) {
			return true, "cached"
		},
	})

	c, peer := newPipeConn(t, rts2.KindClient)
	r.Dispatch(c, "info")

	if got := peer.readLine(t); got != "+0 cached" {
		t.Errorf("response = %q, want %q", got, "+0 cached")
	}
}

func TestRegistryAllFail(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Register(&fakeGroup{
		tokens: []string{"expose"},
		needs:  true,
		fn: func(string, *rts2.Conn, []string) (bool, string) {
			return false, "shutter jammed"
		},
	})
	r.Register(&fakeGroup{
		tokens: []string{"expose"},
		needs:  true,
		fn: func(string, *rts2.Conn, []string) (bool, string) {
			return false, "cooling off"
		},
	})

	c, peer := newPipeConn(t, rts2.KindClient)
	r.Dispatch(c, "expose")

	if got := peer.readLine(t); got != "-1 shutter jammed; cooling off" {
		t.Errorf("response = %q", got)
	}
}

func TestRegistryDefersNestedCommand(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	g := &fakeGroup{tokens: []string{"first", "second"}, needs: true}
	g.fn = func(token string, c *rts2.Conn, _ []string) (bool, string) {
		if token == "first" {
			// A command arriving while the response is still owed is
			// deferred and replayed after the response goes out.
			r.Dispatch(c, "second")
		}
		return true, token + " done"
	}
	r.Register(g)

	c, peer := newPipeConn(t, rts2.KindClient)
	r.Dispatch(c, "first")

	if got := peer.readLine(t); got != "+0 first done" {
		t.Errorf("first response = %q", got)
	}
	if got := peer.readLine(t); got != "+0 second done" {
		t.Errorf("replayed response = %q", got)
	}
	if len(g.calls) != 2 || g.calls[0] != "first" || g.calls[1] != "second" {
		t.Errorf("handler call order = %q", g.calls)
	}
}

func TestRegistryMalformedLineDropped(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	c, peer := newPipeConn(t, rts2.KindClient)

	r.Dispatch(c, `M 1 "unterminated`)
	r.Dispatch(c, "   ")

	expectSilence(t, peer)
}
