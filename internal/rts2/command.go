package rts2

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// -------------------------------------------------------------------------
// Handler Groups
// -------------------------------------------------------------------------

// HandlerGroup is a pluggable object that claims a set of command
// tokens. Multiple groups may claim the same token; they fire in
// registration order.
type HandlerGroup interface {
	// Commands returns the tokens this group handles.
	Commands() []string

	// NeedsResponse reports whether the token expects a +/- response.
	NeedsResponse(token string) bool

	// Dispatch handles one command. The returned text becomes the
	// response payload when a response is expected.
	Dispatch(token string, c *Conn, params []string) (bool, string)
}

// fireAndForget lists the protocol notifications that never require a
// response from the device side.
var fireAndForget = map[string]struct{}{
	"S": {}, "B": {}, "V": {}, "R": {}, "T": {}, "M": {}, "E": {}, "F": {}, "Z": {},
	"device": {}, "client": {}, "this_device": {}, "delete_client": {},
	"delete_device": {}, "auth_failed": {},
	"auth": {}, "A": {}, "registered_as": {}, "authorization_key": {},
	"authorization_ok": {},
}

// -------------------------------------------------------------------------
// Registry — ordered command dispatch
// -------------------------------------------------------------------------

// Registry stores an ordered list of handler groups and dispatches
// inbound command lines to them.
type Registry struct {
	mu      sync.RWMutex
	groups  []HandlerGroup
	byToken map[string][]HandlerGroup
	logger  *slog.Logger
	metrics MetricsReporter
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger, mr MetricsReporter) *Registry {
	if mr == nil {
		mr = noopMetrics{}
	}
	return &Registry{
		byToken: make(map[string][]HandlerGroup),
		logger:  logger.With(slog.String("component", "rts2.commands")),
		metrics: mr,
	}
}

// Register appends a handler group. Registering a group twice
// duplicates its handlers; dispatch order equals registration order.
func (r *Registry) Register(g HandlerGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, g)
	for _, tok := range g.Commands() {
		r.byToken[tok] = append(r.byToken[tok], g)
	}
}

// Handlers returns the groups claiming the token, in registration order.
func (r *Registry) Handlers(token string) []HandlerGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byToken[token]
}

// Dispatch routes one inbound line. Malformed lines are logged and
// dropped. When the command expects a response, the last successful
// handler's result is sent as "+0 <text>"; if every handler failed the
// reply is "-1 <summary>". While a response is owed on the connection,
// further response-expecting commands are deferred and replayed after
// the response goes out.
func (r *Registry) Dispatch(c *Conn, line string) {
	fields, err := SplitFields(line)
	if err != nil {
		r.logger.Warn("malformed line",
			slog.String("line", line),
			slog.String("error", err.Error()),
		)
		return
	}
	token := fields[0]
	params := fields[1:]

	groups := r.Handlers(token)
	needsResponse := r.needsResponse(token, groups)

	if needsResponse {
		if c.ResponseOwed() {
			c.DeferLine(line)
			return
		}
		c.BeginResponse()
	}

	ok, text := r.runHandlers(token, c, params, groups)
	r.metrics.CommandDispatched(token, ok)

	if needsResponse {
		r.reply(c, ok, text, token, len(groups) > 0)
		if next, replay := c.EndResponse(); replay {
			r.Dispatch(c, next)
		}
	}
}

// needsResponse decides the response policy: the first claiming group
// declares it; unknown tokens outside the fire-and-forget set get an
// error response.
func (r *Registry) needsResponse(token string, groups []HandlerGroup) bool {
	if len(groups) > 0 {
		return groups[0].NeedsResponse(token)
	}
	_, silent := fireAndForget[token]
	return !silent
}

// runHandlers fires every claiming group in order. The command counts
// as successful when any handler succeeded; the last successful
// handler's text wins.
func (r *Registry) runHandlers(token string, c *Conn, params []string, groups []HandlerGroup) (bool, string) {
	if len(groups) == 0 {
		return false, fmt.Sprintf("Unknown command: %s", token)
	}
	anyOK := false
	lastOK := ""
	var failures []string
	for _, g := range groups {
		ok, text := g.Dispatch(token, c, params)
		if ok {
			anyOK = true
			lastOK = text
		} else if text != "" {
			failures = append(failures, text)
		}
	}
	if anyOK {
		return true, lastOK
	}
	if len(failures) == 0 {
		return false, fmt.Sprintf("command %s failed", token)
	}
	return false, strings.Join(failures, "; ")
}

// reply sends the +/- response for a dispatched command.
func (r *Registry) reply(c *Conn, ok bool, text string, token string, known bool) {
	if ok {
		if text == "" {
			text = "OK"
		}
		_ = c.SendMessage(FormatResponse(true, 0, text))
		return
	}
	if !known {
		r.logger.Warn("unknown command", slog.String("token", token))
	}
	_ = c.SendMessage(FormatResponse(false, 1, text))
}
