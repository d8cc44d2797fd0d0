package rts2

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Built-in protocol handler groups
// -------------------------------------------------------------------------

// stateHandlers processes the peer state announcements and the small
// protocol letters: S, B, R, T, M, E, F, Z.
type stateHandlers struct {
	nm *NetworkManager
}

func newStateHandlers(nm *NetworkManager) HandlerGroup {
	return &stateHandlers{nm: nm}
}

func (h *stateHandlers) Commands() []string {
	return []string{"S", "B", "R", "T", "M", "E", "F", "Z"}
}

func (h *stateHandlers) NeedsResponse(string) bool { return false }

func (h *stateHandlers) Dispatch(token string, c *Conn, params []string) (bool, string) {
	switch token {
	case "S":
		// S <state> ["msg"]
		state, ok := parseWord32(params, 0)
		if !ok {
			return false, "malformed S line"
		}
		_, bop := c.PeerState()
		c.SetPeerState(state, bop)
		h.nm.interests.NotifyState(c.RemoteName(), state, bop)
		return true, ""
	case "B":
		// B <state> <bop> ["msg"]
		state, ok1 := parseWord32(params, 0)
		bop, ok2 := parseWord32(params, 1)
		if !ok1 || !ok2 {
			return false, "malformed B line"
		}
		c.SetPeerState(state, bop)
		h.nm.interests.NotifyState(c.RemoteName(), state, bop)
		return true, ""
	case "R":
		// R <state> <t_start> <t_end> ["msg"]
		state, ok := parseWord32(params, 0)
		if !ok || len(params) < 3 {
			return false, "malformed R line"
		}
		start, err1 := strconv.ParseFloat(params[1], 64)
		end, err2 := strconv.ParseFloat(params[2], 64)
		if err1 != nil || err2 != nil {
			return false, "malformed R line"
		}
		_, bop := c.PeerState()
		c.SetPeerState(state, bop)
		c.SetProgress(start, end)
		h.nm.interests.NotifyState(c.RemoteName(), state, bop)
		return true, ""
	case "T":
		if len(params) > 0 && params[0] == "ready" {
			_ = c.SendMessage("T OK")
		}
		return true, ""
	case "M":
		// M <sec> <usec> <origin> <type> <text>
		if len(params) < 5 {
			return false, "malformed M line"
		}
		sec, err1 := strconv.ParseInt(params[0], 10, 64)
		usec, err2 := strconv.ParseInt(params[1], 10, 64)
		typ, err3 := strconv.Atoi(params[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return false, "malformed M line"
		}
		h.nm.forwardMessage(MessageEvent{
			Time:   time.Unix(sec, usec*1000),
			Origin: params[2],
			Type:   typ,
			Text:   strings.Join(params[4:], " "),
		})
		return true, ""
	case "E", "F", "Z":
		// Accepted for protocol compatibility; a plain device has no
		// use for inbound enumerator or progress-clear lines.
		return true, ""
	}
	return false, ""
}

// valueHandlers routes inbound V lines to the interest callbacks.
type valueHandlers struct {
	nm *NetworkManager
}

func newValueHandlers(nm *NetworkManager) HandlerGroup {
	return &valueHandlers{nm: nm}
}

func (h *valueHandlers) Commands() []string { return []string{"V"} }

func (h *valueHandlers) NeedsResponse(string) bool { return false }

func (h *valueHandlers) Dispatch(_ string, c *Conn, params []string) (bool, string) {
	// V <name> <data>
	if len(params) < 1 {
		return false, "malformed V line"
	}
	raw := ""
	if len(params) > 1 {
		raw = strings.Join(params[1:], " ")
	}
	h.nm.interests.NotifyValue(c.RemoteName(), params[0], raw)
	return true, ""
}

// -------------------------------------------------------------------------
// Entity registry maintenance
// -------------------------------------------------------------------------

// entityHandlers maintains the centrald entity registry and records
// peer identification.
type entityHandlers struct {
	nm *NetworkManager
}

func newEntityHandlers(nm *NetworkManager) HandlerGroup {
	return &entityHandlers{nm: nm}
}

func (h *entityHandlers) Commands() []string {
	return []string{"device", "client", "this_device", "delete_client", "delete_device"}
}

func (h *entityHandlers) NeedsResponse(string) bool { return false }

func (h *entityHandlers) Dispatch(token string, c *Conn, params []string) (bool, string) {
	switch token {
	case "device":
		// device <num> <id> <name> <host> <port> [type]
		if len(params) < 5 {
			return false, "malformed device line"
		}
		num, err1 := strconv.Atoi(params[0])
		id, err2 := strconv.Atoi(params[1])
		port, err3 := strconv.Atoi(params[4])
		if err1 != nil || err2 != nil || err3 != nil {
			return false, "malformed device line"
		}
		typ := 0
		if len(params) > 5 {
			typ, _ = strconv.Atoi(params[5])
		}
		h.nm.entities.Put(Entity{
			ID:          id,
			Name:        params[2],
			Kind:        EntityDevice,
			Type:        typ,
			CentraldNum: num,
			Host:        params[3],
			Port:        port,
		})
		return true, ""
	case "client":
		// client <id> <login> <type>
		if len(params) < 2 {
			return false, "malformed client line"
		}
		id, err := strconv.Atoi(params[0])
		if err != nil {
			return false, "malformed client line"
		}
		typ := 0
		if len(params) > 2 {
			typ, _ = strconv.Atoi(params[2])
		}
		h.nm.entities.Put(Entity{
			ID:   id,
			Name: params[1],
			Kind: EntityClient,
			Type: typ,
		})
		return true, ""
	case "this_device":
		// this_device <name> <type> — the peer identifies itself.
		if len(params) < 1 {
			return false, "malformed this_device line"
		}
		c.SetRemoteName(params[0])
		h.nm.logger.Debug("peer identified",
			slog.Uint64("conn", c.ID()),
			slog.String("name", params[0]),
		)
		return true, ""
	case "delete_client":
		// delete_client <id>
		if len(params) < 1 {
			return false, "malformed delete_client line"
		}
		id, err := strconv.Atoi(params[0])
		if err != nil {
			return false, "malformed delete_client line"
		}
		h.nm.entities.Delete(id)
		h.nm.failClientAuthorization(id)
		return true, ""
	case "delete_device":
		// delete_device <name>
		if len(params) < 1 {
			return false, "malformed delete_device line"
		}
		if ent, ok := h.nm.entities.ByName(params[0]); ok {
			h.nm.entities.Delete(ent.ID)
		}
		return true, ""
	}
	return false, ""
}

// -------------------------------------------------------------------------
// Authentication notifications
// -------------------------------------------------------------------------

// authHandlers routes the authentication word commands to the network
// manager's auth flows.
type authHandlers struct {
	nm *NetworkManager
}

func newAuthHandlers(nm *NetworkManager) HandlerGroup {
	return &authHandlers{nm: nm}
}

func (h *authHandlers) Commands() []string {
	return []string{"auth", "A", "registered_as", "authorization_key", "authorization_ok", "auth_failed"}
}

func (h *authHandlers) NeedsResponse(string) bool { return false }

func (h *authHandlers) Dispatch(token string, c *Conn, params []string) (bool, string) {
	switch token {
	case "auth":
		// auth <id> <num> <key> — a client presents its credentials.
		if len(params) < 3 {
			return false, "malformed auth line"
		}
		id, err1 := strconv.Atoi(params[0])
		num, err2 := strconv.Atoi(params[1])
		key, err3 := strconv.Atoi(params[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return false, "malformed auth line"
		}
		h.nm.handleClientAuth(c, id, num, key)
		return true, ""
	case "A":
		// A <notification> ... — centrald auth channel. Both the bare
		// and the A-prefixed notification forms are accepted.
		if len(params) == 0 {
			return false, "malformed A line"
		}
		return h.Dispatch(params[0], c, params[1:])
	case "registered_as":
		// registered_as <id>
		id, ok := parseInt(params, 0)
		if !ok {
			return false, "malformed registered_as line"
		}
		h.nm.handleRegisteredAs(c, id)
		return true, ""
	case "authorization_key":
		// authorization_key <name> <key>
		if len(params) < 2 {
			return false, "malformed authorization_key line"
		}
		key, err := strconv.Atoi(params[1])
		if err != nil {
			return false, "malformed authorization_key line"
		}
		h.nm.handleAuthorizationKey(params[0], key)
		return true, ""
	case "authorization_ok":
		// authorization_ok <id>
		id, ok := parseInt(params, 0)
		if !ok {
			return false, "malformed authorization_ok line"
		}
		h.nm.handleAuthorizationOK(c, id)
		return true, ""
	case "auth_failed":
		// auth_failed <id>
		id, ok := parseInt(params, 0)
		if !ok {
			return false, "malformed auth_failed line"
		}
		h.nm.failClientAuthorization(id)
		return true, ""
	}
	return false, ""
}

// -------------------------------------------------------------------------
// Field parsing helpers
// -------------------------------------------------------------------------

func parseInt(params []string, i int) (int, bool) {
	if i >= len(params) {
		return 0, false
	}
	n, err := strconv.Atoi(params[i])
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseWord32(params []string, i int) (uint32, bool) {
	if i >= len(params) {
		return 0, false
	}
	n, err := strconv.ParseUint(params[i], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
