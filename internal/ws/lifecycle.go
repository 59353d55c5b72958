package ws

import (
	"context"

	"github.com/kalamchat/kalam/internal/identity"
	"github.com/kalamchat/kalam/internal/presence"
	"github.com/kalamchat/kalam/internal/securelog"
)

// The connection lifecycle: Anonymous accepts login; Identified accepts
// login (rebind), logout, keep_alive, and send_envelope; Closed accepts
// nothing. Directory writes happen before the registry mutation commits, so
// a directory failure leaves the connection exactly where it was.

func (h *Hub) handleIncoming(ctx context.Context, incoming incomingEvent) {
	c := incoming.client
	if c.state == stateClosed {
		return
	}
	switch incoming.event.Type {
	case "login":
		h.handleLogin(ctx, c, incoming.event)
	case "logout":
		h.handleLogout(ctx, c)
	case "keep_alive":
		h.handleKeepAlive(ctx, c)
	case "send_envelope":
		h.routeEnvelope(ctx, c, incoming.event)
	default:
		c.sendError("unsupported_type", "unsupported event type")
	}
}

func (h *Hub) handleLogin(ctx context.Context, c *Client, ev inboundEvent) {
	name := identity.NormalizeUsername(ev.Username)
	if name == "" {
		c.sendError("invalid_event", "username is required")
		return
	}

	// Directory writes for the new identity come first: if they fail the
	// connection keeps its previous binding untouched.
	if ev.PublicKey != "" {
		if err := h.directory.SetPublicKey(ctx, name, ev.PublicKey); err != nil {
			securelog.Error("ws.login.set_public_key", err)
			c.sendError("directory_unavailable", "login failed, try again")
			return
		}
	}
	if err := h.directory.SetOnline(ctx, name, true); err != nil {
		securelog.Error("ws.login.set_online", err)
		c.sendError("directory_unavailable", "login failed, try again")
		return
	}

	var changes []presence.StatusChange

	// A second login on an already-identified connection rebinds it. The old
	// identity is released first; if this connection was its last one, the
	// directory flag flips to offline.
	if c.state == stateIdentified && c.username != name {
		old := c.username
		if remaining := h.registry.Unbind(old, c.id); remaining == 0 {
			if err := h.directory.SetOnline(ctx, old, false); err != nil {
				// The new identity is already committed; log and move on
				// rather than fail the rebind. The stale flag corrects on
				// the identity's next transition.
				securelog.Error("ws.login.release_previous", err)
			} else {
				changes = append(changes, presence.StatusChange{Username: old, IsOnline: false})
			}
		}
	}

	h.registry.Bind(name, c.id)
	wasIdentified := c.state == stateIdentified && c.username == name
	c.state = stateIdentified
	c.username = name
	securelog.Event("ws.login", string(c.id))

	if !wasIdentified {
		changes = append(changes, presence.StatusChange{Username: name, IsOnline: true})
	}
	if err := h.broadcaster.RecomputeAndPush(ctx, changes...); err != nil {
		securelog.Error("ws.login.broadcast", err)
	}
}

func (h *Hub) handleLogout(ctx context.Context, c *Client) {
	if c.state != stateIdentified {
		c.sendError("not_identified", "login required")
		return
	}

	name := c.username
	remaining := h.registry.Unbind(name, c.id)
	if remaining == 0 {
		if err := h.directory.SetOnline(ctx, name, false); err != nil {
			// Roll the binding back so the connection stays identified; the
			// client is told to retry.
			h.registry.Bind(name, c.id)
			securelog.Error("ws.logout.set_online", err)
			c.sendError("directory_unavailable", "logout failed, try again")
			return
		}
	}

	c.state = stateAnonymous
	c.username = ""
	securelog.Event("ws.logout", string(c.id))

	var changes []presence.StatusChange
	if remaining == 0 {
		changes = append(changes, presence.StatusChange{Username: name, IsOnline: false})
	}
	if err := h.broadcaster.RecomputeAndPush(ctx, changes...); err != nil {
		securelog.Error("ws.logout.broadcast", err)
	}
}

// handleKeepAlive refreshes last_seen only. It never flips online status and
// never triggers a presence broadcast, so a fleet of heartbeats cannot cause
// a push storm.
func (h *Hub) handleKeepAlive(ctx context.Context, c *Client) {
	if c.state != stateIdentified {
		c.sendError("not_identified", "login required")
		return
	}
	if err := h.directory.TouchLastSeen(ctx, c.username); err != nil {
		securelog.Error("ws.keep_alive", err)
		c.sendError("directory_unavailable", "keep alive failed")
		return
	}
	c.sendEvent(keepAliveAckEvent{Type: "keep_alive_ack"})
}

// handleDisconnect runs exactly once per connection, on the unregister path.
// Duplicate close events never reach here twice: the hub removes the client
// from its map before calling, and UnbindConn is a no-op for unknown
// connections.
func (h *Hub) handleDisconnect(ctx context.Context, c *Client) {
	wasClosed := c.state == stateClosed
	c.state = stateClosed
	if wasClosed {
		return
	}
	securelog.Event("ws.disconnect", string(c.id))

	name, remaining, ok := h.registry.UnbindConn(c.id)
	if !ok {
		return
	}

	var changes []presence.StatusChange
	if remaining == 0 {
		if err := h.directory.SetOnline(ctx, name, false); err != nil {
			// Nothing to roll back and nobody to inform; skip the broadcast
			// rather than push a roster the directory could not confirm.
			securelog.Error("ws.disconnect.set_online", err)
			return
		}
		changes = append(changes, presence.StatusChange{Username: name, IsOnline: false})
	}
	if err := h.broadcaster.RecomputeAndPush(ctx, changes...); err != nil {
		securelog.Error("ws.disconnect.broadcast", err)
	}
}
