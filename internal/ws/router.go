package ws

import (
	"context"
	"time"

	"github.com/kalamchat/kalam/internal/envelope"
	"github.com/kalamchat/kalam/internal/identity"
	"github.com/kalamchat/kalam/internal/securelog"
)

// routeEnvelope fans a sealed envelope out to every live connection of the
// recipient. Delivery is best-effort and at-most-once: a recipient with no
// live session means a silent drop, never a queue or a retry, and the sender
// is not told either way.
func (h *Hub) routeEnvelope(ctx context.Context, c *Client, ev inboundEvent) {
	_ = ctx

	if c.state != stateIdentified {
		c.sendError("not_identified", "login required before sending")
		return
	}

	// The from field is filled from the connection's binding, never from the
	// payload. A payload that names a different sender is a spoof attempt.
	if ev.From != "" && identity.NormalizeUsername(ev.From) != c.username {
		c.sendError("sender_mismatch", "from must match the logged-in identity")
		return
	}

	env := envelope.Envelope{
		To:              identity.NormalizeUsername(ev.To),
		From:            c.username,
		Nonce:           ev.Nonce,
		Ciphertext:      ev.Ciphertext,
		SenderPublicKey: ev.SenderPublicKey,
		SentAt:          time.Now().UTC(),
	}
	if err := env.Validate(); err != nil {
		securelog.Error("ws.route.validate", err)
		c.sendError("invalid_event", "malformed envelope")
		return
	}

	conns := h.registry.Connections(env.To)
	if len(conns) == 0 {
		return
	}

	// Every connection of the recipient gets its own copy; each end decrypts
	// independently with its own key material.
	for _, connID := range conns {
		recipient, ok := h.clients[connID]
		if !ok {
			continue
		}
		recipient.sendEvent(deliverEvent{
			Type:            "deliver_envelope",
			From:            env.From,
			Nonce:           env.Nonce,
			Ciphertext:      env.Ciphertext,
			SenderPublicKey: env.SenderPublicKey,
			SentAt:          env.SentAt.Format(time.RFC3339Nano),
		})
	}
}
