package ws

import (
	"encoding/json"
	"errors"
	"strings"
)

// connState is the per-connection lifecycle tag. Transitions happen only on
// the hub goroutine.
type connState int

const (
	stateAnonymous connState = iota
	stateIdentified
	stateClosed
)

type incomingEvent struct {
	client *Client
	event  inboundEvent
}

// inboundEvent is the union of every client-to-server event payload.
type inboundEvent struct {
	Type            string `json:"type"`
	Username        string `json:"username"`
	PublicKey       string `json:"public_key"`
	To              string `json:"to"`
	From            string `json:"from"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	SenderPublicKey string `json:"sender_public_key"`
}

type deliverEvent struct {
	Type            string `json:"type"`
	From            string `json:"from"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	SenderPublicKey string `json:"sender_public_key"`
	SentAt          string `json:"sent_at"`
}

type keepAliveAckEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeEvent(data []byte) (inboundEvent, error) {
	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return inboundEvent{}, err
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return inboundEvent{}, errors.New("event type is required")
	}
	switch ev.Type {
	case "login", "logout", "keep_alive":
		if strings.TrimSpace(ev.Username) == "" {
			return inboundEvent{}, errors.New("username is required")
		}
	case "send_envelope":
		if strings.TrimSpace(ev.To) == "" {
			return inboundEvent{}, errors.New("recipient is required")
		}
		if ev.Ciphertext == "" || ev.Nonce == "" {
			return inboundEvent{}, errors.New("ciphertext and nonce are required")
		}
	}
	return ev, nil
}
