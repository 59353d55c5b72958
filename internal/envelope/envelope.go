// Package envelope defines the opaque encrypted message the relay routes
// between identities. The relay forwards ciphertext, nonce, and the sender's
// public key verbatim; only the endpoints hold the key material to open it.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid envelope")

// Envelope is a sealed message plus routing metadata. It is transient: it
// exists only for the duration of routing and is never persisted.
type Envelope struct {
	To              string
	From            string
	Nonce           string
	Ciphertext      string
	SenderPublicKey string
	SentAt          time.Time
}

// Validate checks the routing metadata. Ciphertext and nonce are opaque and
// only required to be present; the relay never inspects them.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalid)
	}
	if strings.TrimSpace(e.From) == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalid)
	}
	if e.Ciphertext == "" {
		return fmt.Errorf("%w: ciphertext is required", ErrInvalid)
	}
	if e.Nonce == "" {
		return fmt.Errorf("%w: nonce is required", ErrInvalid)
	}
	return nil
}
