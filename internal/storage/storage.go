package storage

import (
	"context"
	"errors"

	"github.com/kalamchat/kalam/internal/identity"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Store is the durable backend for the identity directory.
type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Identities() identity.Repository
}
