package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("identity not found")
	ErrDuplicate    = errors.New("username already taken")
	ErrUnauthorized = errors.New("unauthorized")
)

// Record is the durable user record held by the directory. Username is
// immutable once created; PublicKey is replaced on every login; LastSeen only
// moves forward.
type Record struct {
	Username     string
	PasswordHash string
	PublicKey    string
	IsOnline     bool
	LastSeen     time.Time
	CreatedAt    time.Time
}

// Repository is the persistence boundary for identity records. All calls are
// remote and may fail transiently; callers treat any repository error other
// than ErrNotFound/ErrDuplicate as the directory being unavailable.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	GetByUsername(ctx context.Context, username string) (Record, error)
	SetOnline(ctx context.Context, username string, online bool) error
	SetPublicKey(ctx context.Context, username, publicKey string) error
	UpdateLastSeen(ctx context.Context, username string, seen time.Time) error
	ListOnline(ctx context.Context) ([]Record, error)
}
