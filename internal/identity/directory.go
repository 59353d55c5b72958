package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Directory fronts the identity repository with username normalization and
// credential hashing. It is the only component that sees plaintext passwords.
type Directory struct {
	repo Repository
	now  func() time.Time
}

func NewDirectory(repo Repository) *Directory {
	return &Directory{
		repo: repo,
		now:  time.Now,
	}
}

// Register creates a new identity with a bcrypt-hashed password. The public
// key is optional at creation time; clients usually upload it on first login.
func (d *Directory) Register(ctx context.Context, username, password, publicKey string) (Record, error) {
	if d.repo == nil {
		return Record{}, errors.New("repository is required")
	}
	name := NormalizeUsername(username)
	if name == "" || strings.TrimSpace(password) == "" {
		return Record{}, ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Username:     name,
		PasswordHash: string(hash),
		PublicKey:    strings.TrimSpace(publicKey),
		LastSeen:     d.now().UTC(),
		CreatedAt:    d.now().UTC(),
	}
	if err := d.repo.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	rec.PasswordHash = ""
	return rec, nil
}

// FindByCredentials returns the record matching username and password.
// Unknown usernames and wrong passwords both come back as ErrUnauthorized so
// the two cases are indistinguishable to callers.
func (d *Directory) FindByCredentials(ctx context.Context, username, password string) (Record, error) {
	if d.repo == nil {
		return Record{}, errors.New("repository is required")
	}
	name := NormalizeUsername(username)
	if name == "" || password == "" {
		return Record{}, ErrInvalidInput
	}

	rec, err := d.repo.GetByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrUnauthorized
		}
		return Record{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return Record{}, ErrUnauthorized
	}
	rec.PasswordHash = ""
	return rec, nil
}

// GetByUsername returns the record for a normalized username.
func (d *Directory) GetByUsername(ctx context.Context, username string) (Record, error) {
	if d.repo == nil {
		return Record{}, errors.New("repository is required")
	}
	name := NormalizeUsername(username)
	if name == "" {
		return Record{}, ErrInvalidInput
	}
	rec, err := d.repo.GetByUsername(ctx, name)
	if err != nil {
		return Record{}, err
	}
	rec.PasswordHash = ""
	return rec, nil
}

// SetOnline flips the cached online flag. Going online also advances
// last_seen; going offline leaves it at the last recorded activity.
func (d *Directory) SetOnline(ctx context.Context, username string, online bool) error {
	name := NormalizeUsername(username)
	if name == "" {
		return ErrInvalidInput
	}
	if err := d.repo.SetOnline(ctx, name, online); err != nil {
		return err
	}
	if online {
		return d.repo.UpdateLastSeen(ctx, name, d.now().UTC())
	}
	return nil
}

// SetPublicKey replaces the stored public key.
func (d *Directory) SetPublicKey(ctx context.Context, username, publicKey string) error {
	name := NormalizeUsername(username)
	if name == "" || strings.TrimSpace(publicKey) == "" {
		return ErrInvalidInput
	}
	return d.repo.SetPublicKey(ctx, name, strings.TrimSpace(publicKey))
}

// TouchLastSeen advances last_seen to now. It never touches the online flag,
// so a heartbeat cannot resurrect an identity a missed disconnect left
// offline.
func (d *Directory) TouchLastSeen(ctx context.Context, username string) error {
	name := NormalizeUsername(username)
	if name == "" {
		return ErrInvalidInput
	}
	return d.repo.UpdateLastSeen(ctx, name, d.now().UTC())
}

// ListOnline returns every record whose online flag is set, sorted by
// username by the repository.
func (d *Directory) ListOnline(ctx context.Context) ([]Record, error) {
	recs, err := d.repo.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].PasswordHash = ""
	}
	return recs, nil
}

// NormalizeUsername lower-cases and trims a username so lookups and bindings
// agree on one canonical form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
