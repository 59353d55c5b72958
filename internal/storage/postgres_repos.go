package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kalamchat/kalam/internal/identity"
)

const uniqueViolation = "23505"

type identityRepo struct {
	db *sql.DB
}

func (r *identityRepo) Create(ctx context.Context, rec identity.Record) error {
	if rec.Username == "" || rec.PasswordHash == "" || rec.CreatedAt.IsZero() {
		return fmt.Errorf("username, password hash, and created_at are required")
	}

	var publicKey any
	if rec.PublicKey != "" {
		publicKey = rec.PublicKey
	}
	var lastSeen any
	if !rec.LastSeen.IsZero() {
		lastSeen = rec.LastSeen
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO identities (username, password_hash, public_key, is_online, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, rec.Username, rec.PasswordHash, publicKey, rec.IsOnline, lastSeen, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %w", ErrDuplicate, identity.ErrDuplicate)
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (r *identityRepo) GetByUsername(ctx context.Context, username string) (identity.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT username, password_hash, public_key, is_online, last_seen, created_at
		FROM identities WHERE username = $1`, username)
	rec, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Record{}, identity.ErrNotFound
		}
		return identity.Record{}, fmt.Errorf("select identity by username: %w", err)
	}
	return rec, nil
}

func (r *identityRepo) SetOnline(ctx context.Context, username string, online bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE identities SET is_online = $2 WHERE username = $1`, username, online)
	if err != nil {
		return fmt.Errorf("update online flag: %w", err)
	}
	return requireRow(res)
}

func (r *identityRepo) SetPublicKey(ctx context.Context, username, publicKey string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE identities SET public_key = $2 WHERE username = $1`, username, publicKey)
	if err != nil {
		return fmt.Errorf("update public key: %w", err)
	}
	return requireRow(res)
}

func (r *identityRepo) UpdateLastSeen(ctx context.Context, username string, seen time.Time) error {
	// last_seen only moves forward; an out-of-order heartbeat cannot rewind
	// it.
	_, err := r.db.ExecContext(ctx, `UPDATE identities
		SET last_seen = $2 WHERE username = $1 AND (last_seen IS NULL OR last_seen <= $2)`, username, seen)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}
	return nil
}

func (r *identityRepo) ListOnline(ctx context.Context) ([]identity.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT username, password_hash, public_key, is_online, last_seen, created_at
		FROM identities WHERE is_online ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list online identities: %w", err)
	}
	defer rows.Close()

	var recs []identity.Record
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (identity.Record, error) {
	var rec identity.Record
	var publicKey sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&rec.Username, &rec.PasswordHash, &publicKey, &rec.IsOnline, &lastSeen, &rec.CreatedAt); err != nil {
		return identity.Record{}, err
	}
	if publicKey.Valid {
		rec.PublicKey = publicKey.String
	}
	if lastSeen.Valid {
		rec.LastSeen = lastSeen.Time
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
