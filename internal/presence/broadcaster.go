// Package presence computes the online roster and pushes it to every
// connected session. The roster is always recomputed in full rather than
// patched; clients replace their copy wholesale, which removes an entire
// class of missed-delta bugs at the cost of a little bandwidth.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalamchat/kalam/internal/identity"
)

// Entry is one row of the roster snapshot.
type Entry struct {
	Username  string    `json:"username"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	PublicKey string    `json:"public_key"`
}

// StatusChange is the lightweight hint sent next to a full snapshot so
// clients can update one row without waiting to diff the roster.
type StatusChange struct {
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type snapshotEvent struct {
	Type  string  `json:"type"`
	Users []Entry `json:"users"`
}

type statusChangedEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// RosterSource lists the currently online identities, sorted by username.
type RosterSource interface {
	Snapshot() []string
}

// DirectoryReader is the slice of the identity directory the broadcaster
// joins the roster against.
type DirectoryReader interface {
	GetByUsername(ctx context.Context, username string) (identity.Record, error)
}

// Sink delivers an encoded event to every connected session.
type Sink interface {
	PushAll(data []byte)
}

// Broadcaster joins the session registry's roster with directory records and
// fans the result out through the sink.
type Broadcaster struct {
	roster    RosterSource
	directory DirectoryReader
	sink      Sink
}

func NewBroadcaster(roster RosterSource, directory DirectoryReader, sink Sink) *Broadcaster {
	return &Broadcaster{
		roster:    roster,
		directory: directory,
		sink:      sink,
	}
}

// BuildSnapshot reads the registry roster and joins each identity against
// the directory. The result keeps the registry's username ordering.
func (b *Broadcaster) BuildSnapshot(ctx context.Context) ([]Entry, error) {
	usernames := b.roster.Snapshot()
	entries := make([]Entry, 0, len(usernames))
	for _, username := range usernames {
		rec, err := b.directory.GetByUsername(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("join %q against directory: %w", username, err)
		}
		entries = append(entries, Entry{
			Username:  rec.Username,
			IsOnline:  true,
			LastSeen:  rec.LastSeen,
			PublicKey: rec.PublicKey,
		})
	}
	return entries, nil
}

// RecomputeAndPush rebuilds the snapshot and pushes it to every session,
// preceded by a status_changed hint for each identity the triggering event
// touched. A directory failure skips the push entirely so sessions never see
// a roster the directory could not confirm.
func (b *Broadcaster) RecomputeAndPush(ctx context.Context, changes ...StatusChange) error {
	entries, err := b.BuildSnapshot(ctx)
	if err != nil {
		return err
	}

	for _, change := range changes {
		data, err := json.Marshal(statusChangedEvent{
			Type:     "status_changed",
			Username: change.Username,
			IsOnline: change.IsOnline,
		})
		if err != nil {
			return err
		}
		b.sink.PushAll(data)
	}

	data, err := json.Marshal(snapshotEvent{Type: "presence_snapshot", Users: entries})
	if err != nil {
		return err
	}
	b.sink.PushAll(data)
	return nil
}
