package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kalamchat/kalam/internal/identity"
)

type fakeRoster struct {
	users []string
}

func (r *fakeRoster) Snapshot() []string { return r.users }

type fakeDirectory struct {
	records map[string]identity.Record
	err     error
}

func (d *fakeDirectory) GetByUsername(_ context.Context, username string) (identity.Record, error) {
	if d.err != nil {
		return identity.Record{}, d.err
	}
	rec, ok := d.records[username]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	return rec, nil
}

type fakeSink struct {
	pushed [][]byte
}

func (s *fakeSink) PushAll(data []byte) {
	s.pushed = append(s.pushed, data)
}

func TestBuildSnapshot_JoinsDirectory(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	roster := &fakeRoster{users: []string{"alice", "bob"}}
	dir := &fakeDirectory{records: map[string]identity.Record{
		"alice": {Username: "alice", PublicKey: "pk-a", LastSeen: seen},
		"bob":   {Username: "bob", PublicKey: "pk-b", LastSeen: seen},
	}}
	b := NewBroadcaster(roster, dir, &fakeSink{})

	entries, err := b.BuildSnapshot(context.Background())
	if err != nil {
		t.Fatalf("BuildSnapshot() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Username != "alice" || entries[1].Username != "bob" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	for _, e := range entries {
		if !e.IsOnline {
			t.Fatalf("%s not marked online", e.Username)
		}
	}
	if entries[0].PublicKey != "pk-a" {
		t.Fatalf("alice public key = %q, want pk-a", entries[0].PublicKey)
	}
}

func TestRecomputeAndPush_StatusHintThenSnapshot(t *testing.T) {
	roster := &fakeRoster{users: []string{"alice"}}
	dir := &fakeDirectory{records: map[string]identity.Record{
		"alice": {Username: "alice"},
	}}
	sink := &fakeSink{}
	b := NewBroadcaster(roster, dir, sink)

	err := b.RecomputeAndPush(context.Background(), StatusChange{Username: "bob", IsOnline: false})
	if err != nil {
		t.Fatalf("RecomputeAndPush() error = %v", err)
	}
	if len(sink.pushed) != 2 {
		t.Fatalf("pushed %d events, want 2", len(sink.pushed))
	}

	var hint statusChangedEvent
	if err := json.Unmarshal(sink.pushed[0], &hint); err != nil {
		t.Fatalf("unmarshal hint: %v", err)
	}
	if hint.Type != "status_changed" || hint.Username != "bob" || hint.IsOnline {
		t.Fatalf("hint = %+v, want bob offline", hint)
	}

	var snap snapshotEvent
	if err := json.Unmarshal(sink.pushed[1], &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Type != "presence_snapshot" || len(snap.Users) != 1 || snap.Users[0].Username != "alice" {
		t.Fatalf("snapshot = %+v, want [alice]", snap)
	}
}

func TestRecomputeAndPush_NoChangesStillPushesSnapshot(t *testing.T) {
	sink := &fakeSink{}
	b := NewBroadcaster(&fakeRoster{}, &fakeDirectory{}, sink)

	if err := b.RecomputeAndPush(context.Background()); err != nil {
		t.Fatalf("RecomputeAndPush() error = %v", err)
	}
	if len(sink.pushed) != 1 {
		t.Fatalf("pushed %d events, want 1 snapshot", len(sink.pushed))
	}
}

func TestRecomputeAndPush_DirectoryFailureSkipsPush(t *testing.T) {
	roster := &fakeRoster{users: []string{"alice"}}
	dir := &fakeDirectory{err: errors.New("directory down")}
	sink := &fakeSink{}
	b := NewBroadcaster(roster, dir, sink)

	err := b.RecomputeAndPush(context.Background(), StatusChange{Username: "alice", IsOnline: true})
	if err == nil {
		t.Fatal("expected directory error")
	}
	if len(sink.pushed) != 0 {
		t.Fatalf("pushed %d events, want none on directory failure", len(sink.pushed))
	}
}
