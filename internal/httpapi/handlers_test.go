package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalamchat/kalam/internal/identity"
	"github.com/kalamchat/kalam/internal/presence"
)

type fakeRepo struct {
	records map[string]identity.Record
	failAll bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]identity.Record)}
}

func (r *fakeRepo) Create(_ context.Context, rec identity.Record) error {
	if r.failAll {
		return errors.New("db down")
	}
	if _, ok := r.records[rec.Username]; ok {
		return identity.ErrDuplicate
	}
	r.records[rec.Username] = rec
	return nil
}

func (r *fakeRepo) GetByUsername(_ context.Context, username string) (identity.Record, error) {
	if r.failAll {
		return identity.Record{}, errors.New("db down")
	}
	rec, ok := r.records[username]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) SetOnline(_ context.Context, username string, online bool) error {
	rec, ok := r.records[username]
	if !ok {
		return identity.ErrNotFound
	}
	rec.IsOnline = online
	r.records[username] = rec
	return nil
}

func (r *fakeRepo) SetPublicKey(_ context.Context, username, publicKey string) error {
	rec, ok := r.records[username]
	if !ok {
		return identity.ErrNotFound
	}
	rec.PublicKey = publicKey
	r.records[username] = rec
	return nil
}

func (r *fakeRepo) UpdateLastSeen(_ context.Context, username string, seen time.Time) error {
	rec, ok := r.records[username]
	if !ok {
		return identity.ErrNotFound
	}
	if rec.LastSeen.Before(seen) {
		rec.LastSeen = seen
		r.records[username] = rec
	}
	return nil
}

func (r *fakeRepo) ListOnline(_ context.Context) ([]identity.Record, error) {
	var recs []identity.Record
	for _, rec := range r.records {
		if rec.IsOnline {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

type fakePresence struct {
	entries []presence.Entry
	err     error
}

func (p *fakePresence) Snapshot(_ context.Context) ([]presence.Entry, error) {
	return p.entries, p.err
}

func (p *fakePresence) IsOnline(username string) bool {
	for _, e := range p.entries {
		if e.Username == username {
			return e.IsOnline
		}
	}
	return false
}

func newTestHandler(repo *fakeRepo, pres *fakePresence) *http.ServeMux {
	h := NewHandler(identity.NewDirectory(repo), pres)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestRegister_CreatesIdentity(t *testing.T) {
	repo := newFakeRepo()
	mux := newTestHandler(repo, &fakePresence{})

	rr := postJSON(t, mux, "/auth/register", `{"username":"Alice","password":"s3cret","public_key":"pk-a"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	var resp authResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Username != "alice" || resp.PublicKey != "pk-a" {
		t.Fatalf("response = %+v", resp)
	}
	if rec := repo.records["alice"]; rec.PasswordHash == "" || rec.PasswordHash == "s3cret" {
		t.Fatalf("stored hash = %q, want bcrypt hash", rec.PasswordHash)
	}
}

func TestRegister_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest},
		{"blank username", `{"username":"   ","password":"x"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"unknown field", `{"username":"alice","password":"x","extra":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestHandler(newFakeRepo(), &fakePresence{})
			rr := postJSON(t, mux, "/auth/register", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRegister_DuplicateConflicts(t *testing.T) {
	repo := newFakeRepo()
	mux := newTestHandler(repo, &fakePresence{})

	if rr := postJSON(t, mux, "/auth/register", `{"username":"alice","password":"x"}`); rr.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rr.Code)
	}
	rr := postJSON(t, mux, "/auth/register", `{"username":"ALICE","password":"y"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestRegister_RepoFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failAll = true
	mux := newTestHandler(repo, &fakePresence{})

	rr := postJSON(t, mux, "/auth/register", `{"username":"alice","password":"x"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestLogin_ReturnsRecord(t *testing.T) {
	repo := newFakeRepo()
	mux := newTestHandler(repo, &fakePresence{})
	postJSON(t, mux, "/auth/register", `{"username":"alice","password":"s3cret","public_key":"pk-a"}`)

	rr := postJSON(t, mux, "/auth/login", `{"username":"Alice","password":"s3cret"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Username != "alice" || resp.PublicKey != "pk-a" {
		t.Fatalf("response = %+v", resp)
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("response leaks password material: %s", rr.Body.String())
	}
}

func TestLogin_WrongPasswordUnauthorized(t *testing.T) {
	repo := newFakeRepo()
	mux := newTestHandler(repo, &fakePresence{})
	postJSON(t, mux, "/auth/register", `{"username":"alice","password":"s3cret"}`)

	rr := postJSON(t, mux, "/auth/login", `{"username":"alice","password":"wrong"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestLogin_UnknownUserUnauthorized(t *testing.T) {
	mux := newTestHandler(newFakeRepo(), &fakePresence{})

	rr := postJSON(t, mux, "/auth/login", `{"username":"ghost","password":"x"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAuth_MethodNotAllowed(t *testing.T) {
	mux := newTestHandler(newFakeRepo(), &fakePresence{})

	for _, path := range []string{"/auth/register", "/auth/login"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s status = %d, want 405", path, rr.Code)
		}
	}
}

func TestPresence_ReturnsRoster(t *testing.T) {
	seen := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	pres := &fakePresence{entries: []presence.Entry{
		{Username: "alice", IsOnline: true, LastSeen: seen, PublicKey: "pk-a"},
		{Username: "bob", IsOnline: true, PublicKey: "pk-b"},
	}}
	mux := newTestHandler(newFakeRepo(), pres)

	req := httptest.NewRequest(http.MethodGet, "/presence", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp presenceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Users) != 2 {
		t.Fatalf("users = %+v, want 2 entries", resp.Users)
	}
	if resp.Users[0].Username != "alice" || !resp.Users[0].IsOnline || resp.Users[0].PublicKey != "pk-a" {
		t.Fatalf("first entry = %+v", resp.Users[0])
	}
	if resp.Users[0].LastSeen != seen.Format(time.RFC3339Nano) {
		t.Fatalf("LastSeen = %q", resp.Users[0].LastSeen)
	}
}

func TestPresence_SnapshotFailure(t *testing.T) {
	pres := &fakePresence{err: errors.New("directory down")}
	mux := newTestHandler(newFakeRepo(), pres)

	req := httptest.NewRequest(http.MethodGet, "/presence", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestPresence_MethodNotAllowed(t *testing.T) {
	mux := newTestHandler(newFakeRepo(), &fakePresence{})

	req := httptest.NewRequest(http.MethodPost, "/presence", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
