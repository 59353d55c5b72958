package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kalamchat/kalam/internal/identity"
	"github.com/kalamchat/kalam/internal/presence"
	"github.com/kalamchat/kalam/internal/securelog"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano
)

// PresenceProvider exposes the live roster held by the hub.
type PresenceProvider interface {
	Snapshot(ctx context.Context) ([]presence.Entry, error)
	IsOnline(username string) bool
}

type Handler struct {
	directory *identity.Directory
	presence  PresenceProvider
}

func NewHandler(directory *identity.Directory, presence PresenceProvider) *Handler {
	return &Handler{
		directory: directory,
		presence:  presence,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/presence", h.handlePresence)
}

type authRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

type authResponse struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
	LastSeen  string `json:"last_seen"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.directory.Register(r.Context(), req.Username, req.Password, req.PublicKey)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, identity.ErrDuplicate):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toAuthResponse(rec))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.directory.FindByCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, identity.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(rec))
}

type presenceResponse struct {
	Users []presenceEntry `json:"users"`
}

type presenceEntry struct {
	Username  string `json:"username"`
	IsOnline  bool   `json:"is_online"`
	LastSeen  string `json:"last_seen"`
	PublicKey string `json:"public_key"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries, err := h.presence.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	users := make([]presenceEntry, 0, len(entries))
	for _, e := range entries {
		users = append(users, presenceEntry{
			Username:  e.Username,
			IsOnline:  e.IsOnline,
			LastSeen:  e.LastSeen.UTC().Format(timeLayout),
			PublicKey: e.PublicKey,
		})
	}
	writeJSON(w, http.StatusOK, presenceResponse{Users: users})
}

func toAuthResponse(rec identity.Record) authResponse {
	return authResponse{
		Username:  rec.Username,
		PublicKey: rec.PublicKey,
		LastSeen:  rec.LastSeen.UTC().Format(timeLayout),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	securelog.Error("httpapi", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
