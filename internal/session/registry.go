// Package session tracks which transport connections are currently bound to
// which identity. One identity may hold several live connections at once
// (multiple tabs); an identity is online while its connection set is
// non-empty.
package session

import (
	"sort"
	"sync"
)

// ConnID identifies a single live transport connection.
type ConnID string

// Registry maps identities to their live connections. The forward map and
// the reverse index are mutated together under one lock so no reader can
// observe them out of sync.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]map[ConnID]struct{}
	byConn map[ConnID]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[ConnID]struct{}),
		byConn: make(map[ConnID]string),
	}
}

// Bind adds conn to username's connection set. Binding an already-bound pair
// is a no-op. A connection bound to another identity is moved.
func (r *Registry) Bind(username string, conn ConnID) {
	if username == "" || conn == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[conn]; ok {
		if prev == username {
			return
		}
		r.removeLocked(prev, conn)
	}

	set := r.byUser[username]
	if set == nil {
		set = make(map[ConnID]struct{})
		r.byUser[username] = set
	}
	set[conn] = struct{}{}
	r.byConn[conn] = username
}

// Unbind removes conn from username's connection set and reports how many
// connections remain bound to username. The count is taken inside the same
// critical section as the removal, so two concurrent unbinds of the last two
// connections cannot both observe a non-zero remainder.
func (r *Registry) Unbind(username string, conn ConnID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byConn[conn] == username {
		r.removeLocked(username, conn)
	}
	return len(r.byUser[username])
}

// UnbindConn removes conn without the caller knowing its identity, via the
// reverse index. It returns the identity the connection was bound to and the
// number of connections that identity still holds. ok is false when the
// connection was not bound at all (anonymous or already unbound).
func (r *Registry) UnbindConn(conn ConnID) (username string, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok = r.byConn[conn]
	if !ok {
		return "", 0, false
	}
	r.removeLocked(username, conn)
	return username, len(r.byUser[username]), true
}

// IsOnline reports whether username has at least one live connection.
func (r *Registry) IsOnline(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[username]) > 0
}

// Connections returns the live connections bound to username.
func (r *Registry) Connections(username string) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[username]
	if len(set) == 0 {
		return nil
	}
	conns := make([]ConnID, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Snapshot returns every online identity, sorted by username so clients can
// diff rosters deterministically.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.byUser))
	for username := range r.byUser {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// removeLocked deletes the pair from both indices and drops the identity's
// set entirely when it empties, keeping absence and empty equivalent.
func (r *Registry) removeLocked(username string, conn ConnID) {
	delete(r.byConn, conn)
	if set := r.byUser[username]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byUser, username)
		}
	}
}
