package relay

import "sync"

// Roster tracks known peers and their online status. Membership is
// authoritative from the bulk snapshot only: Merge never creates an
// entry, and nothing ever removes one. Absence from a later snapshot
// does not imply deletion; only an explicit offline event flips the
// flag.
//
// The mutex is here because the channel's event loop writes while the
// console goroutine reads snapshots.
type Roster struct {
	mu      sync.Mutex
	entries map[string]User
	order   []string

	// notify, when set, is called after a Merge changes an entry.
	// Invoked outside the lock.
	notify func(User)
}

// NewRoster creates an empty roster. notify may be nil.
func NewRoster(notify func(User)) *Roster {
	return &Roster{
		entries: make(map[string]User),
		notify:  notify,
	}
}

// BulkLoad applies a roster snapshot: entries not already present are
// added with the snapshot's online status, existing entries take the
// snapshot's status. Entries absent from the snapshot are kept as-is.
func (r *Roster) BulkLoad(users []User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range users {
		if _, ok := r.entries[u.Username]; !ok {
			r.order = append(r.order, u.Username)
		}
		r.entries[u.Username] = u
	}
}

// Merge sets the online flag for an existing entry. A status event for
// an unknown user is a no-op: the relay fans presence out to everyone,
// including users the snapshot never introduced to us.
func (r *Roster) Merge(username string, online bool) {
	r.mu.Lock()

	u, ok := r.entries[username]
	if !ok || u.Online == online {
		r.mu.Unlock()
		return
	}

	u.Online = online
	r.entries[username] = u
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(u)
	}
}

// Get returns the entry for username and whether it exists.
func (r *Roster) Get(username string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.entries[username]

	return u, ok
}

// Users returns a snapshot of all entries in first-observed order. The
// order is stable across calls.
func (r *Roster) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]User, 0, len(r.order))
	for _, name := range r.order {
		users = append(users, r.entries[name])
	}

	return users
}

// Len returns the number of known peers.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Clear empties the roster. Called on sign-out so no peer list leaks
// across identities.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]User)
	r.order = nil
}
