package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-relay/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	identityKey = []byte("identity")
)

func rosterBucket(identity string) []byte {
	return []byte("roster:" + identity)
}

// Peer is the cached roster entry for a known peer. The snapshot is
// written after each successful bulk fetch so a restart with the relay
// unreachable still knows which peers exist.
type Peer struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Store wraps a bbolt database for all persistent application state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-relay/state.db, creating it
// if it does not exist. The app bucket is created on open.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Identity returns the persisted identity, or empty string when no
// session has been bound. The value is trusted as-is; re-establishing
// the channel is what validates it against the relay.
func (s *Store) Identity() string {
	var identity string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(identityKey)
		if v != nil {
			identity = string(v)
		}

		return nil
	})

	return identity
}

// SetIdentity persists the bound identity. Written on bind.
func (s *Store) SetIdentity(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(identityKey, []byte(identity))
	})
}

// ClearIdentity erases the persisted identity. Called on sign-out.
func (s *Store) ClearIdentity() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(identityKey)
	})
}

// SetPeers replaces the cached roster snapshot for an identity.
func (s *Store) SetPeers(identity string, peers []Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Drop the old snapshot first so peers removed server-side do
		// not linger in the cache forever.
		if tx.Bucket(rosterBucket(identity)) != nil {
			if err := tx.DeleteBucket(rosterBucket(identity)); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(rosterBucket(identity))
		if err != nil {
			return err
		}

		for _, p := range peers {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(p.Username), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Peers returns the cached roster snapshot for an identity. Returns an
// empty slice when no snapshot exists.
func (s *Store) Peers(identity string) ([]Peer, error) {
	var peers []Peer

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rosterBucket(identity))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}

			peers = append(peers, p)

			return nil
		})
	})

	return peers, err
}

// ClearPeers removes the cached roster snapshot for an identity.
func (s *Store) ClearPeers(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(rosterBucket(identity)) == nil {
			return nil
		}

		return tx.DeleteBucket(rosterBucket(identity))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database might end up with wrong permissions or inside
		// a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chat-relay", "state.db")
}
