package relay

import "sync"

// convKey is the unordered identity pair a message belongs to.
type convKey struct {
	a, b string
}

func pairKey(x, y string) convKey {
	if x > y {
		x, y = y, x
	}
	return convKey{a: x, b: y}
}

// ConversationStore holds every message relevant to the bound identity:
// durable history fetched per peer, plus live messages appended by the
// channel. Nothing is ever removed; switching peers only changes which
// subset is visible, so re-selecting a peer mid-session never loses
// messages even without a fresh fetch.
type ConversationStore struct {
	mu          sync.Mutex
	currentUser string

	selected   string
	generation uint64

	// history holds the fetched durable messages per conversation, in
	// the relay's returned order. Replaced wholesale per fetch.
	history map[convKey][]Message

	// live holds every appended message in arrival order.
	live []Message

	// notify, when set, is called after each Append. Invoked outside
	// the lock.
	notify func(Message)
}

// NewConversationStore creates an empty store scoped to currentUser.
// notify may be nil.
func NewConversationStore(currentUser string, notify func(Message)) *ConversationStore {
	return &ConversationStore{
		currentUser: currentUser,
		history:     make(map[convKey][]Message),
		notify:      notify,
	}
}

// CurrentUser returns the identity the store is scoped to.
func (s *ConversationStore) CurrentUser() string {
	return s.currentUser
}

// Select makes peer the active conversation and returns the selection
// generation the history fetch must carry. Bumping the generation is
// what invalidates history responses still in flight for the previous
// peer.
func (s *ConversationStore) Select(peer string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selected = peer
	s.generation++

	return s.generation
}

// Selected returns the active peer, or empty string.
func (s *ConversationStore) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selected
}

// SetHistory installs fetched history for peer, replacing any
// previously loaded set for that conversation. The response is applied
// only if gen still matches the current selection; a late-arriving
// response for a stale peer selection is discarded rather than allowed
// to clobber the active view. Returns whether the history was applied.
func (s *ConversationStore) SetHistory(peer string, gen uint64, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer != s.selected || gen != s.generation {
		return false
	}

	s.history[pairKey(s.currentUser, peer)] = msgs

	return true
}

// Append adds a live message in arrival order. Messages are never
// re-sorted by timestamp: two messages with identical timestamps keep
// relay-arrival order.
func (s *ConversationStore) Append(msg Message) {
	s.mu.Lock()
	s.live = append(s.live, msg)
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(msg)
	}
}

// VisibleFor returns the messages of the conversation {currentUser,
// peer}: loaded history in its returned order, followed by live
// messages in arrival order. The result is a copy; repeated calls
// without intervening Append/SetHistory return identical order.
func (s *ConversationStore) VisibleFor(peer string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(s.currentUser, peer)

	visible := make([]Message, 0, len(s.history[key]))
	visible = append(visible, s.history[key]...)

	for _, m := range s.live {
		if pairKey(m.From, m.To) == key {
			visible = append(visible, m)
		}
	}

	return visible
}

// Clear drops all history and live messages. Called on sign-out so no
// conversation leaks across identities.
func (s *ConversationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = make(map[convKey][]Message)
	s.live = nil
	s.selected = ""
	s.generation++
}
