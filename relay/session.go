package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	relayerrors "github.com/alexjbarnes/chat-relay/internal/errors"
	"github.com/alexjbarnes/chat-relay/internal/state"
)

// SessionConfig holds the collaborators and callbacks a Session needs.
type SessionConfig struct {
	Client     *Client
	Codec      *Codec
	State      *state.Store
	ChannelURL string

	// OnMessage is invoked for every message appended to the
	// conversation store, live or echoed. May be nil.
	OnMessage func(Message)

	// OnPresence is invoked when a peer's online status changes.
	// May be nil.
	OnPresence func(User)
}

// Session owns the bound identity and its lifecycle: it is the single
// owner of the live channel, the presence roster, and the conversation
// store, and tears all three down together. There is exactly one
// Session per process, held by the caller, never a package-level
// singleton.
type Session struct {
	client     *Client
	codec      *Codec
	state      *state.Store
	channelURL string
	logger     *slog.Logger

	onMessage  func(Message)
	onPresence func(User)

	mu       sync.Mutex
	identity string
	roster   *Roster
	conv     *ConversationStore
	channel  *Channel

	// runCancel stops the channel's event loop on teardown.
	runCancel context.CancelFunc
}

// NewSession creates an unbound session.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		client:     cfg.Client,
		codec:      cfg.Codec,
		state:      cfg.State,
		channelURL: cfg.ChannelURL,
		logger:     logger,
		onMessage:  cfg.OnMessage,
		onPresence: cfg.OnPresence,
	}
}

// SignIn authenticates an existing identity and binds it. On auth
// failure the relay's reason is returned verbatim and session state is
// unchanged.
func (s *Session) SignIn(ctx context.Context, identity, credential string) error {
	if _, err := s.client.Login(ctx, identity, credential); err != nil {
		return err
	}

	return s.bind(ctx, identity)
}

// SignUp creates a new identity and binds it. Failure typically means
// the identity is already taken.
func (s *Session) SignUp(ctx context.Context, identity, credential string) error {
	if _, err := s.client.Signup(ctx, identity, credential); err != nil {
		return err
	}

	return s.bind(ctx, identity)
}

// Restore re-binds a previously persisted identity without validating
// it against the relay (trust-on-read). Re-establishing the channel is
// what fails visibly if the identity is no longer valid. Returns the
// restored identity alongside any bind error.
func (s *Session) Restore(ctx context.Context) (string, error) {
	identity := s.state.Identity()
	if identity == "" {
		return "", relayerrors.ErrNoSession
	}

	return identity, s.bind(ctx, identity)
}

// bind makes identity the bound identity: persists it, opens the live
// channel, and performs the initial roster fetch. These three effects
// happen before bind returns, so the caller never observes an identity
// that is bound without its channel having been requested. Re-binding
// force-closes any prior channel first.
func (s *Session) bind(ctx context.Context, identity string) error {
	s.mu.Lock()
	s.teardownLocked()

	s.identity = identity
	if err := s.state.SetIdentity(identity); err != nil {
		s.logger.Warn("failed to persist identity", slog.String("error", err.Error()))
	}

	s.roster = NewRoster(s.onPresence)
	s.conv = NewConversationStore(identity, s.onMessage)
	s.channel = NewChannel(s.channelURL, identity, s.roster, s.conv, s.logger)

	roster := s.roster
	channel := s.channel
	s.mu.Unlock()

	// Seed the roster from the cached snapshot so known peers are
	// visible even while the bulk fetch is pending or failing. Cached
	// online flags are stale by definition, so everyone starts offline.
	if cached, err := s.state.Peers(identity); err == nil {
		seed := make([]User, 0, len(cached))
		for _, p := range cached {
			seed = append(seed, User{Username: p.Username, Online: false})
		}
		roster.BulkLoad(seed)
	}

	if err := channel.Open(ctx); err != nil {
		// The identity stays bound; the session is visibly inert until
		// the user signs in again.
		return fmt.Errorf("binding %s: %w", identity, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	go func() {
		if err := channel.Run(runCtx); err != nil {
			// No automatic reconnect: the session now looks connected
			// but is inert, so say it loudly.
			s.logger.Warn("live channel lost, messaging disabled until next sign-in",
				slog.String("identity", identity),
				slog.String("error", err.Error()),
			)
		}
	}()

	s.fetchRoster(ctx, identity, roster)

	return nil
}

// fetchRoster performs the initial bulk load and persists the snapshot.
// Fetch failures are logged and leave the roster unchanged; no retry.
func (s *Session) fetchRoster(ctx context.Context, identity string, roster *Roster) {
	users, err := s.client.ListUsers(ctx, identity)
	if err != nil {
		s.logger.Warn("roster fetch failed", slog.String("error", err.Error()))
		return
	}

	roster.BulkLoad(users)

	peers := make([]state.Peer, 0, len(users))
	for _, u := range users {
		peers = append(peers, state.Peer{Username: u.Username, Online: u.Online})
	}
	if err := s.state.SetPeers(identity, peers); err != nil {
		s.logger.Warn("failed to cache roster snapshot", slog.String("error", err.Error()))
	}

	s.logger.Info("roster loaded", slog.Int("peers", len(users)))
}

// SignOut closes any open channel, clears the persisted identity, and
// clears the roster and conversation store. All conversation state is
// scoped to the bound identity; nothing survives into the next one.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()

	if s.identity == "" {
		return
	}

	if err := s.state.ClearIdentity(); err != nil {
		s.logger.Warn("failed to clear persisted identity", slog.String("error", err.Error()))
	}
	if s.roster != nil {
		s.roster.Clear()
	}
	if s.conv != nil {
		s.conv.Clear()
	}

	s.logger.Info("signed out", slog.String("identity", s.identity))
	s.identity = ""
}

// teardownLocked force-closes the live channel. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
}

// Identity returns the bound identity, or empty string.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.identity
}

// Roster returns the presence roster for the bound identity, or nil
// when unbound.
func (s *Session) Roster() *Roster {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roster
}

// Conversations returns the conversation store for the bound identity,
// or nil when unbound.
func (s *Session) Conversations() *ConversationStore {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conv
}

// ChannelState returns the live channel's state; Closed when unbound.
func (s *Session) ChannelState() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		return StateClosed
	}

	return s.channel.State()
}

// SelectPeer makes peer the active conversation and fetches its
// durable history. The fetched set replaces the previously loaded one
// for that peer; it is applied only if the selection has not moved on
// in the meantime. Fetch failures are logged and leave the view
// unchanged; no retry.
func (s *Session) SelectPeer(ctx context.Context, peer string) {
	s.mu.Lock()
	conv := s.conv
	identity := s.identity
	s.mu.Unlock()

	if conv == nil {
		return
	}

	gen := conv.Select(peer)

	msgs, err := s.client.History(ctx, identity, peer)
	if err != nil {
		s.logger.Warn("history fetch failed",
			slog.String("peer", peer),
			slog.String("error", err.Error()),
		)
		return
	}

	if !conv.SetHistory(peer, gen, msgs) {
		s.logger.Debug("discarded stale history response", slog.String("peer", peer))
		return
	}

	s.logger.Debug("history loaded",
		slog.String("peer", peer),
		slog.Int("messages", len(msgs)),
	)
}

// SendText sends a text message to a peer over the live channel.
// Fire-and-forget: the local copy is appended when the relay echoes it
// back, not here. ErrChannelClosed when the channel is not open.
func (s *Session) SendText(ctx context.Context, to, content string) error {
	s.mu.Lock()
	channel := s.channel
	identity := s.identity
	s.mu.Unlock()

	if channel == nil {
		return relayerrors.ErrChannelClosed
	}

	return channel.Send(ctx, OutboundFrame{
		FromUser: identity,
		ToUser:   to,
		Content:  content,
	})
}

// SendFile uploads a local file through the attachment codec and sends
// the resulting attachment message to a peer.
func (s *Session) SendFile(ctx context.Context, to, path string) error {
	s.mu.Lock()
	channel := s.channel
	identity := s.identity
	s.mu.Unlock()

	if channel == nil {
		return relayerrors.ErrChannelClosed
	}

	att, err := s.codec.EncodeFile(ctx, path)
	if err != nil {
		return err
	}

	return channel.Send(ctx, OutboundFrame{
		FromUser: identity,
		ToUser:   to,
		Content:  fmt.Sprintf("Sent a file: %s", att.Name),
		FileData: att.Data,
		FileName: att.Name,
		FileType: att.MimeType,
	})
}

// SaveAttachment materializes a received attachment into the download
// directory and returns the path written.
func (s *Session) SaveAttachment(msg Message) (string, error) {
	if !msg.HasAttachment() {
		return "", errors.New("message has no attachment")
	}

	return s.codec.Decode(msg.FileData, msg.FileName)
}
