package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	relayerrors "github.com/alexjbarnes/chat-relay/internal/errors"
)

// readLimit bounds a single inbound frame. Attachments travel inline as
// base64 text, so frames can be large; 32MB covers any upload the relay
// accepts with headroom.
const readLimit = 32 * 1024 * 1024

// ChannelState is the live channel's lifecycle state.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StateOpening
	StateOpen
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundFrame wraps a frame read from the WebSocket by the reader
// goroutine.
type inboundFrame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is an outbound frame submitted to the event loop.
type sendOp struct {
	frame  OutboundFrame
	result chan error
}

// frameKind is the tagged classification of an inbound frame, decided
// once at the wire boundary.
type frameKind int

const (
	frameUnknown frameKind = iota
	framePresence
	frameMessage
)

// frame is the decoded tagged union of inbound frame variants.
type frame struct {
	kind     frameKind
	presence PresenceEvent
	message  Message
}

// Channel is the persistent duplex connection between a bound identity
// and the relay.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine (Run) dispatches inbound frames
// in strict arrival order and owns all writes to the connection, so no
// write mutex is needed and a dispatch can never interleave with
// another.
//
// There is no automatic reconnection: the relay protocol has no resume
// cursor, so a dropped channel cannot catch up on missed frames. It
// stays closed until the session re-binds.
type Channel struct {
	logger   *slog.Logger
	baseURL  string
	identity string

	roster *Roster
	conv   *ConversationStore

	conn wsConn

	mu    sync.Mutex
	state ChannelState

	inboundCh chan inboundFrame
	sendCh    chan sendOp

	// done is closed by Close so a Send blocked on its result does not
	// wait on an event loop that has already exited.
	done chan struct{}

	// connCancel stops the reader goroutine when the channel closes.
	connCancel context.CancelFunc
}

// NewChannel creates a channel for identity against the relay at
// baseURL (ws:// or wss://). Inbound frames are dispatched into roster
// and conv.
func NewChannel(baseURL, identity string, roster *Roster, conv *ConversationStore, logger *slog.Logger) *Channel {
	return &Channel{
		logger:   logger,
		baseURL:  baseURL,
		identity: identity,
		roster:   roster,
		conv:     conv,
		sendCh:   make(chan sendOp, 16),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Open dials the WebSocket endpoint addressed by the bound identity.
// Does not retry on failure: establishment errors are surfaced to the
// caller, which decides whether to treat them as session-ending.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return relayerrors.ErrAlreadyOpen
	}
	c.state = StateOpening
	c.mu.Unlock()

	wsURL := c.baseURL + "/ws/" + url.PathEscape(c.identity)
	c.logger.Debug("opening live channel", slog.String("url", wsURL))

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dialing live channel: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("live channel open", slog.String("identity", c.identity))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final frame on inboundCh. The
// goroutine captures ch by value so a reader from a previous connection
// cannot send stale frames into a new channel.
func (c *Channel) startReader(connCtx context.Context) {
	ch := make(chan inboundFrame, 64)
	c.inboundCh = ch

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		// Closed between the state check and here.
		ch <- inboundFrame{err: relayerrors.ErrChannelClosed}
		return
	}

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Run is the event loop. It dispatches inbound frames one at a time in
// arrival order and performs all outbound writes. Returns nil on a
// deliberate Close or context cancellation, otherwise the read or
// write error that killed the connection. Once Run returns the channel
// is Closed and no further dispatch occurs.
func (c *Channel) Run(ctx context.Context) error {
	if c.State() != StateOpen {
		return relayerrors.ErrChannelClosed
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.connCancel = cancel
	c.mu.Unlock()
	c.startReader(connCtx)

	defer c.Close()

	for {
		select {
		case in := <-c.inboundCh:
			if in.err != nil {
				if c.State() == StateClosed || ctx.Err() != nil {
					// Deliberate shutdown, not a transport failure.
					return nil
				}
				return fmt.Errorf("reading frame: %w", in.err)
			}

			if in.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(in.data)))
				continue
			}

			c.dispatch(in.data)

		case op := <-c.sendCh:
			op.result <- c.writeJSON(ctx, op.frame)

		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch routes one inbound frame to the right state bucket.
func (c *Channel) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("undecodable frame", slog.String("error", err.Error()))
		return
	}

	switch f.kind {
	case framePresence:
		c.roster.Merge(f.presence.Username, f.presence.Online)

	case frameMessage:
		// Defensive filter against relay fan-out bugs: a message frame
		// addressed to neither side of the bound identity is dropped.
		if !f.message.Involves(c.identity) {
			c.logger.Debug("dropping frame for foreign conversation",
				slog.String("from", f.message.From),
				slog.String("to", f.message.To),
			)
			return
		}
		c.conv.Append(f.message)

	default:
		c.logger.Debug("unknown frame type", slog.Int("bytes", len(data)))
	}
}

// decodeFrame classifies a raw frame into the tagged union exactly
// once, at the wire boundary. The relay marks presence frames with
// type "user_status"; a frame without a type field is a message.
func decodeFrame(data []byte) (frame, error) {
	typ := gjson.GetBytes(data, "type")

	if !typ.Exists() {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return frame{}, fmt.Errorf("decoding message frame: %w", err)
		}
		return frame{kind: frameMessage, message: msg}, nil
	}

	if typ.Str != presenceType {
		return frame{kind: frameUnknown}, nil
	}

	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return frame{}, fmt.Errorf("decoding presence frame: %w", err)
	}

	return frame{kind: framePresence, presence: ev}, nil
}

// Send serializes the outbound frame and hands it to the event loop
// for a single atomic write. Fire-and-forget past local serialization:
// no delivery confirmation exists at this layer. Requires Open.
func (c *Channel) Send(ctx context.Context, out OutboundFrame) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return relayerrors.ErrChannelClosed
	}
	done := c.done
	c.mu.Unlock()

	op := sendOp{frame: out, result: make(chan error, 1)}

	select {
	case c.sendCh <- op:
	case <-done:
		return relayerrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-done:
		// The event loop exited with the op still queued. Prefer the
		// loop's own answer if it got there first.
		select {
		case err := <-op.result:
			return err
		default:
			return relayerrors.ErrChannelClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeJSON marshals v and writes it as a single text frame. Only
// called from the event loop.
func (c *Channel) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return relayerrors.ErrChannelClosed
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// Close transitions to Closed unconditionally. Idempotent: closing a
// closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}
