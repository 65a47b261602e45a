package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "github.com/nmelo/chat-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	// reconnectAttempts bounds automatic reconnection. After exhausting
	// the attempts the channel stays disconnected and the failure is
	// surfaced to the caller rather than retried silently forever.
	reconnectAttempts = 5

	// reconnectDelay is the fixed delay before each reconnect attempt.
	// The transport applies its own backoff on top of this.
	reconnectDelay = 1000 * time.Millisecond

	// jitterDivisor controls the range of random jitter added to the
	// reconnect delay: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2

	// wsReadLimit caps inbound frame size. Chat payloads are small JSON;
	// attachments travel out of band as URLs.
	wsReadLimit = 1 << 20

	// outboundChanSize is the buffer for actions submitted to the event
	// loop; inboundChanSize buffers the reader goroutine's frames.
	outboundChanSize = 64
	inboundChanSize  = 64
)

// Status is the connection state of the event channel.
type Status int32

// Channel states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outboundOp is an action submitted to the event loop for transmission.
type outboundOp struct {
	payload any
	result  chan error
}

// wsConn abstracts the WebSocket connection so SyncClient can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// EventHandler receives inbound wire events and lifecycle notices from
// the event loop. Exactly one handler consumes a given channel; each
// event is routed to it once, in arrival order.
type EventHandler interface {
	// HandleEvent is called for every inbound event. Unknown ops must be
	// ignored without error.
	HandleEvent(op string, data []byte)

	// ConnectionLost is called when the channel drops, before any
	// reconnect attempt. Ephemeral state must not survive it.
	ConnectionLost()

	// ResyncPayloads returns the frames to send after every successful
	// (re)connect: the one-time resynchronization.
	ResyncPayloads() []any
}

// SyncClient manages the persistent event channel.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound frames,
// outbound actions (opCh), and heartbeat ticks. All writes to the
// connection happen from the event loop, eliminating the need for a
// write mutex.
type SyncClient struct {
	logger  *slog.Logger
	handler EventHandler

	host     string
	token    string
	device   string
	insecure bool

	conn wsConn

	// dial is swapped out by tests to inject a mock connection.
	dial func(ctx context.Context) (wsConn, error)

	status   atomic.Int32
	onStatus func(Status)

	// opCh receives outbound actions; the event loop transmits them one
	// at a time.
	opCh chan outboundOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// connCancel cancels the per-connection context, stopping the reader
	// goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// signedOut makes the next disconnect terminal.
	signedOut atomic.Bool
}

// SyncConfig holds the parameters needed to run the event channel.
type SyncConfig struct {
	Host     string
	Token    string
	Device   string
	Insecure bool
	Handler  EventHandler

	// OnStatus, when set, observes every state transition. It runs on
	// the event loop goroutine and must not block.
	OnStatus func(Status)
}

// NewSyncClient creates a SyncClient from the given config.
func NewSyncClient(cfg SyncConfig, logger *slog.Logger) *SyncClient {
	s := &SyncClient{
		logger:   logger,
		handler:  cfg.Handler,
		host:     cfg.Host,
		token:    cfg.Token,
		device:   cfg.Device,
		insecure: cfg.Insecure,
		onStatus: cfg.OnStatus,
		opCh:     make(chan outboundOp, outboundChanSize),
	}
	s.dial = s.dialWebSocket

	return s
}

// Status returns the current channel state.
func (s *SyncClient) Status() Status {
	return Status(s.status.Load())
}

func (s *SyncClient) setStatus(st Status) {
	if Status(s.status.Swap(int32(st))) == st {
		return
	}

	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *SyncClient) dialWebSocket(ctx context.Context) (wsConn, error) {
	scheme := "wss"
	if s.insecure {
		scheme = "ws"
	}

	url := scheme + "://" + s.host + "/ws"
	s.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Connect dials the channel, authenticates, and marks it connected.
// No-op when already connected. The bearer token is attached at
// establishment time only; a token refresh requires a full reconnect.
func (s *SyncClient) Connect(ctx context.Context) error {
	if s.Status() == StatusConnected {
		return nil
	}

	s.setStatus(StatusConnecting)

	if err := s.establish(ctx); err != nil {
		s.setStatus(StatusDisconnected)
		return err
	}

	return nil
}

// establish dials and runs the auth handshake, leaving the channel
// connected on success.
func (s *SyncClient) establish(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	if err := s.handshake(ctx, conn); err != nil {
		return err
	}

	s.setStatus(StatusConnected)

	return nil
}

// handshake performs the post-dial init/auth sequence. Extracted from
// establish so the auth logic can be tested with a mock wsConn.
func (s *SyncClient) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	init := initFrame{
		Op:     "init",
		Token:  s.token,
		Device: s.device,
	}

	if err := s.writeJSON(ctx, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	// Read the auth response directly; the reader goroutine is not
	// running yet.
	var resp initResponse
	if err := s.readJSON(ctx, &resp); err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	s.logger.Info("event channel authenticated", slog.String("user_id", resp.UserID))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message on the channel.
// The goroutine captures ch and conn by value so a reader from a prior
// connection cannot send stale frames into the new channel.
func (s *SyncClient) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic, bounded reconnection. It
// owns all writes to the connection. Returns nil after SignOut, the
// context error on cancellation, or ErrRetriesExhausted when the
// reconnect budget is spent.
func (s *SyncClient) Listen(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)
	s.sendResync(ctx)

	for {
		err := s.eventLoop(ctx, connCtx)

		s.setStatus(StatusDisconnected)
		connCancel()
		s.handler.ConnectionLost()

		if s.signedOut.Load() {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))

		if err := s.reconnect(ctx); err != nil {
			return err
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)
		s.sendResync(ctx)
	}
}

// reconnect retries establish up to reconnectAttempts times with a
// fixed delay plus jitter before each attempt.
func (s *SyncClient) reconnect(ctx context.Context) error {
	s.setStatus(StatusReconnecting)

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		jitter := time.Duration(rand.Int64N(int64(reconnectDelay) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(reconnectDelay + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setStatus(StatusDisconnected)

			return ctx.Err()
		case <-timer.C:
		}

		if err := s.establish(ctx); err != nil {
			if ctx.Err() != nil {
				s.setStatus(StatusDisconnected)
				return ctx.Err()
			}

			s.logger.Warn("reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("reconnected", slog.Int("attempt", attempt))

		return nil
	}

	s.setStatus(StatusDisconnected)

	return fmt.Errorf("%w after %d attempts", apperrors.ErrRetriesExhausted, reconnectAttempts)
}

// sendResync transmits the handler's one-time resynchronization frames
// after a successful (re)connect.
func (s *SyncClient) sendResync(ctx context.Context) {
	for _, payload := range s.handler.ResyncPayloads() {
		if err := s.writeJSON(ctx, payload); err != nil {
			s.logger.Warn("sending resync frame", slog.String("error", err.Error()))
			return
		}
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, outbound actions, and the heartbeat ticker. Returns
// on read error or context cancellation.
func (s *SyncClient) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.dispatch(msg.data)

		case op := <-s.opCh:
			err := s.writeJSON(ctx, op.payload)
			op.result <- err

			if err != nil {
				// A failed write means the connection is dead; trigger
				// reconnect.
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, pingFrame{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// dispatch routes one inbound frame to the handler. Each event type
// reaches exactly one pipeline stage; frames that do not parse and
// heartbeat replies are consumed here.
func (s *SyncClient) dispatch(data []byte) {
	op := gjson.GetBytes(data, "op").Str
	switch op {
	case "":
		s.logger.Debug("frame without op", slog.Int("bytes", len(data)))
	case "pong":
	default:
		s.handler.HandleEvent(op, data)
	}
}

// Send submits a payload for transmission from the event loop. Returns
// ErrNotConnected, without queueing, when the channel is not connected:
// callers must treat that failure as authoritative.
func (s *SyncClient) Send(ctx context.Context, payload any) error {
	if s.Status() != StatusConnected {
		return apperrors.ErrNotConnected
	}

	op := outboundOp{payload: payload, result: make(chan error, 1)}

	select {
	case s.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignOut closes the channel terminally: Listen returns instead of
// reconnecting.
func (s *SyncClient) SignOut() error {
	s.signedOut.Store(true)
	s.setStatus(StatusDisconnected)

	if s.connCancel != nil {
		s.connCancel()
	}

	if s.conn != nil {
		return s.conn.Close(websocket.StatusNormalClosure, "sign out")
	}

	return nil
}

func (s *SyncClient) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *SyncClient) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *SyncClient) readJSON(ctx context.Context, v any) error {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	s.touchLastMessage()

	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected message type %v", typ)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	return nil
}
