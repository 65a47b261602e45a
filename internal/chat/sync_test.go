package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/nmelo/chat-sync/internal/errors"
)

// recordingHandler captures handler callbacks for assertions.
type recordingHandler struct {
	mu     sync.Mutex
	events []string
	lost   int
	resync []any
}

func (h *recordingHandler) HandleEvent(op string, _ []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, op)
}

func (h *recordingHandler) ConnectionLost() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lost++
}

func (h *recordingHandler) ResyncPayloads() []any {
	return h.resync
}

func (h *recordingHandler) seenEvents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.events...)
}

func (h *recordingHandler) lostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lost
}

func newTestSyncClient(handler EventHandler) *SyncClient {
	return NewSyncClient(SyncConfig{
		Host:    "chat.example.com",
		Token:   "tok",
		Device:  "test-device",
		Handler: handler,
	}, slog.Default())
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func TestConnect_HandshakeSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	s := newTestSyncClient(&recordingHandler{})
	s.dial = func(context.Context) (wsConn, error) { return conn, nil }

	expectedInit := mustMarshal(t, initFrame{Op: "init", Token: "tok", Device: "test-device"})

	conn.EXPECT().SetReadLimit(int64(wsReadLimit))
	gomock.InOrder(
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, expectedInit).Return(nil),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"res":"ok","userId":"u1"}`), nil),
	)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StatusConnected, s.Status())

	// Connecting again is a no-op.
	require.NoError(t, s.Connect(context.Background()))
}

func TestConnect_AuthRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	s := newTestSyncClient(&recordingHandler{})
	s.dial = func(context.Context) (wsConn, error) { return conn, nil }

	conn.EXPECT().SetReadLimit(int64(wsReadLimit))
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"res":"error","msg":"bad token"}`), nil)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestConnect_DialFails(t *testing.T) {
	s := newTestSyncClient(&recordingHandler{})
	s.dial = func(context.Context) (wsConn, error) { return nil, errors.New("refused") }

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestSend_NotConnected(t *testing.T) {
	s := newTestSyncClient(&recordingHandler{})

	err := s.Send(context.Background(), pingFrame{Op: "ping"})
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestSend_WritesFromEventLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	s := newTestSyncClient(&recordingHandler{})
	s.conn = conn
	s.setStatus(StatusConnected)
	s.inboundCh = make(chan inboundMsg)
	s.touchLastMessage()

	payload := conversationFrame{Op: "join_conversation", ConversationID: "c1"}
	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, mustMarshal(t, payload)).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, ctx)
	}()

	require.NoError(t, s.Send(ctx, payload))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSend_WriteFailureSurfacesAndKillsLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	s := newTestSyncClient(&recordingHandler{})
	s.conn = conn
	s.setStatus(StatusConnected)
	s.inboundCh = make(chan inboundMsg)
	s.touchLastMessage()

	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(errors.New("broken pipe"))

	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(context.Background(), context.Background())
	}()

	err := s.Send(context.Background(), pingFrame{Op: "ping"})
	require.ErrorContains(t, err, "broken pipe")
	assert.ErrorContains(t, <-done, "writing frame")
}

func TestDispatch_Routing(t *testing.T) {
	h := &recordingHandler{}
	s := newTestSyncClient(h)

	s.dispatch([]byte(`{"op":"new_message","id":"m1"}`))
	s.dispatch([]byte(`{"op":"pong"}`))
	s.dispatch([]byte(`{"id":"no-op-field"}`))
	s.dispatch([]byte(`not json`))
	s.dispatch([]byte(`{"op":"some_future_event"}`))

	assert.Equal(t, []string{"new_message", "some_future_event"}, h.seenEvents())
}

func TestListen_SignOutIsTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	h := &recordingHandler{resync: []any{onlineUsersFrame{Op: "get_online_users"}}}
	s := newTestSyncClient(h)
	s.conn = conn
	s.setStatus(StatusConnected)

	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, mustMarshal(t, onlineUsersFrame{Op: "get_online_users"})).Return(nil)
	gomock.InOrder(
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"op":"new_message"}`), nil),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, errors.New("use of closed connection")).AnyTimes(),
	)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "sign out").Return(nil)

	require.NoError(t, s.SignOut())

	err := s.Listen(context.Background())
	require.NoError(t, err, "sign-out disconnect must not reconnect")

	assert.Equal(t, []string{"new_message"}, h.seenEvents())
	assert.Equal(t, 1, h.lostCount())
}

func TestListen_ContextCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockwsConn(ctrl)
	s := newTestSyncClient(&recordingHandler{})
	s.conn = conn
	s.setStatus(StatusConnected)

	conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).AnyTimes().Return(nil)
	conn.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	}).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Listen(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReconnect_ExhaustsAttempts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newTestSyncClient(&recordingHandler{})

		dials := 0
		s.dial = func(context.Context) (wsConn, error) {
			dials++
			return nil, errors.New("refused")
		}

		start := time.Now()
		err := s.reconnect(context.Background())

		require.ErrorIs(t, err, apperrors.ErrRetriesExhausted)
		assert.Equal(t, reconnectAttempts, dials)
		assert.Equal(t, StatusDisconnected, s.Status())
		assert.GreaterOrEqual(t, time.Since(start), time.Duration(reconnectAttempts)*reconnectDelay,
			"each attempt waits out its delay")
	})
}

func TestReconnect_SucceedsMidway(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockwsConn(ctrl)
		s := newTestSyncClient(&recordingHandler{})

		conn.EXPECT().SetReadLimit(int64(wsReadLimit))
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"res":"ok"}`), nil)

		dials := 0
		s.dial = func(context.Context) (wsConn, error) {
			dials++
			if dials < 3 {
				return nil, errors.New("refused")
			}
			return conn, nil
		}

		require.NoError(t, s.reconnect(context.Background()))
		assert.Equal(t, 3, dials)
		assert.Equal(t, StatusConnected, s.Status())
	})
}

func TestReconnect_HonorsCancellation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := newTestSyncClient(&recordingHandler{})
		s.dial = func(context.Context) (wsConn, error) { return nil, errors.New("refused") }

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.reconnect(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()
		synctest.Wait()

		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestHeartbeat_PingAfterIdle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockwsConn(ctrl)
		s := newTestSyncClient(&recordingHandler{})
		s.conn = conn
		s.setStatus(StatusConnected)
		s.inboundCh = make(chan inboundMsg)
		s.touchLastMessage()

		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, mustMarshal(t, pingFrame{Op: "ping"})).MinTimes(1).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.eventLoop(ctx, ctx)
		}()

		// First heartbeat check happens past the idle threshold, so the
		// loop pings.
		time.Sleep(heartbeatCheckAt + time.Second)
		synctest.Wait()

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestHeartbeat_TimesOutDeadConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockwsConn(ctrl)
		s := newTestSyncClient(&recordingHandler{})
		s.conn = conn
		s.setStatus(StatusConnected)
		s.inboundCh = make(chan inboundMsg)
		s.touchLastMessage()

		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, mustMarshal(t, pingFrame{Op: "ping"})).AnyTimes().Return(nil)
		conn.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		done := make(chan error, 1)
		go func() {
			done <- s.eventLoop(context.Background(), context.Background())
		}()

		time.Sleep(disconnectAfter + heartbeatCheckAt)
		synctest.Wait()

		assert.ErrorContains(t, <-done, "heartbeat timeout")
	})
}

func TestEventLoop_InboundFramesRefreshLiveness(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockwsConn(ctrl)
		h := &recordingHandler{}
		s := newTestSyncClient(h)
		s.conn = conn
		s.setStatus(StatusConnected)
		s.inboundCh = make(chan inboundMsg, 1)
		s.touchLastMessage()

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- s.eventLoop(ctx, ctx)
		}()

		// A frame arriving every 8s keeps the channel inside the ping
		// threshold: no ping is ever written (no Write expectation set).
		for i := 0; i < 5; i++ {
			time.Sleep(8 * time.Second)
			s.inboundCh <- inboundMsg{typ: websocket.MessageText, data: []byte(`{"op":"pong"}`)}
			synctest.Wait()
		}

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		assert.Empty(t, h.seenEvents(), "pong frames are consumed by the channel")
	})
}
