package chat

import (
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerOnline(t *testing.T) {
	tr := NewTracker(slog.Default())

	tr.SetOnline("u1")
	tr.SetOnline("u2")
	tr.SetOnline("u1")

	assert.True(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"u1", "u2"}, tr.OnlineUsers())

	tr.SetOffline("u1")
	tr.SetOffline("u1")

	assert.False(t, tr.IsOnline("u1"))
	assert.Equal(t, []string{"u2"}, tr.OnlineUsers())
}

func TestTrackerReplaceOnline(t *testing.T) {
	tr := NewTracker(slog.Default())

	tr.SetOnline("u1")
	tr.SetOnline("u2")

	tr.ReplaceOnline([]string{"u3"})

	assert.False(t, tr.IsOnline("u1"))
	assert.False(t, tr.IsOnline("u2"))
	assert.Equal(t, []string{"u3"}, tr.OnlineUsers())
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTracker(slog.Default())

		tr.StartTyping("c1", "u1")
		require.Len(t, tr.ListTyping("c1"), 1)

		time.Sleep(typingTTL - time.Millisecond)
		synctest.Wait()
		assert.Len(t, tr.ListTyping("c1"), 1, "still alive just before the deadline")

		time.Sleep(2 * time.Millisecond)
		synctest.Wait()
		assert.Empty(t, tr.ListTyping("c1"))
	})
}

func TestTypingRefreshExtendsDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTracker(slog.Default())

		tr.StartTyping("c1", "u1")

		time.Sleep(2000 * time.Millisecond)
		tr.StartTyping("c1", "u1")

		// 3500ms after the first start but only 1500ms after the
		// refresh: the stale deadline must not fire.
		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()
		assert.Len(t, tr.ListTyping("c1"), 1)

		time.Sleep(typingTTL)
		synctest.Wait()
		assert.Empty(t, tr.ListTyping("c1"))
	})
}

func TestStopTypingWinsOverTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTracker(slog.Default())

		tr.StartTyping("c1", "u1")
		tr.StopTyping("c1", "u1")

		assert.Empty(t, tr.ListTyping("c1"))

		time.Sleep(2 * typingTTL)
		synctest.Wait()
		assert.Empty(t, tr.ListTyping("c1"))
	})
}

func TestStopTypingUnknownKeyIsNoop(t *testing.T) {
	tr := NewTracker(slog.Default())

	tr.StopTyping("c1", "u1")

	assert.Empty(t, tr.ListTyping("c1"))
}

func TestListTypingOrderedByStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTracker(slog.Default())

		tr.StartTyping("c1", "u2")
		time.Sleep(100 * time.Millisecond)
		tr.StartTyping("c1", "u1")
		tr.StartTyping("c2", "u3")

		got := tr.ListTyping("c1")
		require.Len(t, got, 2)
		assert.Equal(t, "u2", got[0].UserID)
		assert.Equal(t, "u1", got[1].UserID)
	})
}

func TestTrackerReset(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTracker(slog.Default())

		tr.SetOnline("u1")
		tr.StartTyping("c1", "u1")

		tr.Reset()

		assert.Empty(t, tr.OnlineUsers())
		assert.Empty(t, tr.ListTyping("c1"))

		// A typing event after reset must not be killed by a timer armed
		// before the reset.
		tr.StartTyping("c1", "u1")
		time.Sleep(typingTTL / 2)
		synctest.Wait()
		assert.Len(t, tr.ListTyping("c1"), 1)
	})
}
