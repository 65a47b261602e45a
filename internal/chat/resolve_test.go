package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBatch(t *testing.T) {
	t.Run("resolves reference within batch", func(t *testing.T) {
		msgs := []Message{
			{ID: "m1", Content: "orig"},
			{ID: "m2", Content: "re", ReplyToID: "m1"},
		}

		ResolveBatch(msgs)

		require.NotNil(t, msgs[1].ReplyTo)
		assert.Equal(t, "orig", msgs[1].ReplyTo.Content)
		assert.False(t, msgs[1].HasUnresolvedReply())
	})

	t.Run("absent target stays unresolved", func(t *testing.T) {
		msgs := []Message{
			{ID: "m2", Content: "re", ReplyToID: "gone"},
		}

		ResolveBatch(msgs)

		assert.Nil(t, msgs[0].ReplyTo)
		assert.Equal(t, "gone", msgs[0].ReplyToID)
		assert.True(t, msgs[0].HasUnresolvedReply())
	})

	t.Run("resolved reply is a one-level snapshot", func(t *testing.T) {
		msgs := []Message{
			{ID: "m1", Content: "a", ReplyToID: "m2"},
			{ID: "m2", Content: "b", ReplyToID: "m1"},
		}

		ResolveBatch(msgs)

		require.NotNil(t, msgs[0].ReplyTo)
		require.NotNil(t, msgs[1].ReplyTo)
		assert.Nil(t, msgs[0].ReplyTo.ReplyTo, "preview must not chain")
		assert.Nil(t, msgs[1].ReplyTo.ReplyTo)
	})

	t.Run("snapshot is detached from the sibling", func(t *testing.T) {
		msgs := []Message{
			{ID: "m1", Content: "orig"},
			{ID: "m2", ReplyToID: "m1"},
		}

		ResolveBatch(msgs)
		msgs[0].Content = "edited"

		assert.Equal(t, "orig", msgs[1].ReplyTo.Content)
	})

	t.Run("self reference is skipped", func(t *testing.T) {
		msgs := []Message{
			{ID: "m1", ReplyToID: "m1"},
		}

		ResolveBatch(msgs)

		assert.Nil(t, msgs[0].ReplyTo)
	})

	t.Run("already resolved replies are untouched", func(t *testing.T) {
		preview := &Message{ID: "m1", Content: "from wire"}
		msgs := []Message{
			{ID: "m1", Content: "in batch"},
			{ID: "m2", ReplyToID: "m1", ReplyTo: preview},
		}

		ResolveBatch(msgs)

		assert.Same(t, preview, msgs[1].ReplyTo)
	})
}
