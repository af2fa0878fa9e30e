package feiralivre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationCacheRoundTrip(t *testing.T) {
	c := newConversationCache()
	assert.Equal(t, 0, c.Len())

	_, ok := c.Get("conv-1")
	assert.False(t, ok)

	c.Put(Conversation{ID: "conv-1"})
	conv, ok := c.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, 1, c.Len())

	// Re-putting the same id replaces, never grows.
	c.Put(Conversation{ID: "conv-1", CreatedAt: "2026-03-01T12:00:00Z"})
	conv, _ = c.Get("conv-1")
	assert.Equal(t, "2026-03-01T12:00:00Z", conv.CreatedAt)
	assert.Equal(t, 1, c.Len())

	c.PutAll([]Conversation{{ID: "conv-2"}, {ID: "conv-3"}})
	assert.Equal(t, 3, c.Len())
}
