package feiralivre

import "sync"

// conversationCache is a goroutine-safe read-through cache of conversations
// for the current session. The backend owns the data; the cache is never
// persisted and is discarded with the client.
type conversationCache struct {
	mu    sync.RWMutex
	convs map[string]Conversation
}

func newConversationCache() *conversationCache {
	return &conversationCache{
		convs: make(map[string]Conversation),
	}
}

func (c *conversationCache) Get(id string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.convs[id]
	return conv, ok
}

func (c *conversationCache) Put(conv Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[conv.ID] = conv
}

func (c *conversationCache) PutAll(convs []Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range convs {
		c.convs[conv.ID] = conv
	}
}

func (c *conversationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.convs)
}
