package syncbus

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process Channel for tabs served by the same server
// instance, and for tests. Delivery is synchronous in the publisher's
// goroutine; publishers must not hold locks their handlers also take.
type MemoryChannel struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler // attemptID -> tabID -> handler
}

// NewMemoryChannel creates an empty in-process broadcast channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs: make(map[string]map[string]Handler),
	}
}

// Publish delivers env to every subscriber of env.AttemptID except the
// sending tab. Never fails.
func (c *MemoryChannel) Publish(_ context.Context, env Envelope) error {
	c.mu.RLock()
	tabs := c.subs[env.AttemptID]
	handlers := make([]Handler, 0, len(tabs))
	for tabID, h := range tabs {
		if tabID == env.TabID {
			continue
		}
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe registers h for attemptID. A second subscription with the same
// tabID replaces the first.
func (c *MemoryChannel) Subscribe(attemptID, tabID string, h Handler) (func(), error) {
	c.mu.Lock()
	tabs, ok := c.subs[attemptID]
	if !ok {
		tabs = make(map[string]Handler)
		c.subs[attemptID] = tabs
	}
	tabs[tabID] = h
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if tabs, ok := c.subs[attemptID]; ok {
				delete(tabs, tabID)
				if len(tabs) == 0 {
					delete(c.subs, attemptID)
				}
			}
			c.mu.Unlock()
		})
	}
	return cancel, nil
}
