// Package presence keeps ephemeral typing state. Nothing here is durable;
// entries expire after a TTL so a lost typing:stop cannot stick.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/karthikraju391/hirechat/clock"
)

// Tracker records who is typing in which conversation. Latest state wins.
type Tracker interface {
	SetTyping(ctx context.Context, key, userID string, typing bool) error
	IsTyping(ctx context.Context, key, userID string) (bool, error)
}

type memoryEntry struct {
	expires time.Time
}

// Memory is an in-process Tracker.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[string]memoryEntry
}

var _ Tracker = (*Memory)(nil)

func NewMemory(ttl time.Duration, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{ttl: ttl, clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *Memory) SetTyping(_ context.Context, key, userID string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := typingKey(key, userID)
	if !typing {
		delete(m.entries, k)
		return nil
	}
	m.entries[k] = memoryEntry{expires: m.clock.Now().Add(m.ttl)}
	return nil
}

func (m *Memory) IsTyping(_ context.Context, key, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := typingKey(key, userID)
	e, ok := m.entries[k]
	if !ok {
		return false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, k)
		return false, nil
	}
	return true, nil
}

func typingKey(key, userID string) string {
	return "typing:" + key + ":" + userID
}
