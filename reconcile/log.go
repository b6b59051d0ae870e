// Package reconcile merges messages arriving over push, pull and optimistic
// local sends into one ordered log per conversation.
package reconcile

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karthikraju391/hirechat/models"
)

// DefaultWindow is the duplicate window. It is a heuristic inherited from
// observed behaviour, not a protocol guarantee: clock skew between client
// and server is not accounted for.
const DefaultWindow = 5 * time.Second

// Outcome describes what Merge did with an incoming message.
type Outcome int

const (
	// Unchanged: the authoritative id was already present.
	Unchanged Outcome = iota
	// Replaced: a matching optimistic record was swapped in place.
	Replaced
	// Dropped: a matching confirmed record exists under another id.
	Dropped
	Appended
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Replaced:
		return "replaced"
	case Dropped:
		return "dropped"
	case Appended:
		return "appended"
	}
	return "unknown"
}

// Changed reports whether the log contents moved.
func (o Outcome) Changed() bool {
	return o == Replaced || o == Appended
}

// Log is the per-conversation message log. It is safe for concurrent use;
// the push read loop and poll callbacks may merge into it at the same time.
type Log struct {
	mu       sync.RWMutex
	key      string
	window   time.Duration
	messages []models.Message
}

func NewLog(key string, window time.Duration) *Log {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Log{key: key, window: window}
}

func (l *Log) Key() string { return l.key }

// All returns a copy of the raw log in merge order.
func (l *Log) All() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Merge folds an authoritative message into the log.
//
// In order: an existing record with the same id makes this a no-op; an
// optimistic record with the same sender, recipient and text inside the
// window is replaced in place; a confirmed record matching the same way
// means a duplicate delivery, which is dropped; anything else is appended.
func (l *Log) Merge(incoming models.Message) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range l.messages {
		if m.ID == incoming.ID {
			return Unchanged
		}
	}

	for i, m := range l.messages {
		if m.IsTemporary() && l.sameContent(m, incoming) {
			l.messages[i] = incoming
			return Replaced
		}
	}

	for _, m := range l.messages {
		if !m.IsTemporary() && l.sameContent(m, incoming) {
			return Dropped
		}
	}

	l.messages = append(l.messages, incoming)
	return Appended
}

// MergeAll merges a batch, typically a poll result, and reports whether
// anything changed.
func (l *Log) MergeAll(incoming []models.Message) bool {
	changed := false
	for _, m := range incoming {
		if l.Merge(m).Changed() {
			changed = true
		}
	}
	return changed
}

func (l *Log) sameContent(a, b models.Message) bool {
	if a.SenderID != b.SenderID || a.RecipientID != b.RecipientID || a.Text != b.Text {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta < l.window
}

// AppendOptimistic records a local draft under a provisional id and returns
// the stored copy.
func (l *Log) AppendOptimistic(draft models.Message) models.Message {
	draft.ID = models.TempIDPrefix + uuid.NewString()
	draft.ConversationKey = l.key
	draft.TempID = draft.ID

	l.mu.Lock()
	l.messages = append(l.messages, draft)
	l.mu.Unlock()
	return draft
}

// MarkReadFrom flags messages sent by senderID as read and returns how many
// changed.
func (l *Log) MarkReadFrom(senderID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.messages {
		if l.messages[i].SenderID == senderID && !l.messages[i].Read {
			l.messages[i].Read = true
			n++
		}
	}
	return n
}

// UnreadFrom counts unread messages sent by senderID.
func (l *Log) UnreadFrom(senderID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.messages {
		if m.SenderID == senderID && !m.Read {
			n++
		}
	}
	return n
}

// Latest returns the newest confirmed timestamp, used as the poll cursor.
func (l *Log) Latest() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var latest time.Time
	for _, m := range l.messages {
		if m.IsTemporary() {
			continue
		}
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}
	return latest
}
