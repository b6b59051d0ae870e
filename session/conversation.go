package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/channel"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/conversation"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/reconcile"
)

var ErrEmptyDraft = fmt.Errorf("%w: message text is required", apperr.ErrValidation)

// Conversation is an open chat view. It merges pushed and polled messages
// into one reconciled log and tracks presence for the counterpart.
type Conversation struct {
	s           *Session
	key         string
	counterpart models.User
	jobID       string
	log         *reconcile.Log

	mu                sync.Mutex
	lastTyping        *bool
	counterpartTyping bool
	closed            bool
	offs              []func()
	updates           chan struct{}
}

// OpenConversation opens the thread with counterpart, optionally scoped to
// jobID. Opening the same thread twice returns the same Conversation.
func (s *Session) OpenConversation(ctx context.Context, counterpart models.User, jobID string) (*Conversation, error) {
	if err := conversation.Validate(s.user.ID, counterpart.ID); err != nil {
		return nil, err
	}
	key := conversation.DeriveKey(s.user.ID, counterpart.ID, jobID)

	s.mu.Lock()
	if c, ok := s.convs[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	c := &Conversation{
		s:           s,
		key:         key,
		counterpart: counterpart,
		jobID:       jobID,
		log:         reconcile.NewLog(key, s.opts.DedupWindow),
		updates:     make(chan struct{}, 1),
	}
	s.convs[key] = c
	s.mu.Unlock()

	offs := []func(){
		s.ch.On(models.EventNewMessage, c.onMessage),
		s.ch.On(models.EventUserTyping, c.onTyping),
		s.ch.On(models.EventMessageRead, c.onRead),
		s.ch.Poll("messages:"+key, config.FeedMessages, c.Refresh),
	}
	c.mu.Lock()
	c.offs = offs
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		slog.WarnContext(ctx, "initial history load failed", "conversation_key", key, "error", err)
	}
	return c, nil
}

func (c *Conversation) Key() string              { return c.key }
func (c *Conversation) Counterpart() models.User { return c.counterpart }

// Updates receives a signal whenever the log or presence changed.
func (c *Conversation) Updates() <-chan struct{} { return c.updates }

func (c *Conversation) changed() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Messages returns the reconciled log in merge order.
func (c *Conversation) Messages() []models.Message { return c.log.All() }

// View renders the log with day separators relative to the session clock.
func (c *Conversation) View(limit int) []reconcile.Entry {
	return c.log.View(reconcile.ViewOptions{
		Now:      c.s.opts.Clock.Now(),
		Location: c.s.opts.Location,
		Limit:    limit,
	})
}

// Unread counts messages from the counterpart not yet marked read.
func (c *Conversation) Unread() int { return c.log.UnreadFrom(c.counterpart.ID) }

func (c *Conversation) CounterpartTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpartTyping
}

// Refresh pulls messages newer than the log's cursor. The cursor is moved
// back by the dedup window so late writes are not missed; the overlap is
// absorbed by Merge.
func (c *Conversation) Refresh(ctx context.Context) error {
	var since time.Time
	if latest := c.log.Latest(); !latest.IsZero() {
		since = latest.Add(-c.s.opts.DedupWindow)
	}
	msgs, err := c.s.api.ListMessages(ctx, c.key, since)
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", c.key, err)
	}
	changed := c.log.MergeAll(msgs)

	if !c.s.ch.Connected() {
		if typing, err := c.s.api.IsTyping(ctx, c.key, c.counterpart.ID); err == nil {
			c.mu.Lock()
			if c.counterpartTyping != typing {
				c.counterpartTyping = typing
				changed = true
			}
			c.mu.Unlock()
		}
	}
	if changed {
		c.changed()
	}
	return nil
}

func (c *Conversation) onMessage(env models.Envelope) {
	var m models.Message
	if err := env.Decode(&m); err != nil {
		slog.Warn("bad message event", "error", err)
		return
	}
	if m.ConversationKey != c.key {
		return
	}
	if c.log.Merge(m).Changed() {
		if m.SenderID == c.counterpart.ID {
			c.mu.Lock()
			c.counterpartTyping = false
			c.mu.Unlock()
		}
		c.changed()
	}
}

func (c *Conversation) onTyping(env models.Envelope) {
	var p models.UserTypingPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.ConversationKey != c.key || p.UserID != c.counterpart.ID {
		return
	}
	c.mu.Lock()
	c.counterpartTyping = p.Typing
	c.mu.Unlock()
	c.changed()
}

// onRead applies the counterpart's receipt to our own messages.
func (c *Conversation) onRead(env models.Envelope) {
	var p models.ReadPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.ConversationKey != c.key || p.ReaderID != c.counterpart.ID {
		return
	}
	if c.log.MarkReadFrom(c.s.user.ID) > 0 {
		c.changed()
	}
}

// Send appends an optimistic record and dispatches it over push when
// connected, else over the pull write path. The optimistic record stays
// visible when dispatch fails; it is not retried.
func (c *Conversation) Send(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyDraft
	}

	draft := c.log.AppendOptimistic(models.Message{
		SenderID:      c.s.user.ID,
		RecipientID:   c.counterpart.ID,
		Text:          text,
		JobID:         c.jobID,
		CreatedAt:     c.s.opts.Clock.Now().UTC(),
		SenderName:    c.s.user.Name,
		RecipientName: c.counterpart.Name,
	})
	c.changed()

	payload := models.SendMessagePayload{
		TempID:      draft.ID,
		RecipientID: c.counterpart.ID,
		JobID:       c.jobID,
		Text:        text,
	}
	err := c.s.ch.Send(models.EventMessageSend, payload)
	if err == nil {
		return draft, nil
	}
	if !errors.Is(err, channel.ErrNotConnected) {
		slog.WarnContext(ctx, "push send failed, using write path", "error", err)
	}

	confirmed, err := c.s.api.SendMessage(ctx, c.key, payload)
	if err != nil {
		return draft, fmt.Errorf("sending message: %w", err)
	}
	if !c.isClosed() && c.log.Merge(confirmed).Changed() {
		c.changed()
	}
	return confirmed, nil
}

// SetTyping emits typing:start or typing:stop. Repeating the last state is
// suppressed. Typing only travels over push; while disconnected it is
// dropped.
func (c *Conversation) SetTyping(typing bool) {
	c.mu.Lock()
	if c.lastTyping != nil && *c.lastTyping == typing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	event := models.EventTypingStop
	if typing {
		event = models.EventTypingStart
	}
	if err := c.s.ch.Send(event, models.TypingPayload{ConversationKey: c.key, RecipientID: c.counterpart.ID, JobID: c.jobID}); err != nil {
		return
	}
	c.mu.Lock()
	c.lastTyping = &typing
	c.mu.Unlock()
}

// MarkRead marks the counterpart's messages read locally, lowers the
// session's unread counters and sends the receipt without waiting for it.
// It returns how many messages changed.
func (c *Conversation) MarkRead() int {
	n := c.log.MarkReadFrom(c.counterpart.ID)
	if n == 0 {
		return 0
	}
	c.s.decrementUnread(c.counterpart.ID, n)
	c.changed()

	err := c.s.ch.Send(models.EventMessageRead, models.ReadPayload{
		ConversationKey: c.key,
		ReaderID:        c.s.user.ID,
		CounterpartID:   c.counterpart.ID,
	})
	if err != nil {
		c.s.detached("read receipt", func(ctx context.Context) error {
			return c.s.api.MarkRead(ctx, c.key, c.counterpart.ID)
		})
	}
	return n
}

// Close deregisters the conversation's handlers and cancels its poller.
// In-flight sends complete but their results are no longer merged.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	offs := c.offs
	c.offs = nil
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.s.forget(c.key)
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
