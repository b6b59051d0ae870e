// Package session is the client-side core for one signed-in user. It owns
// the push channel, per-conversation logs, notifications, the inbox and the
// local view of negotiations, and keeps them in step through push events
// and pull fallbacks.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/hirechat/channel"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
	"github.com/karthikraju391/hirechat/reconcile"
)

// Backend is the pull and write path. restclient.Client implements it.
type Backend interface {
	ListMessages(ctx context.Context, key string, since time.Time) ([]models.Message, error)
	SendMessage(ctx context.Context, key string, in models.SendMessagePayload) (models.Message, error)
	MarkRead(ctx context.Context, key, counterpartID string) error
	IsTyping(ctx context.Context, key, userID string) (bool, error)

	ListInbox(ctx context.Context) ([]inbox.Summary, error)

	Apply(ctx context.Context, in negotiation.ApplyInput) (models.NegotiationRecord, error)
	GetApplication(ctx context.Context, id string) (models.NegotiationRecord, error)
	DecideApplication(ctx context.Context, id string, status models.ApplicationStatus) (models.NegotiationRecord, error)
	ProposePrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error)
	CounterPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error)
	AcceptPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error)

	SendOffer(ctx context.Context, in negotiation.OfferInput) (models.JobOffer, error)
	GetOffer(ctx context.Context, id string) (models.JobOffer, error)
	AcceptOffer(ctx context.Context, id string) (models.NegotiationRecord, error)
	RejectOffer(ctx context.Context, id string) (models.JobOffer, error)
	WithdrawOffer(ctx context.Context, id string) (models.JobOffer, error)

	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

type Options struct {
	// DedupWindow is the reconciliation heuristic window; 5s when zero.
	DedupWindow time.Duration
	Clock       clock.Clock
	Location    *time.Location
	// WriteTimeout bounds fire-and-forget writes such as read receipts.
	WriteTimeout time.Duration
}

type Session struct {
	user models.User
	ch   *channel.Channel
	api  Backend
	opts Options

	mu            sync.Mutex
	convs         map[string]*Conversation
	notifications []models.Notification
	inbox         []inbox.Summary
	counted       map[string]struct{} // message ids already added to an unread count
	records       map[string]models.NegotiationRecord
	offers        map[string]models.JobOffer
	offs          []func()
	updates       chan string
}

func New(user models.User, ch *channel.Channel, api Backend, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = reconcile.DefaultWindow
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Session{
		user:    user,
		ch:      ch,
		api:     api,
		opts:    opts,
		convs:   make(map[string]*Conversation),
		counted: make(map[string]struct{}),
		records: make(map[string]models.NegotiationRecord),
		offers:  make(map[string]models.JobOffer),
		updates: make(chan string, 16),
	}
}

func (s *Session) User() models.User { return s.user }

// Updates signals which feed changed: "inbox", "notifications",
// "negotiation". Sends never block; a slow reader misses signals, not data.
func (s *Session) Updates() <-chan string { return s.updates }

func (s *Session) signal(feed string) {
	select {
	case s.updates <- feed:
	default:
	}
}

// Start subscribes to the session-wide feeds, loads them once and connects
// the push channel. A failed connect is not fatal: the feeds are polled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.offs = append(s.offs,
		s.ch.On(models.EventNewNotification, s.onNotification),
		s.ch.On(models.EventNewMessage, s.onInboxMessage),
		s.ch.On(models.EventApplicationUpdated, s.onApplication),
		s.ch.On(models.EventOfferUpdated, s.onOffer),
		s.ch.Poll("notifications", config.FeedNotifications, s.RefreshNotifications),
		s.ch.Poll("inbox", config.FeedInbox, s.RefreshInbox),
		s.ch.Poll("applications", config.FeedApplications, s.refreshNegotiations),
	)
	s.mu.Unlock()

	if err := s.RefreshNotifications(ctx); err != nil {
		slog.WarnContext(ctx, "initial notifications load failed", "error", err)
	}
	if err := s.RefreshInbox(ctx); err != nil {
		slog.WarnContext(ctx, "initial inbox load failed", "error", err)
	}
	if err := s.ch.Connect(ctx); err != nil {
		slog.WarnContext(ctx, "continuing on polling", "error", err)
	}
	return nil
}

// Close closes every open conversation, drops the session handlers and
// disconnects the channel.
func (s *Session) Close() {
	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, c := range convs {
		c.Close()
	}
	for _, off := range offs {
		off()
	}
	s.ch.Disconnect()
}

func (s *Session) onNotification(env models.Envelope) {
	var n models.Notification
	if err := env.Decode(&n); err != nil {
		slog.Warn("bad notification event", "error", err)
		return
	}
	s.mu.Lock()
	s.notifications = mergeNotifications(s.notifications, []models.Notification{n})
	s.mu.Unlock()
	s.signal("notifications")
}

// RefreshNotifications replaces the local list with the server's.
func (s *Session) RefreshNotifications(ctx context.Context) error {
	list, err := s.api.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("listing notifications: %w", err)
	}
	s.mu.Lock()
	s.notifications = mergeNotifications(nil, list)
	s.mu.Unlock()
	s.signal("notifications")
	return nil
}

func mergeNotifications(have, incoming []models.Notification) []models.Notification {
	byID := make(map[string]int, len(have))
	out := append([]models.Notification(nil), have...)
	for i, n := range out {
		byID[n.ID] = i
	}
	for _, n := range incoming {
		if i, ok := byID[n.ID]; ok {
			out[i] = n
			continue
		}
		byID[n.ID] = len(out)
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Session) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

// UnreadNotifications counts notifications not yet marked read.
func (s *Session) UnreadNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.notifications {
		if !x.Read {
			n++
		}
	}
	return n
}

// MarkNotificationRead flags the notification locally and issues the intent.
// The local flag is restored when the write fails.
func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	prev := append([]models.Notification(nil), s.notifications...)
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Read = true
		}
	}
	s.mu.Unlock()

	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		s.mu.Lock()
		s.notifications = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	prev := append([]models.Notification(nil), s.notifications...)
	kept := s.notifications[:0:0]
	for _, n := range s.notifications {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	s.notifications = kept
	s.mu.Unlock()

	if err := s.api.DeleteNotification(ctx, id); err != nil {
		s.mu.Lock()
		s.notifications = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

// RefreshInbox reloads the aggregated inbox.
func (s *Session) RefreshInbox(ctx context.Context) error {
	rows, err := s.api.ListInbox(ctx)
	if err != nil {
		return fmt.Errorf("listing inbox: %w", err)
	}
	s.mu.Lock()
	s.inbox = rows
	s.mu.Unlock()
	s.signal("inbox")
	return nil
}

// Inbox returns the cached inbox rows, most recent first.
func (s *Session) Inbox() []inbox.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inbox.Summary(nil), s.inbox...)
}

// onInboxMessage keeps the cached inbox current between polls.
func (s *Session) onInboxMessage(env models.Envelope) {
	var m models.Message
	if err := env.Decode(&m); err != nil {
		return
	}
	if m.SenderID != s.user.ID && m.RecipientID != s.user.ID {
		return
	}

	s.mu.Lock()
	_, open := s.convs[m.ConversationKey]
	otherID, otherName := m.CounterpartOf(s.user.ID)
	idx := -1
	for i, row := range s.inbox {
		if row.CounterpartID == otherID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.inbox = append(s.inbox, inbox.Summary{CounterpartID: otherID, CounterpartName: otherName})
		idx = len(s.inbox) - 1
	}
	row := &s.inbox[idx]
	if m.CreatedAt.After(row.LastActivity) {
		row.LastActivity = m.CreatedAt
		row.LastMessage = m.Text
		row.ConversationKey = m.ConversationKey
		row.JobID = m.JobID
	}
	if m.RecipientID == s.user.ID && !m.Read && !open && !m.IsTemporary() {
		if _, seen := s.counted[m.ID]; !seen {
			s.counted[m.ID] = struct{}{}
			row.Unread++
		}
	}
	sort.SliceStable(s.inbox, func(i, j int) bool { return s.inbox[i].LastActivity.After(s.inbox[j].LastActivity) })
	s.mu.Unlock()
	s.signal("inbox")
}

// decrementUnread lowers the cached unread count for a counterpart after a
// read receipt.
func (s *Session) decrementUnread(counterpartID string, n int) {
	s.mu.Lock()
	for i := range s.inbox {
		if s.inbox[i].CounterpartID == counterpartID {
			s.inbox[i].Unread -= n
			if s.inbox[i].Unread < 0 {
				s.inbox[i].Unread = 0
			}
		}
	}
	s.mu.Unlock()
	s.signal("inbox")
}

func (s *Session) forget(key string) {
	s.mu.Lock()
	delete(s.convs, key)
	s.mu.Unlock()
}

// detached runs a fire-and-forget write with its own timeout.
func (s *Session) detached(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn(what+" failed", "error", err)
		}
	}()
}
