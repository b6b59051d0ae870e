// Package chat is the server side of the conversation core: it assigns
// authoritative ids, persists messages and fans them out to both rooms.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/conversation"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/nats_service"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/presence"
	"github.com/karthikraju391/hirechat/store"
	"github.com/karthikraju391/hirechat/telemetry"
)

var (
	ErrEmptyMessage  = fmt.Errorf("%w: message text is required", apperr.ErrValidation)
	ErrMessageTooBig = fmt.Errorf("%w: message text is too long", apperr.ErrValidation)
	ErrNotMember     = fmt.Errorf("%w: not a participant of this conversation", apperr.ErrForbidden)
)

type Service struct {
	store      store.Store
	bus        nats_service.Publisher
	notifier   *notify.Service
	presence   presence.Tracker
	clock      clock.Clock
	maxTextLen int
}

type Options struct {
	MaxTextLen int
	Clock      clock.Clock
}

func NewService(s store.Store, bus nats_service.Publisher, n *notify.Service, p presence.Tracker, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxTextLen <= 0 {
		opts.MaxTextLen = 4000
	}
	return &Service{store: s, bus: bus, notifier: n, presence: p, clock: opts.Clock, maxTextLen: opts.MaxTextLen}
}

// SendInput is one user message. TempID echoes the client's optimistic id.
type SendInput struct {
	RecipientID string
	JobID       string
	Text        string
	TempID      string
}

// Send persists a user message, echoes it to the sender's room for
// reconciliation, delivers it to the recipient and notifies them.
func (s *Service) Send(ctx context.Context, sender models.User, in SendInput) (models.Message, error) {
	ctx, end := telemetry.StartSpan(ctx, "chat.Send")
	defer end()

	if sender.Suspended {
		return models.Message{}, apperr.ErrSuspended
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if len(text) > s.maxTextLen {
		return models.Message{}, ErrMessageTooBig
	}
	if err := conversation.Validate(sender.ID, in.RecipientID); err != nil {
		return models.Message{}, err
	}

	recipient, err := s.store.GetUser(ctx, in.RecipientID)
	if err != nil {
		return models.Message{}, fmt.Errorf("looking up recipient: %w", err)
	}

	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationKey: conversation.DeriveKey(sender.ID, recipient.ID, in.JobID),
		SenderID:        sender.ID,
		RecipientID:     recipient.ID,
		Text:            text,
		JobID:           in.JobID,
		CreatedAt:       s.clock.Now().UTC(),
		SenderName:      sender.Name,
		RecipientName:   recipient.Name,
		TempID:          in.TempID,
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:       "hirechat.chat",
		UserID:          sender.ID,
		ConversationKey: msg.ConversationKey,
	})

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("saving message: %w", err)
	}
	slog.DebugContext(ctx, "message stored", "message_id", msg.ID, "text", logger.Truncate(text, 40))

	s.deliver(ctx, msg)

	if _, err := s.notifier.Notify(ctx, sender.ID, recipient.ID, notify.Notice{
		Title:   "New message from " + displayName(sender),
		Message: logger.Truncate(text, 120),
		JobID:   in.JobID,
	}); err != nil {
		slog.WarnContext(ctx, "message notification failed", "error", err)
	}

	if s.presence != nil {
		_ = s.presence.SetTyping(ctx, msg.ConversationKey, sender.ID, false)
	}
	return msg, nil
}

// PostSystem records a negotiation announcement in the job conversation
// between from and to. It does not create a notification; the negotiation
// layer notifies separately.
func (s *Service) PostSystem(ctx context.Context, from, to models.User, jobID, text string) (models.Message, error) {
	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationKey: conversation.DeriveKey(from.ID, to.ID, jobID),
		SenderID:        from.ID,
		RecipientID:     to.ID,
		Text:            text,
		JobID:           jobID,
		CreatedAt:       s.clock.Now().UTC(),
		System:          true,
		SenderName:      from.Name,
		RecipientName:   to.Name,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("saving system message: %w", err)
	}
	s.deliver(ctx, msg)
	return msg, nil
}

func (s *Service) deliver(ctx context.Context, msg models.Message) {
	env, err := models.NewEnvelope(models.EventNewMessage, msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode message", "error", err)
		return
	}
	for _, uid := range []string{msg.RecipientID, msg.SenderID} {
		if err := s.bus.PublishEvent(ctx, uid, env); err != nil {
			slog.WarnContext(ctx, "message push failed, relying on poll", "to", uid, "error", err)
		}
	}
}

// History returns the messages of key visible to viewer created after since.
func (s *Service) History(ctx context.Context, viewer models.User, key string, since time.Time) ([]models.Message, error) {
	msgs, err := s.store.ListMessages(ctx, key, since)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID == viewer.ID || m.RecipientID == viewer.ID {
			out = append(out, m)
		}
	}
	if len(out) != len(msgs) {
		return nil, ErrNotMember
	}
	return out, nil
}

// MarkRead marks messages from counterpartID to reader in key as read and
// sends the receipt to the counterpart. It returns the number of messages
// that changed; a receipt is only sent when something changed.
func (s *Service) MarkRead(ctx context.Context, reader models.User, key, counterpartID string) (int, error) {
	if counterpartID == "" || key == "" {
		return 0, fmt.Errorf("%w: conversation key and counterpart are required", apperr.ErrValidation)
	}
	n, err := s.store.MarkRead(ctx, key, reader.ID, counterpartID)
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	env, err := models.NewEnvelope(models.EventMessageRead, models.ReadPayload{
		ConversationKey: key,
		ReaderID:        reader.ID,
		CounterpartID:   counterpartID,
	})
	if err == nil {
		if err := s.bus.PublishEvent(ctx, counterpartID, env); err != nil {
			slog.WarnContext(ctx, "read receipt push failed", "error", err)
		}
	}
	return n, nil
}

// Typing records the typist's state and relays user_typing to the counterpart.
// key must be the conversation of typist and recipientID, scoped to jobID.
func (s *Service) Typing(ctx context.Context, typist models.User, key, recipientID, jobID string, typing bool) error {
	if key == "" || recipientID == "" {
		return fmt.Errorf("%w: conversation key and recipient are required", apperr.ErrValidation)
	}
	if !conversation.Matches(key, typist.ID, recipientID, jobID) {
		return fmt.Errorf("%w: %s is not a conversation between %s and %s", apperr.ErrValidation, key, typist.ID, recipientID)
	}
	if s.presence != nil {
		if err := s.presence.SetTyping(ctx, key, typist.ID, typing); err != nil {
			slog.WarnContext(ctx, "typing state not stored", "error", err)
		}
	}
	env, err := models.NewEnvelope(models.EventUserTyping, models.UserTypingPayload{
		ConversationKey: key,
		UserID:          typist.ID,
		Typing:          typing,
	})
	if err != nil {
		return err
	}
	return s.bus.PublishEvent(ctx, recipientID, env)
}

// IsTyping answers pull clients asking whether userID is typing in key.
func (s *Service) IsTyping(ctx context.Context, key, userID string) (bool, error) {
	if s.presence == nil {
		return false, nil
	}
	return s.presence.IsTyping(ctx, key, userID)
}

// UserMessages feeds read-side projections such as the inbox.
func (s *Service) UserMessages(ctx context.Context, userID string) ([]models.Message, error) {
	return s.store.ListUserMessages(ctx, userID)
}

func displayName(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "a user"
}
