// Package notify turns authoritative transitions and inbound messages into
// per-recipient notification records.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/nats_service"
	"github.com/karthikraju391/hirechat/store"
)

// Notice is the content of a notification before it is addressed.
type Notice struct {
	Title   string
	Message string
	JobID   string
}

type Service struct {
	store store.NotificationStore
	bus   nats_service.Publisher
	clock clock.Clock
}

func NewService(s store.NotificationStore, bus nats_service.Publisher, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: s, bus: bus, clock: clk}
}

// Notify records a notification for recipientID and pushes it to their room.
// actorID is the user whose action caused it; nothing is created when the
// actor is the recipient. Push failures are logged: an offline recipient
// picks the record up on the next poll.
func (s *Service) Notify(ctx context.Context, actorID, recipientID string, n Notice) (*models.Notification, error) {
	if recipientID == "" || recipientID == actorID {
		return nil, nil
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "hirechat.notify", UserID: recipientID})

	rec := models.Notification{
		ID:        uuid.NewString(),
		UserID:    recipientID,
		Title:     n.Title,
		Message:   n.Message,
		JobID:     n.JobID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}

	env, err := models.NewEnvelope(models.EventNewNotification, rec)
	if err != nil {
		return &rec, nil
	}
	if err := s.bus.PublishEvent(ctx, recipientID, env); err != nil {
		slog.WarnContext(ctx, "notification push failed, recipient will poll", "error", err)
	}
	return &rec, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]models.Notification, error) {
	out, err := s.store.ListNotifications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

// MarkRead issues the intent; ownership is enforced by the store.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	if id == "" {
		return fmt.Errorf("%w: notification id is required", apperr.ErrValidation)
	}
	return s.store.MarkNotificationRead(ctx, id, userID)
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	if id == "" {
		return fmt.Errorf("%w: notification id is required", apperr.ErrValidation)
	}
	return s.store.DeleteNotification(ctx, id, userID)
}
