// Package store defines the persistence contracts the chat core consumes and
// ships two implementations: Memory for tests and single-node runs, and
// Postgres backed by pgx.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/models"
)

var ErrNotFound = fmt.Errorf("store: %w", apperr.ErrNotFound)

// Directory resolves identity and job records owned by other services.
type Directory interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg models.Message) error
	// ListMessages returns messages of a conversation created strictly after
	// since, oldest first. A zero since returns the whole history.
	ListMessages(ctx context.Context, key string, since time.Time) ([]models.Message, error)
	// ListUserMessages returns every message the user sent or received.
	ListUserMessages(ctx context.Context, userID string) ([]models.Message, error)
	// MarkRead flags unread messages from senderID to readerID in key as read
	// and returns how many changed.
	MarkRead(ctx context.Context, key, readerID, senderID string) (int, error)
}

type ApplicationStore interface {
	CreateApplication(ctx context.Context, app models.Application) error
	GetApplication(ctx context.Context, id string) (models.Application, error)
	UpdateApplication(ctx context.Context, app models.Application) error
	FindApplication(ctx context.Context, jobID, workerID string) (models.Application, error)
}

type OfferStore interface {
	CreateOffer(ctx context.Context, offer models.JobOffer) error
	GetOffer(ctx context.Context, id string) (models.JobOffer, error)
	UpdateOffer(ctx context.Context, offer models.JobOffer) error
	ListOffers(ctx context.Context, jobID, workerID string) ([]models.JobOffer, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	// MarkNotificationRead and DeleteNotification are scoped to the owner;
	// a mismatched userID yields ErrNotFound.
	MarkNotificationRead(ctx context.Context, id, userID string) error
	DeleteNotification(ctx context.Context, id, userID string) error
}

// Store bundles every contract; both implementations satisfy it.
type Store interface {
	Directory
	MessageStore
	ApplicationStore
	OfferStore
	NotificationStore
	Close()
}
