package negotiation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/nats_service"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/store"
	"github.com/karthikraju391/hirechat/telemetry"
)

// SystemPoster writes negotiation announcements into the job conversation.
type SystemPoster interface {
	PostSystem(ctx context.Context, from, to models.User, jobID, text string) (models.Message, error)
}

type Notifier interface {
	Notify(ctx context.Context, actorID, recipientID string, n notify.Notice) (*models.Notification, error)
}

// Store is the slice of persistence the negotiation layer needs.
type Store interface {
	store.Directory
	store.ApplicationStore
	store.OfferStore
}

const lockStripes = 64

// Service applies the transition functions to stored records and emits side
// effects (system message, notification, room events) only when a
// transition reports a real change.
//
// Reads and writes of one record are serialized by a striped mutex. That is
// enough for a single node; several nodes sharing Postgres would need row
// locks instead.
type Service struct {
	store    Store
	chat     SystemPoster
	notifier Notifier
	bus      nats_service.Publisher
	clock    clock.Clock
	locks    [lockStripes]sync.Mutex
}

func NewService(s Store, chat SystemPoster, n Notifier, bus nats_service.Publisher, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{store: s, chat: chat, notifier: n, bus: bus, clock: clk}
}

func (s *Service) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// ApplyInput is a worker's bid. ProposedPrice is optional.
type ApplyInput struct {
	JobID         string   `json:"jobId"`
	ProposalText  string   `json:"proposalText"`
	ProposedPrice *float64 `json:"proposedPrice,omitempty"`
	Currency      string   `json:"currency"`
}

// Apply creates a pending application for worker on a job. A worker applies
// at most once per job.
func (s *Service) Apply(ctx context.Context, worker models.User, in ApplyInput) (models.NegotiationRecord, error) {
	if worker.Suspended {
		return models.NegotiationRecord{}, apperr.ErrSuspended
	}
	if in.JobID == "" {
		return models.NegotiationRecord{}, fmt.Errorf("%w: job id is required", apperr.ErrValidation)
	}
	if in.ProposedPrice != nil {
		if err := ValidatePrice(*in.ProposedPrice); err != nil {
			return models.NegotiationRecord{}, err
		}
	}

	job, err := s.store.GetJob(ctx, in.JobID)
	if err != nil {
		return models.NegotiationRecord{}, fmt.Errorf("looking up job: %w", err)
	}
	if job.ClientID == worker.ID {
		return models.NegotiationRecord{}, fmt.Errorf("%w: cannot apply to your own job", apperr.ErrValidation)
	}

	defer s.lock("apply:" + job.ID + ":" + worker.ID)()

	if _, err := s.store.FindApplication(ctx, job.ID, worker.ID); err == nil {
		return models.NegotiationRecord{}, ErrAlreadyApplied
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.NegotiationRecord{}, fmt.Errorf("checking existing application: %w", err)
	}

	now := s.clock.Now().UTC()
	currency := in.Currency
	if currency == "" {
		currency = job.Currency
	}
	app := models.Application{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		WorkerID:     worker.ID,
		ClientID:     job.ClientID,
		Status:       models.ApplicationPending,
		ProposalText: in.ProposalText,
		Currency:     currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.ProposedPrice != nil {
		app.ProposedPrice = models.Price(*in.ProposedPrice)
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return models.NegotiationRecord{}, fmt.Errorf("creating application: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "hirechat.negotiation", UserID: worker.ID, ApplicationID: app.ID})
	slog.InfoContext(ctx, "application created", "job_id", job.ID)

	rec := models.ApplicationRecord(app)
	s.announce(ctx, worker, job.ClientID, job.ID, announcement{
		system: fmt.Sprintf("%s applied to %s", nameOf(worker), titleOf(job)),
		title:  "New application",
		body:   fmt.Sprintf("%s applied to %s", nameOf(worker), titleOf(job)),
	})
	s.publish(ctx, models.EventApplicationUpdated, rec, app.WorkerID, app.ClientID)
	return rec, nil
}

// Get returns the negotiation record behind an application. Applications
// produced by accepting an offer come back as offer_acceptance records.
func (s *Service) Get(ctx context.Context, viewer models.User, appID string) (models.NegotiationRecord, error) {
	app, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		return models.NegotiationRecord{}, fmt.Errorf("loading application: %w", err)
	}
	if viewer.ID != app.ClientID && viewer.ID != app.WorkerID {
		return models.NegotiationRecord{}, ErrNotParty
	}
	return s.record(ctx, app), nil
}

func (s *Service) record(ctx context.Context, app models.Application) models.NegotiationRecord {
	if app.OfferID == "" {
		return models.ApplicationRecord(app)
	}
	offer, err := s.store.GetOffer(ctx, app.OfferID)
	if err != nil {
		slog.WarnContext(ctx, "offer behind application missing", "offer_id", app.OfferID, "error", err)
		return models.ApplicationRecord(app)
	}
	return models.AcceptanceRecord(offer, app)
}

// DecideApplication accepts, rejects or reconsiders an application.
func (s *Service) DecideApplication(ctx context.Context, actor models.User, appID string, to models.ApplicationStatus) (models.NegotiationRecord, error) {
	return s.mutate(ctx, actor, appID, func(app *models.Application) (bool, error) {
		return Decide(app, actor.ID, to, s.clock.Now().UTC())
	}, func(app models.Application) announcement {
		switch to {
		case models.ApplicationAccepted:
			return announcement{system: "Application accepted", title: "Application accepted", body: "Your application was accepted"}
		case models.ApplicationRejected:
			return announcement{system: "Application declined", title: "Application declined", body: "Your application was declined"}
		default:
			return announcement{system: "Application reopened for consideration", title: "Application reconsidered", body: "Your application is being reconsidered"}
		}
	})
}

func (s *Service) ProposePrice(ctx context.Context, actor models.User, appID string, amount float64) (models.NegotiationRecord, error) {
	return s.mutate(ctx, actor, appID, func(app *models.Application) (bool, error) {
		return Propose(app, actor.ID, amount, s.clock.Now().UTC())
	}, func(app models.Application) announcement {
		p := formatPrice(amount, app.Currency)
		return announcement{system: "Proposed price: " + p, title: "New price proposal", body: nameOf(actor) + " proposed " + p}
	})
}

func (s *Service) CounterPrice(ctx context.Context, actor models.User, appID string, amount float64) (models.NegotiationRecord, error) {
	return s.mutate(ctx, actor, appID, func(app *models.Application) (bool, error) {
		return Counter(app, actor.ID, amount, s.clock.Now().UTC())
	}, func(app models.Application) announcement {
		p := formatPrice(amount, app.Currency)
		return announcement{system: "Counter offer: " + p, title: "Counter offer", body: nameOf(actor) + " countered with " + p}
	})
}

func (s *Service) AcceptPrice(ctx context.Context, actor models.User, appID string, amount float64) (models.NegotiationRecord, error) {
	return s.mutate(ctx, actor, appID, func(app *models.Application) (bool, error) {
		return AcceptPrice(app, actor.ID, amount, s.clock.Now().UTC())
	}, func(app models.Application) announcement {
		p := formatPrice(amount, app.Currency)
		return announcement{system: "Price agreed: " + p, title: "Price agreed", body: nameOf(actor) + " accepted " + p}
	})
}

// mutate loads an application, applies fn to a copy and, if fn reports a
// change, stores it and fans out. Unchanged records return as they are.
func (s *Service) mutate(
	ctx context.Context,
	actor models.User,
	appID string,
	fn func(*models.Application) (bool, error),
	describe func(models.Application) announcement,
) (models.NegotiationRecord, error) {
	if actor.Suspended {
		return models.NegotiationRecord{}, apperr.ErrSuspended
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "hirechat.negotiation", UserID: actor.ID, ApplicationID: appID})
	ctx, end := telemetry.StartSpan(ctx, "negotiation.mutate")
	defer end()

	defer s.lock("app:" + appID)()

	current, err := s.store.GetApplication(ctx, appID)
	if err != nil {
		return models.NegotiationRecord{}, fmt.Errorf("loading application: %w", err)
	}
	if actor.ID != current.ClientID && actor.ID != current.WorkerID {
		return models.NegotiationRecord{}, ErrNotParty
	}

	next := current.Clone()
	changed, err := fn(&next)
	if err != nil {
		return models.NegotiationRecord{}, err
	}
	if !changed {
		slog.DebugContext(ctx, "transition already applied")
		return s.record(ctx, current), nil
	}
	if err := s.store.UpdateApplication(ctx, next); err != nil {
		return models.NegotiationRecord{}, fmt.Errorf("updating application: %w", err)
	}
	slog.InfoContext(ctx, "application updated", "status", next.Status)

	s.announce(ctx, actor, counterpart(next.ClientID, next.WorkerID, actor.ID), next.JobID, describe(next))
	rec := s.record(ctx, next)
	s.publish(ctx, models.EventApplicationUpdated, rec, next.WorkerID, next.ClientID)
	return rec, nil
}

// OfferInput is a client's private offer to one worker.
type OfferInput struct {
	JobID     string    `json:"jobId"`
	WorkerID  string    `json:"workerId"`
	Budget    float64   `json:"budget"`
	Currency  string    `json:"currency"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SendOffer creates a pending offer. A client may have one active offer per
// job and worker.
func (s *Service) SendOffer(ctx context.Context, client models.User, in OfferInput) (models.JobOffer, error) {
	if client.Suspended {
		return models.JobOffer{}, apperr.ErrSuspended
	}
	now := s.clock.Now().UTC()
	offer := models.JobOffer{
		ID:             uuid.NewString(),
		JobID:          in.JobID,
		ClientID:       client.ID,
		TargetWorkerID: in.WorkerID,
		Status:         models.OfferPending,
		Budget:         in.Budget,
		Currency:       in.Currency,
		Message:        in.Message,
		ExpiresAt:      in.ExpiresAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := ValidateNewOffer(offer, now); err != nil {
		return models.JobOffer{}, err
	}

	job, err := s.store.GetJob(ctx, in.JobID)
	if err != nil {
		return models.JobOffer{}, fmt.Errorf("looking up job: %w", err)
	}
	if job.ClientID != client.ID {
		return models.JobOffer{}, ErrNotClient
	}
	if offer.Currency == "" {
		offer.Currency = job.Currency
	}
	if _, err := s.store.GetUser(ctx, in.WorkerID); err != nil {
		return models.JobOffer{}, fmt.Errorf("looking up worker: %w", err)
	}

	defer s.lock("offer:" + job.ID + ":" + in.WorkerID)()

	existing, err := s.store.ListOffers(ctx, job.ID, in.WorkerID)
	if err != nil {
		return models.JobOffer{}, fmt.Errorf("listing offers: %w", err)
	}
	for _, o := range existing {
		if o.ClientID == client.ID && o.Active(now) {
			return models.JobOffer{}, ErrActiveOffer
		}
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return models.JobOffer{}, fmt.Errorf("creating offer: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "hirechat.negotiation", UserID: client.ID, OfferID: offer.ID})
	slog.InfoContext(ctx, "offer sent", "job_id", job.ID, "worker_id", in.WorkerID)

	p := formatPrice(offer.Budget, offer.Currency)
	s.announce(ctx, client, offer.TargetWorkerID, job.ID, announcement{
		system: fmt.Sprintf("Private offer for %s: %s", titleOf(job), p),
		title:  "New job offer",
		body:   fmt.Sprintf("%s offered you %s for %s", nameOf(client), p, titleOf(job)),
	})
	s.publish(ctx, models.EventOfferUpdated, offer, offer.ClientID, offer.TargetWorkerID)
	return offer, nil
}

// GetOffer returns an offer to either of its parties.
func (s *Service) GetOffer(ctx context.Context, viewer models.User, offerID string) (models.JobOffer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.JobOffer{}, fmt.Errorf("loading offer: %w", err)
	}
	if viewer.ID != offer.ClientID && viewer.ID != offer.TargetWorkerID {
		return models.JobOffer{}, ErrNotParty
	}
	return offer, nil
}

func (s *Service) WithdrawOffer(ctx context.Context, client models.User, offerID string) (models.JobOffer, error) {
	offer, _, err := s.moveOffer(ctx, client, offerID, func(o *models.JobOffer, now time.Time) (bool, error) {
		return Withdraw(o, client.ID, now)
	}, announcement{system: "Offer withdrawn", title: "Offer withdrawn", body: nameOf(client) + " withdrew their offer"})
	return offer, err
}

func (s *Service) RejectOffer(ctx context.Context, worker models.User, offerID string) (models.JobOffer, error) {
	offer, _, err := s.moveOffer(ctx, worker, offerID, func(o *models.JobOffer, now time.Time) (bool, error) {
		return RespondOffer(o, worker.ID, models.OfferRejected, now)
	}, announcement{system: "Offer declined", title: "Offer declined", body: nameOf(worker) + " declined your offer"})
	return offer, err
}

// AcceptOffer accepts the offer and records an accepted application for the
// worker on the job, with no price settled yet. The result is an
// offer_acceptance record. Accepting again returns the same record.
func (s *Service) AcceptOffer(ctx context.Context, worker models.User, offerID string) (models.NegotiationRecord, error) {
	offer, changed, err := s.moveOffer(ctx, worker, offerID, func(o *models.JobOffer, now time.Time) (bool, error) {
		return RespondOffer(o, worker.ID, models.OfferAccepted, now)
	}, announcement{system: "Offer accepted", title: "Offer accepted", body: nameOf(worker) + " accepted your offer"})
	if err != nil {
		return models.NegotiationRecord{}, err
	}

	defer s.lock("apply:" + offer.JobID + ":" + worker.ID)()

	app, err := s.store.FindApplication(ctx, offer.JobID, worker.ID)
	switch {
	case err == nil:
		if !changed && app.OfferID == offer.ID {
			return models.AcceptanceRecord(offer, app), nil
		}
		app.Status = models.ApplicationAccepted
		app.OfferID = offer.ID
		if app.Currency == "" {
			app.Currency = offer.Currency
		}
		app.UpdatedAt = offer.UpdatedAt
		if err := s.store.UpdateApplication(ctx, app); err != nil {
			return models.NegotiationRecord{}, fmt.Errorf("updating application: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		now := s.clock.Now().UTC()
		app = models.Application{
			ID:           uuid.NewString(),
			JobID:        offer.JobID,
			WorkerID:     worker.ID,
			ClientID:     offer.ClientID,
			Status:       models.ApplicationAccepted,
			ProposalText: offer.Message,
			Currency:     offer.Currency,
			OfferID:      offer.ID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateApplication(ctx, app); err != nil {
			return models.NegotiationRecord{}, fmt.Errorf("creating application: %w", err)
		}
	default:
		return models.NegotiationRecord{}, fmt.Errorf("finding application: %w", err)
	}

	rec := models.AcceptanceRecord(offer, app)
	s.publish(ctx, models.EventApplicationUpdated, rec, app.WorkerID, app.ClientID)
	return rec, nil
}

func (s *Service) moveOffer(
	ctx context.Context,
	actor models.User,
	offerID string,
	fn func(*models.JobOffer, time.Time) (bool, error),
	ann announcement,
) (models.JobOffer, bool, error) {
	if actor.Suspended {
		return models.JobOffer{}, false, apperr.ErrSuspended
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "hirechat.negotiation", UserID: actor.ID, OfferID: offerID})
	ctx, end := telemetry.StartSpan(ctx, "negotiation.moveOffer")
	defer end()

	defer s.lock("offer:" + offerID)()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return models.JobOffer{}, false, fmt.Errorf("loading offer: %w", err)
	}
	if actor.ID != offer.ClientID && actor.ID != offer.TargetWorkerID {
		return models.JobOffer{}, false, ErrNotParty
	}

	changed, err := fn(&offer, s.clock.Now().UTC())
	if err != nil {
		return models.JobOffer{}, false, err
	}
	if !changed {
		return offer, false, nil
	}
	if err := s.store.UpdateOffer(ctx, offer); err != nil {
		return models.JobOffer{}, false, fmt.Errorf("updating offer: %w", err)
	}
	slog.InfoContext(ctx, "offer updated", "status", offer.Status)

	s.announce(ctx, actor, counterpart(offer.ClientID, offer.TargetWorkerID, actor.ID), offer.JobID, ann)
	s.publish(ctx, models.EventOfferUpdated, offer, offer.ClientID, offer.TargetWorkerID)
	return offer, true, nil
}

type announcement struct {
	system string // posted into the job conversation
	title  string
	body   string
}

// announce posts the system message and notifies the counterpart. Both are
// best effort: the transition is already stored.
func (s *Service) announce(ctx context.Context, actor models.User, otherID, jobID string, a announcement) {
	other, err := s.store.GetUser(ctx, otherID)
	if err != nil {
		other = models.User{ID: otherID}
	}
	if s.chat != nil && a.system != "" {
		if _, err := s.chat.PostSystem(ctx, actor, other, jobID, a.system); err != nil {
			slog.WarnContext(ctx, "system message not posted", "error", err)
		}
	}
	if s.notifier != nil {
		if _, err := s.notifier.Notify(ctx, actor.ID, otherID, notify.Notice{Title: a.title, Message: a.body, JobID: jobID}); err != nil {
			slog.WarnContext(ctx, "notification not created", "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, event string, payload any, userIDs ...string) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode event", "event", event, "error", err)
		return
	}
	for _, uid := range userIDs {
		if err := s.bus.PublishEvent(ctx, uid, env); err != nil {
			slog.WarnContext(ctx, "event push failed, relying on poll", "event", event, "to", uid, "error", err)
		}
	}
}

func counterpart(a, b, actorID string) string {
	if actorID == a {
		return b
	}
	return a
}

func nameOf(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return "Someone"
}

func titleOf(j models.Job) string {
	if j.Title != "" {
		return j.Title
	}
	return "your job"
}

func formatPrice(amount float64, currency string) string {
	p := strconv.FormatFloat(amount, 'f', -1, 64)
	if currency == "" {
		return p
	}
	return p + " " + currency
}
