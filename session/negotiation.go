package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
)

// Application returns the locally known record for id.
func (s *Session) Application(id string) (models.NegotiationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Offer returns the locally known offer for id.
func (s *Session) Offer(id string) (models.JobOffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	return o, ok
}

// LoadApplication fetches an application and starts tracking it. A record
// the server no longer has is dropped from the local view.
func (s *Session) LoadApplication(ctx context.Context, id string) (models.NegotiationRecord, error) {
	rec, err := s.api.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.mu.Lock()
			delete(s.records, id)
			s.mu.Unlock()
		}
		return models.NegotiationRecord{}, err
	}
	s.storeRecord(rec)
	return rec, nil
}

func (s *Session) LoadOffer(ctx context.Context, id string) (models.JobOffer, error) {
	o, err := s.api.GetOffer(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			s.mu.Lock()
			delete(s.offers, id)
			s.mu.Unlock()
		}
		return models.JobOffer{}, err
	}
	s.storeOffer(o)
	return o, nil
}

func (s *Session) storeRecord(rec models.NegotiationRecord) {
	app := rec.Terms()
	if app == nil {
		return
	}
	s.mu.Lock()
	s.records[app.ID] = rec
	if rec.Kind == models.KindOfferAcceptance {
		s.offers[rec.Acceptance.Offer.ID] = rec.Acceptance.Offer
	}
	s.mu.Unlock()
	s.signal("negotiation")
}

func (s *Session) storeOffer(o models.JobOffer) {
	s.mu.Lock()
	s.offers[o.ID] = o
	s.mu.Unlock()
	s.signal("negotiation")
}

func (s *Session) onApplication(env models.Envelope) {
	var rec models.NegotiationRecord
	if err := env.Decode(&rec); err != nil {
		slog.Warn("bad application event", "error", err)
		return
	}
	s.storeRecord(rec)
}

func (s *Session) onOffer(env models.Envelope) {
	var o models.JobOffer
	if err := env.Decode(&o); err != nil {
		slog.Warn("bad offer event", "error", err)
		return
	}
	s.storeOffer(o)
}

// refreshNegotiations re-reads every tracked record while push is down.
func (s *Session) refreshNegotiations(ctx context.Context) error {
	s.mu.Lock()
	appIDs := make([]string, 0, len(s.records))
	for id := range s.records {
		appIDs = append(appIDs, id)
	}
	offerIDs := make([]string, 0, len(s.offers))
	for id := range s.offers {
		offerIDs = append(offerIDs, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range appIDs {
		if _, err := s.LoadApplication(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	for _, id := range offerIDs {
		if _, err := s.LoadOffer(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply submits an application for the signed-in worker.
func (s *Session) Apply(ctx context.Context, in negotiation.ApplyInput) (models.NegotiationRecord, error) {
	if in.ProposedPrice != nil {
		if err := negotiation.ValidatePrice(*in.ProposedPrice); err != nil {
			return models.NegotiationRecord{}, err
		}
	}
	rec, err := s.api.Apply(ctx, in)
	if err != nil {
		return models.NegotiationRecord{}, err
	}
	s.storeRecord(rec)
	return rec, nil
}

func (s *Session) DecideApplication(ctx context.Context, id string, to models.ApplicationStatus) (models.NegotiationRecord, error) {
	return s.transition(ctx, id, func(app *models.Application) (bool, error) {
		return negotiation.Decide(app, s.user.ID, to, s.opts.Clock.Now().UTC())
	}, func(ctx context.Context) (models.NegotiationRecord, error) {
		return s.api.DecideApplication(ctx, id, to)
	})
}

func (s *Session) ProposePrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return s.transition(ctx, id, func(app *models.Application) (bool, error) {
		return negotiation.Propose(app, s.user.ID, amount, s.opts.Clock.Now().UTC())
	}, func(ctx context.Context) (models.NegotiationRecord, error) {
		return s.api.ProposePrice(ctx, id, amount)
	})
}

func (s *Session) CounterPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return s.transition(ctx, id, func(app *models.Application) (bool, error) {
		return negotiation.Counter(app, s.user.ID, amount, s.opts.Clock.Now().UTC())
	}, func(ctx context.Context) (models.NegotiationRecord, error) {
		return s.api.CounterPrice(ctx, id, amount)
	})
}

func (s *Session) AcceptPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return s.transition(ctx, id, func(app *models.Application) (bool, error) {
		return negotiation.AcceptPrice(app, s.user.ID, amount, s.opts.Clock.Now().UTC())
	}, func(ctx context.Context) (models.NegotiationRecord, error) {
		return s.api.AcceptPrice(ctx, id, amount)
	})
}

// transition applies fn to the local record first. Validation and conflict
// errors stop there without dispatching; a transition that changes nothing
// is not dispatched either. Otherwise the optimistic record is shown until
// the server answers, and rolled back if it refuses.
func (s *Session) transition(
	ctx context.Context,
	id string,
	fn func(*models.Application) (bool, error),
	dispatch func(context.Context) (models.NegotiationRecord, error),
) (models.NegotiationRecord, error) {
	s.mu.Lock()
	prev, known := s.records[id]
	s.mu.Unlock()

	if known {
		next := cloneRecord(prev)
		changed, err := fn(next.Terms())
		if err != nil {
			return prev, err
		}
		if !changed {
			return prev, nil
		}
		s.storeRecord(next)
	}

	rec, err := dispatch(ctx)
	if err != nil {
		if known {
			s.rollback(ctx, id, prev, err)
		}
		return prev, err
	}
	s.storeRecord(rec)
	return rec, nil
}

// rollback restores the last authoritative record. On a conflict the
// server's current state is fetched instead, since ours is stale.
func (s *Session) rollback(ctx context.Context, id string, prev models.NegotiationRecord, cause error) {
	s.storeRecord(prev)
	switch {
	case errors.Is(cause, apperr.ErrConflict):
		if _, err := s.LoadApplication(ctx, id); err != nil {
			slog.WarnContext(ctx, "reload after conflict failed", "application_id", id, "error", err)
		}
	case errors.Is(cause, apperr.ErrNotFound):
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		s.signal("negotiation")
	}
}

func cloneRecord(r models.NegotiationRecord) models.NegotiationRecord {
	switch r.Kind {
	case models.KindApplication:
		a := r.Application.Clone()
		return models.ApplicationRecord(a)
	case models.KindOfferAcceptance:
		return models.AcceptanceRecord(r.Acceptance.Offer, r.Acceptance.Application.Clone())
	}
	return r
}

// SendOffer validates the offer locally before it is dispatched.
func (s *Session) SendOffer(ctx context.Context, in negotiation.OfferInput) (models.JobOffer, error) {
	draft := models.JobOffer{
		JobID:          in.JobID,
		ClientID:       s.user.ID,
		TargetWorkerID: in.WorkerID,
		Budget:         in.Budget,
		ExpiresAt:      in.ExpiresAt,
	}
	if err := negotiation.ValidateNewOffer(draft, s.opts.Clock.Now()); err != nil {
		return models.JobOffer{}, err
	}
	o, err := s.api.SendOffer(ctx, in)
	if err != nil {
		return models.JobOffer{}, err
	}
	s.storeOffer(o)
	return o, nil
}

func (s *Session) WithdrawOffer(ctx context.Context, id string) (models.JobOffer, error) {
	o, _, err := s.offerTransition(ctx, id, func(o *models.JobOffer) (bool, error) {
		return negotiation.Withdraw(o, s.user.ID, s.opts.Clock.Now())
	}, func(ctx context.Context) (models.JobOffer, *models.NegotiationRecord, error) {
		o, err := s.api.WithdrawOffer(ctx, id)
		return o, nil, err
	})
	return o, err
}

func (s *Session) RejectOffer(ctx context.Context, id string) (models.JobOffer, error) {
	o, _, err := s.offerTransition(ctx, id, func(o *models.JobOffer) (bool, error) {
		return negotiation.RespondOffer(o, s.user.ID, models.OfferRejected, s.opts.Clock.Now())
	}, func(ctx context.Context) (models.JobOffer, *models.NegotiationRecord, error) {
		o, err := s.api.RejectOffer(ctx, id)
		return o, nil, err
	})
	return o, err
}

// AcceptOffer accepts a private offer; the result pairs the offer with the
// application it produced.
func (s *Session) AcceptOffer(ctx context.Context, id string) (models.NegotiationRecord, error) {
	_, rec, err := s.offerTransition(ctx, id, func(o *models.JobOffer) (bool, error) {
		return negotiation.RespondOffer(o, s.user.ID, models.OfferAccepted, s.opts.Clock.Now())
	}, func(ctx context.Context) (models.JobOffer, *models.NegotiationRecord, error) {
		rec, err := s.api.AcceptOffer(ctx, id)
		if err != nil {
			return models.JobOffer{}, nil, err
		}
		if rec.Kind != models.KindOfferAcceptance || rec.Acceptance == nil {
			return models.JobOffer{}, nil, fmt.Errorf("%w: unexpected %q record for offer acceptance", apperr.ErrTransport, rec.Kind)
		}
		return rec.Acceptance.Offer, &rec, nil
	})
	if err != nil {
		return models.NegotiationRecord{}, err
	}
	if rec == nil {
		// already accepted locally; the record is whatever we hold
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, r := range s.records {
			if r.Kind == models.KindOfferAcceptance && r.Acceptance.Offer.ID == id {
				return r, nil
			}
		}
		return models.NegotiationRecord{}, fmt.Errorf("%w: acceptance for offer %s not loaded", apperr.ErrNotFound, id)
	}
	return *rec, nil
}

func (s *Session) offerTransition(
	ctx context.Context,
	id string,
	fn func(*models.JobOffer) (bool, error),
	dispatch func(context.Context) (models.JobOffer, *models.NegotiationRecord, error),
) (models.JobOffer, *models.NegotiationRecord, error) {
	s.mu.Lock()
	prev, known := s.offers[id]
	s.mu.Unlock()

	if known {
		next := prev
		changed, err := fn(&next)
		if err != nil {
			return prev, nil, err
		}
		if !changed {
			return prev, nil, nil
		}
		s.storeOffer(next)
	}

	o, rec, err := dispatch(ctx)
	if err != nil {
		if known {
			s.storeOffer(prev)
			if errors.Is(err, apperr.ErrConflict) {
				if _, lerr := s.LoadOffer(ctx, id); lerr != nil {
					slog.WarnContext(ctx, "reload after conflict failed", "offer_id", id, "error", lerr)
				}
			}
		}
		return prev, nil, err
	}
	if rec != nil {
		s.storeRecord(*rec)
	} else {
		s.storeOffer(o)
	}
	return o, rec, nil
}
