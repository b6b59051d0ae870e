// Package negotiation governs application and private-offer lifecycles and
// the price sub-flow layered on them.
//
// The transition functions in this file are pure: they mutate the record
// they are given and report whether anything changed. A false result with a
// nil error is an idempotent re-application; callers must not emit side
// effects for it.
package negotiation

import (
	"fmt"
	"time"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/models"
)

var (
	ErrInvalidPrice      = fmt.Errorf("%w: price must be a positive number", apperr.ErrValidation)
	ErrInvalidStatus     = fmt.Errorf("%w: unknown application status", apperr.ErrValidation)
	ErrExpiryNotFuture   = fmt.Errorf("%w: offer expiry must be in the future", apperr.ErrValidation)
	ErrOfferExpired      = fmt.Errorf("%w: offer has expired", apperr.ErrValidation)
	ErrPriceMismatch     = fmt.Errorf("%w: amount does not match the price on the table", apperr.ErrValidation)
	ErrIllegalTransition = fmt.Errorf("%w: transition not allowed from current state", apperr.ErrConflict)
	ErrNothingToCounter  = fmt.Errorf("%w: no proposed price to counter", apperr.ErrConflict)
	ErrNoPriceOnTable    = fmt.Errorf("%w: no price to accept", apperr.ErrConflict)
	ErrPriceSettled      = fmt.Errorf("%w: price already settled at a different amount", apperr.ErrConflict)
	ErrActiveOffer       = fmt.Errorf("%w: an active offer already exists for this worker", apperr.ErrConflict)
	ErrAlreadyApplied    = fmt.Errorf("%w: worker already applied to this job", apperr.ErrConflict)
	ErrNotClient         = fmt.Errorf("%w: only the client may do this", apperr.ErrForbidden)
	ErrNotWorker         = fmt.Errorf("%w: only the worker may do this", apperr.ErrForbidden)
	ErrNotParty          = fmt.Errorf("%w: not a party to this negotiation", apperr.ErrForbidden)
)

// ValidatePrice rejects non-positive amounts.
func ValidatePrice(amount float64) error {
	if !(amount > 0) {
		return ErrInvalidPrice
	}
	return nil
}

// Decide moves an application between statuses. Only the client decides.
// pending -> accepted | rejected, rejected -> pending (reconsider). Every
// other move is a conflict; deciding the current status again is a no-op.
func Decide(app *models.Application, actorID string, to models.ApplicationStatus, now time.Time) (bool, error) {
	if !to.Valid() {
		return false, ErrInvalidStatus
	}
	if actorID != app.ClientID {
		return false, ErrNotClient
	}
	if app.Status == to {
		return false, nil
	}

	switch {
	case app.Status == models.ApplicationPending && (to == models.ApplicationAccepted || to == models.ApplicationRejected):
	case app.Status == models.ApplicationRejected && to == models.ApplicationPending:
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, app.Status, to)
	}

	app.Status = to
	app.UpdatedAt = now
	return true, nil
}

// priceOpen reports whether the price sub-flow accepts moves. A settled
// price yields (false, nil) so later moves become no-ops.
func priceOpen(app *models.Application) (bool, error) {
	if app.PriceSettled() {
		return false, nil
	}
	if app.Status == models.ApplicationRejected {
		return false, fmt.Errorf("%w: application is rejected", ErrIllegalTransition)
	}
	return true, nil
}

// Propose records the worker's asking price. A new proposal supersedes any
// standing counter.
func Propose(app *models.Application, actorID string, amount float64, now time.Time) (bool, error) {
	if err := ValidatePrice(amount); err != nil {
		return false, err
	}
	if actorID != app.WorkerID {
		return false, ErrNotWorker
	}
	if open, err := priceOpen(app); !open {
		return false, err
	}
	if samePrice(app.ProposedPrice, amount) && app.CounterPrice == nil {
		return false, nil
	}

	app.ProposedPrice = models.Price(amount)
	app.CounterPrice = nil
	app.UpdatedAt = now
	return true, nil
}

// Counter records the client's counter to a standing proposal.
func Counter(app *models.Application, actorID string, amount float64, now time.Time) (bool, error) {
	if err := ValidatePrice(amount); err != nil {
		return false, err
	}
	if actorID != app.ClientID {
		return false, ErrNotClient
	}
	if open, err := priceOpen(app); !open {
		return false, err
	}
	if app.ProposedPrice == nil {
		return false, ErrNothingToCounter
	}
	if samePrice(app.CounterPrice, amount) {
		return false, nil
	}

	app.CounterPrice = models.Price(amount)
	app.UpdatedAt = now
	return true, nil
}

// AcceptPrice settles the price. The client may accept the proposed or the
// countered amount; the worker may accept the client's counter. Settling is
// terminal for the price sub-flow.
func AcceptPrice(app *models.Application, actorID string, amount float64, now time.Time) (bool, error) {
	if err := ValidatePrice(amount); err != nil {
		return false, err
	}
	if actorID != app.ClientID && actorID != app.WorkerID {
		return false, ErrNotParty
	}
	if app.PriceSettled() {
		if samePrice(app.FinalPrice, amount) {
			return false, nil
		}
		return false, ErrPriceSettled
	}
	if app.Status == models.ApplicationRejected {
		return false, fmt.Errorf("%w: application is rejected", ErrIllegalTransition)
	}

	switch actorID {
	case app.ClientID:
		if app.ProposedPrice == nil && app.CounterPrice == nil {
			return false, ErrNoPriceOnTable
		}
		if !samePrice(app.ProposedPrice, amount) && !samePrice(app.CounterPrice, amount) {
			return false, ErrPriceMismatch
		}
	default:
		if app.CounterPrice == nil {
			return false, ErrNoPriceOnTable
		}
		if !samePrice(app.CounterPrice, amount) {
			return false, ErrPriceMismatch
		}
	}

	app.FinalPrice = models.Price(amount)
	app.UpdatedAt = now
	return true, nil
}

// ValidateNewOffer checks an offer before it is stored.
func ValidateNewOffer(o models.JobOffer, now time.Time) error {
	if o.JobID == "" || o.ClientID == "" || o.TargetWorkerID == "" {
		return fmt.Errorf("%w: job, client and worker are required", apperr.ErrValidation)
	}
	if o.ClientID == o.TargetWorkerID {
		return fmt.Errorf("%w: cannot send an offer to yourself", apperr.ErrValidation)
	}
	if err := ValidatePrice(o.Budget); err != nil {
		return err
	}
	if !o.ExpiresAt.After(now) {
		return ErrExpiryNotFuture
	}
	return nil
}

// RespondOffer applies the target worker's accept or reject.
func RespondOffer(o *models.JobOffer, actorID string, to models.OfferStatus, now time.Time) (bool, error) {
	if to != models.OfferAccepted && to != models.OfferRejected {
		return false, fmt.Errorf("%w: workers may only accept or reject", apperr.ErrValidation)
	}
	if actorID != o.TargetWorkerID {
		return false, ErrNotWorker
	}
	return moveOffer(o, to, now)
}

// Withdraw lets the owning client pull a pending offer. There is no way back
// from withdrawn.
func Withdraw(o *models.JobOffer, actorID string, now time.Time) (bool, error) {
	if actorID != o.ClientID {
		return false, ErrNotClient
	}
	return moveOffer(o, models.OfferWithdrawn, now)
}

func moveOffer(o *models.JobOffer, to models.OfferStatus, now time.Time) (bool, error) {
	if o.Expired(now) {
		return false, ErrOfferExpired
	}
	if o.Status == to {
		return false, nil
	}
	if o.Status != models.OfferPending {
		return false, fmt.Errorf("%w: offer is %s", ErrIllegalTransition, o.Status)
	}
	o.Status = to
	o.UpdatedAt = now
	return true, nil
}

func samePrice(p *float64, amount float64) bool {
	return p != nil && *p == amount
}
