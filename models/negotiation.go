package models

import "time"

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

func (s ApplicationStatus) Valid() bool {
	switch s {
	case ApplicationPending, ApplicationAccepted, ApplicationRejected:
		return true
	}
	return false
}

// Application is a worker's bid on a job. Once FinalPrice is set the other
// prices are history and are no longer mutated.
type Application struct {
	ID            string            `json:"id"`
	JobID         string            `json:"jobId"`
	WorkerID      string            `json:"workerId"`
	ClientID      string            `json:"clientId"`
	Status        ApplicationStatus `json:"status"`
	ProposalText  string            `json:"proposalText,omitempty"`
	ProposedPrice *float64          `json:"proposedPrice,omitempty"`
	CounterPrice  *float64          `json:"counterPrice,omitempty"`
	FinalPrice    *float64          `json:"finalPrice,omitempty"`
	Currency      string            `json:"currency"`
	OfferID       string            `json:"offerId,omitempty"` // Set when created by accepting a JobOffer
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// PriceSettled reports whether the price sub-flow has ended.
func (a Application) PriceSettled() bool {
	return a.FinalPrice != nil
}

// Clone returns a deep copy so price pointers are not shared.
func (a Application) Clone() Application {
	c := a
	c.ProposedPrice = clonePrice(a.ProposedPrice)
	c.CounterPrice = clonePrice(a.CounterPrice)
	c.FinalPrice = clonePrice(a.FinalPrice)
	return c
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// JobOffer is a private job posting sent by a client to one worker.
type JobOffer struct {
	ID             string      `json:"id"`
	JobID          string      `json:"jobId"`
	ClientID       string      `json:"clientId"`
	TargetWorkerID string      `json:"targetWorkerId"`
	Status         OfferStatus `json:"offerStatus"`
	Budget         float64     `json:"budget"`
	Currency       string      `json:"currency"`
	Message        string      `json:"message,omitempty"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Expired is computed at read time; the stored status is not consulted.
func (o JobOffer) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// Active reports whether the offer is pending and not yet expired.
func (o JobOffer) Active(now time.Time) bool {
	return o.Status == OfferPending && !o.Expired(now)
}

// EffectiveStatus folds expiry into the status shown to users.
func (o JobOffer) EffectiveStatus(now time.Time) string {
	if o.Status == OfferPending && o.Expired(now) {
		return "expired"
	}
	return string(o.Status)
}

type NegotiationKind string

const (
	KindApplication     NegotiationKind = "application"
	KindOfferAcceptance NegotiationKind = "offer_acceptance"
)

// OfferAcceptance pairs an accepted offer with the application it produced.
type OfferAcceptance struct {
	Offer       JobOffer    `json:"offer"`
	Application Application `json:"application"`
}

// NegotiationRecord is a tagged union; exactly one of Application or
// Acceptance is set, selected by Kind.
type NegotiationRecord struct {
	Kind        NegotiationKind  `json:"kind"`
	Application *Application     `json:"application,omitempty"`
	Acceptance  *OfferAcceptance `json:"acceptance,omitempty"`
}

func ApplicationRecord(a Application) NegotiationRecord {
	return NegotiationRecord{Kind: KindApplication, Application: &a}
}

func AcceptanceRecord(o JobOffer, a Application) NegotiationRecord {
	return NegotiationRecord{Kind: KindOfferAcceptance, Acceptance: &OfferAcceptance{Offer: o, Application: a}}
}

// Terms returns the application the price sub-flow runs on.
func (r NegotiationRecord) Terms() *Application {
	switch r.Kind {
	case KindApplication:
		return r.Application
	case KindOfferAcceptance:
		if r.Acceptance != nil {
			return &r.Acceptance.Application
		}
	}
	return nil
}

func clonePrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Price is a helper to build optional price fields inline.
func Price(v float64) *float64 {
	return &v
}
