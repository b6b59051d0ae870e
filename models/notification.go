package models

import "time"

// Notification is a per-recipient record produced by fan-out.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	JobID     string    `json:"jobId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the identity record supplied by the auth collaborator.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Suspended bool   `json:"suspended"`
}

// Job is a read-only projection of the job record, for display.
type Job struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	ClientID string  `json:"clientId"`
	Budget   float64 `json:"budget"`
	Currency string  `json:"currency"`
	Location string  `json:"location,omitempty"`
}
