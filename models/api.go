package models

// Request bodies of the pull/write API. Message sends reuse
// SendMessagePayload, read receipts reuse ReadPayload and typing state is
// answered with UserTypingPayload. Failures are answered with ErrorPayload.

// UserHeader carries the caller's identity on the pull/write API and the
// websocket upgrade. Authentication happens in front of hirechat.
const UserHeader = "X-User-ID"

type DecisionRequest struct {
	Status ApplicationStatus `json:"status"`
}

type PriceRequest struct {
	Amount float64 `json:"amount"`
}
