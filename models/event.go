package models

import (
	"encoding/json"
	"fmt"
)

// Wire event names. These cross the transport and must stay stable.
const (
	EventJoinUser           = "join_user"
	EventMessageSend        = "message:send"
	EventNewMessage         = "new_message"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
	EventUserTyping         = "user_typing"
	EventMessageRead        = "message:read"
	EventNewNotification    = "new_notification"
	EventApplicationUpdated = "application:updated"
	EventOfferUpdated       = "offer:updated"
	EventError              = "error"
)

// Envelope is the frame exchanged over the push channel and the NATS bus.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload for %s", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinUserPayload struct {
	UserID string `json:"userId"`
}

// SendMessagePayload is what a client emits on message:send.
type SendMessagePayload struct {
	TempID      string `json:"tempId,omitempty"`
	RecipientID string `json:"recipientId"`
	JobID       string `json:"jobId,omitempty"`
	Text        string `json:"text"`
}

// TypingPayload is emitted by the typist on typing:start / typing:stop.
type TypingPayload struct {
	ConversationKey string `json:"conversationKey"`
	RecipientID     string `json:"recipientId"`
	JobID           string `json:"jobId,omitempty"`
}

// UserTypingPayload is relayed to the counterpart.
type UserTypingPayload struct {
	ConversationKey string `json:"conversationKey"`
	UserID          string `json:"userId"`
	Typing          bool   `json:"typing"`
}

// ReadPayload travels both ways on message:read: the reader emits it and the
// original sender receives it.
type ReadPayload struct {
	ConversationKey string `json:"conversationKey"`
	ReaderID        string `json:"readerId,omitempty"`
	CounterpartID   string `json:"counterpartId"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
