package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks client-assigned ids that have not been confirmed by the server.
const TempIDPrefix = "temp-"

// Message represents a chat message
type Message struct {
	ID              string    `json:"id"`               // Server UUID, or temp-<uuid> while optimistic
	ConversationKey string    `json:"conversationKey"`  // Derived conversation key
	SenderID        string    `json:"senderId"`         // ID of the user sending the message
	RecipientID     string    `json:"recipientId"`      // ID of the counterpart
	Text            string    `json:"text"`             // Message content
	JobID           string    `json:"jobId,omitempty"`  // Set for job-scoped conversations
	CreatedAt       time.Time `json:"createdAt"`        // Timestamp of message creation
	Read            bool      `json:"read"`             // Recipient has seen it
	System          bool      `json:"system,omitempty"` // Negotiation announcement
	SenderName      string    `json:"senderName"`       // Display name of the sender
	RecipientName   string    `json:"recipientName"`    // Display name of the recipient
	TempID          string    `json:"tempId,omitempty"` // Echo of the optimistic id, when known
}

// IsTemporary reports whether the message is an unconfirmed optimistic record.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// CounterpartOf returns the other participant from userID's point of view.
func (m Message) CounterpartOf(userID string) (id, name string) {
	if m.SenderID == userID {
		return m.RecipientID, m.RecipientName
	}
	return m.SenderID, m.SenderName
}
