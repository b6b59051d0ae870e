// Package inbox projects a user's messages into one row per counterpart.
// A client and a worker can share a general thread and several job threads;
// the inbox shows them as a single conversation.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/karthikraju391/hirechat/models"
)

// Summary is one inbox row.
type Summary struct {
	CounterpartID   string    `json:"counterpartId"`
	CounterpartName string    `json:"counterpartName"`
	ConversationKey string    `json:"conversationKey"` // most recently active thread
	JobID           string    `json:"jobId,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastActivity    time.Time `json:"lastActivity"`
	Unread          int       `json:"unread"`
	Keys            []string  `json:"keys"`
}

var placeholderNames = map[string]bool{
	"":             true,
	"user":         true,
	"unknown":      true,
	"unknown user": true,
}

func isPlaceholder(name string) bool {
	return placeholderNames[strings.ToLower(strings.TrimSpace(name))]
}

// Aggregate groups msgs by the counterpart of userID. Messages that do not
// involve userID are ignored. Rows are ordered by most recent activity.
func Aggregate(userID string, msgs []models.Message) []Summary {
	type group struct {
		summary Summary
		keys    map[string]bool
	}
	groups := make(map[string]*group)

	for _, m := range msgs {
		if m.SenderID != userID && m.RecipientID != userID {
			continue
		}
		otherID, otherName := m.CounterpartOf(userID)
		if otherID == "" || otherID == userID {
			continue
		}

		g, ok := groups[otherID]
		if !ok {
			g = &group{summary: Summary{CounterpartID: otherID}, keys: make(map[string]bool)}
			groups[otherID] = g
		}
		s := &g.summary

		if !g.keys[m.ConversationKey] {
			g.keys[m.ConversationKey] = true
			s.Keys = append(s.Keys, m.ConversationKey)
		}
		if m.RecipientID == userID && !m.Read {
			s.Unread++
		}
		if isPlaceholder(s.CounterpartName) && !isPlaceholder(otherName) {
			s.CounterpartName = otherName
		}
		if s.LastActivity.IsZero() || m.CreatedAt.After(s.LastActivity) {
			s.LastActivity = m.CreatedAt
			s.ConversationKey = m.ConversationKey
			s.JobID = m.JobID
			s.LastMessage = m.Text
		}
	}

	out := make([]Summary, 0, len(groups))
	for _, g := range groups {
		if g.summary.CounterpartName == "" {
			g.summary.CounterpartName = "Unknown User"
		}
		sort.Strings(g.summary.Keys)
		out = append(out, g.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// Source supplies every message a user sent or received.
type Source interface {
	UserMessages(ctx context.Context, userID string) ([]models.Message, error)
}

type Service struct {
	source Source
}

func NewService(src Source) *Service {
	return &Service{source: src}
}

func (s *Service) ListInbox(ctx context.Context, userID string) ([]Summary, error) {
	msgs, err := s.source.UserMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	return Aggregate(userID, msgs), nil
}
