package negotiation_test

import (
	"context"
	"sync"

	"github.com/karthikraju391/hirechat/models"
)

type published struct {
	userID string
	env    models.Envelope
}

type mockBus struct {
	mu        sync.Mutex
	events    []published
	publishFn func(ctx context.Context, userID string, env models.Envelope) error
}

func (m *mockBus) PublishEvent(ctx context.Context, userID string, env models.Envelope) error {
	m.mu.Lock()
	m.events = append(m.events, published{userID: userID, env: env})
	m.mu.Unlock()
	if m.publishFn != nil {
		return m.publishFn(ctx, userID, env)
	}
	return nil
}

func (m *mockBus) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.env.Event == event {
			n++
		}
	}
	return n
}

type systemPost struct {
	from, to models.User
	jobID    string
	text     string
}

type mockPoster struct {
	posts []systemPost
}

func (m *mockPoster) PostSystem(_ context.Context, from, to models.User, jobID, text string) (models.Message, error) {
	m.posts = append(m.posts, systemPost{from: from, to: to, jobID: jobID, text: text})
	return models.Message{ID: "sys", System: true, Text: text}, nil
}
