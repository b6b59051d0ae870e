package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/hirechat/models"
)

// Memory is a mutex-guarded in-process Store.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]models.User
	jobs          map[string]models.Job
	messages      []models.Message
	applications  map[string]models.Application
	offers        map[string]models.JobOffer
	notifications map[string]models.Notification
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]models.User),
		jobs:          make(map[string]models.Job),
		applications:  make(map[string]models.Application),
		offers:        make(map[string]models.JobOffer),
		notifications: make(map[string]models.Notification),
	}
}

// PutUser seeds the directory.
func (m *Memory) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutJob seeds the job lookup.
func (m *Memory) PutJob(j models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *Memory) Close() {}

func (m *Memory) GetUser(_ context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) SaveMessage(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.ID == msg.ID {
			return nil
		}
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, key string, since time.Time) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.ConversationKey != key {
			continue
		}
		if !since.IsZero() && !msg.CreatedAt.After(since) {
			continue
		}
		out = append(out, msg)
	}
	sortMessages(out)
	return out, nil
}

func (m *Memory) ListUserMessages(_ context.Context, userID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.SenderID == userID || msg.RecipientID == userID {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, key, readerID, senderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, msg := range m.messages {
		if msg.ConversationKey == key && msg.RecipientID == readerID && msg.SenderID == senderID && !msg.Read {
			m.messages[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateApplication(_ context.Context, app models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applications[app.ID] = app.Clone()
	return nil
}

func (m *Memory) GetApplication(_ context.Context, id string) (models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.applications[id]
	if !ok {
		return models.Application{}, ErrNotFound
	}
	return app.Clone(), nil
}

func (m *Memory) UpdateApplication(_ context.Context, app models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applications[app.ID]; !ok {
		return ErrNotFound
	}
	m.applications[app.ID] = app.Clone()
	return nil
}

func (m *Memory) FindApplication(_ context.Context, jobID, workerID string) (models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, app := range m.applications {
		if app.JobID == jobID && app.WorkerID == workerID {
			return app.Clone(), nil
		}
	}
	return models.Application{}, ErrNotFound
}

func (m *Memory) CreateOffer(_ context.Context, offer models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[offer.ID] = offer
	return nil
}

func (m *Memory) GetOffer(_ context.Context, id string) (models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.JobOffer{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) UpdateOffer(_ context.Context, offer models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offer.ID]; !ok {
		return ErrNotFound
	}
	m.offers[offer.ID] = offer
	return nil
}

func (m *Memory) ListOffers(_ context.Context, jobID, workerID string) ([]models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.JobOffer
	for _, o := range m.offers {
		if o.JobID == jobID && o.TargetWorkerID == workerID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateNotification(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	// newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.Read = true
	m.notifications[id] = n
	return nil
}

func (m *Memory) DeleteNotification(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
