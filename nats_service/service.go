package nats_service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/models"
)

// Publisher delivers an envelope to a user's room. Services depend on this
// rather than on NatsService so they can be tested without a server.
type Publisher interface {
	PublishEvent(ctx context.Context, userID string, env models.Envelope) error
}

// Subscription is stopped when the owning socket goes away.
type Subscription interface {
	Stop()
}

type NatsService struct {
	js  jetstream.JetStream
	nc  *nats.Conn
	cfg config.NatsConfig
}

var _ Publisher = (*NatsService)(nil)

// NewNatsService connects to NATS and makes sure the per-user event stream exists.
func NewNatsService(ctx context.Context, cfg config.NatsConfig) (*NatsService, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("hirechat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		slog.InfoContext(ctx, "stream not found, creating", "stream", cfg.StreamName)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Per-user chat and negotiation events",
			Subjects:    []string{cfg.SubjectPrefix + ".*"},
			MaxAge:      cfg.MaxAge,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		slog.InfoContext(ctx, "stream created", "stream", cfg.StreamName)
	} else {
		slog.InfoContext(ctx, "found existing stream", "stream", stream.CachedInfo().Config.Name)
	}

	return &NatsService{js: js, nc: nc, cfg: cfg}, nil
}

func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// PublishEvent sends env to the room of userID.
func (s *NatsService) PublishEvent(ctx context.Context, userID string, env models.Envelope) error {
	subject := s.subject(userID)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	slog.DebugContext(ctx, "published event", "subject", subject, "event", env.Event)
	return nil
}

func (s *NatsService) subject(userID string) string {
	return fmt.Sprintf("%s.%s", s.cfg.SubjectPrefix, userID)
}

// SubscribeUser joins the room of userID. Only events published after the
// call are delivered; history is served by the pull API.
func (s *NatsService) SubscribeUser(ctx context.Context, userID string, handler func(env models.Envelope)) (Subscription, error) {
	subject := s.subject(userID)
	cons, err := s.js.OrderedConsumer(ctx, s.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var env models.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			slog.Error("failed to unmarshal envelope", "subject", msg.Subject(), "error", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	slog.DebugContext(ctx, "subscribed", "subject", subject)
	return consumeCtx, nil
}
