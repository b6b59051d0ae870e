package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/chat"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/nats_service"
	"github.com/karthikraju391/hirechat/negotiation"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/store"
)

// Subscriber joins a user's room on the event bus.
type Subscriber interface {
	SubscribeUser(ctx context.Context, userID string, handler func(env models.Envelope)) (nats_service.Subscription, error)
}

type Deps struct {
	Directory   store.Directory
	Chat        *chat.Service
	Negotiation *negotiation.Service
	Notify      *notify.Service
	Inbox       *inbox.Service
	Bus         Subscriber
	Socket      config.SocketConfig
}

// Server exposes the push socket and the pull/write API over one fiber app.
type Server struct {
	dir         store.Directory
	chat        *chat.Service
	negotiation *negotiation.Service
	notify      *notify.Service
	inbox       *inbox.Service
	bus         Subscriber
	socket      config.SocketConfig
}

func NewServer(d Deps) *Server {
	if d.Socket.PingPeriod <= 0 {
		d.Socket = config.DefaultSocket()
	}
	return &Server{
		dir:         d.Directory,
		chat:        d.Chat,
		negotiation: d.Negotiation,
		notify:      d.Notify,
		inbox:       d.Inbox,
		bus:         d.Bus,
		socket:      d.Socket,
	}
}

const (
	localUser  = "user"
	localClaim = "claimed_user_id"
)

// Register mounts /ws and /api on app.
func (s *Server) Register(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		// Check if the request is a WebSocket upgrade request
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			c.Locals(localClaim, c.Get(models.UserHeader))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.HandleWebSocket))

	api := app.Group("/api", s.requireUser)

	api.Get("/conversations/:key/messages", s.listMessages)
	api.Post("/conversations/:key/messages", s.sendMessage)
	api.Post("/conversations/:key/read", s.markRead)
	api.Get("/conversations/:key/typing", s.typing)

	api.Get("/inbox", s.listInbox)

	api.Post("/applications", s.apply)
	api.Get("/applications/:id", s.getApplication)
	api.Post("/applications/:id/decision", s.decide)
	api.Post("/applications/:id/price/:move", s.price)

	api.Post("/offers", s.sendOffer)
	api.Get("/offers/:id", s.getOffer)
	api.Post("/offers/:id/:action", s.respondOffer)

	api.Get("/notifications", s.listNotifications)
	api.Post("/notifications/:id/read", s.markNotificationRead)
	api.Delete("/notifications/:id", s.deleteNotification)
}

// StatusFor maps an error code to the HTTP status the API answers with.
func StatusFor(code string) int {
	switch code {
	case "validation":
		return fiber.StatusBadRequest
	case "conflict":
		return fiber.StatusConflict
	case "not_found":
		return fiber.StatusNotFound
	case "forbidden":
		return fiber.StatusForbidden
	case "transport":
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func codeForStatus(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return "not_found"
	case status == fiber.StatusConflict:
		return "conflict"
	case status == fiber.StatusUnauthorized || status == fiber.StatusForbidden:
		return "forbidden"
	case status >= 400 && status < 500:
		return "validation"
	}
	return "internal"
}

// ErrorHandler answers every failure with an ErrorPayload so clients can
// classify it.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorPayload{Code: codeForStatus(fe.Code), Error: fe.Message})
	}
	return writeError(c, err)
}

func writeError(c *fiber.Ctx, err error) error {
	code := apperr.Code(err)
	status := StatusFor(code)
	if status >= fiber.StatusInternalServerError {
		slog.ErrorContext(c.UserContext(), "request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(models.ErrorPayload{Code: code, Error: err.Error()})
}

func errorEnvelope(err error) models.Envelope {
	env, _ := models.NewEnvelope(models.EventError, models.ErrorPayload{Code: apperr.Code(err), Error: err.Error()})
	return env
}
