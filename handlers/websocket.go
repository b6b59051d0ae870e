package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/chat"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/models"
)

type Client struct {
	Conn     *websocket.Conn
	User     models.User
	srv      *Server
	Outbox   chan models.Envelope // Events from the user's room and error replies
	DoneChan chan struct{}        // Closed when the reader exits
}

func NewClient(conn *websocket.Conn, srv *Server, user models.User) *Client {
	return &Client{
		Conn:     conn,
		User:     user,
		srv:      srv,
		Outbox:   make(chan models.Envelope, 256),
		DoneChan: make(chan struct{}),
	}
}

// enqueue hands env to the writer without blocking a gone client forever.
func (c *Client) enqueue(env models.Envelope) {
	select {
	case c.Outbox <- env:
	case <-time.After(time.Second):
		slog.Warn("outbox full, dropping event", "user_id", c.User.ID, "event", env.Event)
	case <-c.DoneChan:
	}
}

// HandleRead reads client events and dispatches them until the socket closes.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		slog.DebugContext(ctx, "reader closed")
		close(c.DoneChan) // Signal writer to stop
	}()
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.srv.socket.PongWait))
	})

	for {
		var env models.Envelope
		if err := c.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket read error", "error", err)
			} else {
				slog.DebugContext(ctx, "websocket closed", "error", err)
			}
			return
		}

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.srv.Dispatch(dctx, c.User, env)
		cancel()
		if err != nil {
			slog.DebugContext(ctx, "event rejected", "event", env.Event, "error", err)
			c.enqueue(errorEnvelope(err))
		}
	}
}

// HandleWrite drains the outbox to the socket and keeps the connection alive.
func (c *Client) HandleWrite(ctx context.Context) {
	ticker := time.NewTicker(c.srv.socket.PingPeriod)
	defer func() {
		ticker.Stop()
		slog.DebugContext(ctx, "writer closed")
	}()

	for {
		select {
		case env := <-c.Outbox:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.srv.socket.WriteWait))
			if err := c.Conn.WriteJSON(env); err != nil {
				slog.WarnContext(ctx, "websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.srv.socket.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.WarnContext(ctx, "websocket ping error", "error", err)
				return
			}

		case <-c.DoneChan:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.srv.socket.WriteWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// HandleWebSocket manages one push connection. The first frame must be
// join_user; the socket then joins that user's room and relays its events.
func (s *Server) HandleWebSocket(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(s.socket.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.socket.PongWait))

	user, err := s.join(conn)
	if err != nil {
		slog.Warn("websocket join rejected", "error", err)
		_ = conn.WriteJSON(errorEnvelope(err))
		return
	}

	client := NewClient(conn, s, user)
	ctx, cancel := context.WithCancel(logger.WithLogFields(context.Background(), logger.LogFields{
		Component: "hirechat.ws",
		UserID:    user.ID,
	}))
	defer cancel()

	sub, err := s.bus.SubscribeUser(ctx, user.ID, func(env models.Envelope) {
		// runs on the bus delivery goroutine
		client.enqueue(env)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to join user room", "error", err)
		_ = conn.WriteJSON(errorEnvelope(fmt.Errorf("%w: %v", apperr.ErrTransport, err)))
		return
	}
	defer sub.Stop()

	slog.InfoContext(ctx, "client joined")
	go client.HandleWrite(ctx)
	client.HandleRead(ctx)
	slog.InfoContext(ctx, "client left")
}

func (s *Server) join(conn *websocket.Conn) (models.User, error) {
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return models.User{}, fmt.Errorf("%w: reading join frame: %v", apperr.ErrTransport, err)
	}
	if env.Event != models.EventJoinUser {
		return models.User{}, fmt.Errorf("%w: first event must be %s", apperr.ErrValidation, models.EventJoinUser)
	}
	var p models.JoinUserPayload
	if err := env.Decode(&p); err != nil || p.UserID == "" {
		return models.User{}, fmt.Errorf("%w: join_user needs a user id", apperr.ErrValidation)
	}
	claimed, _ := conn.Locals(localClaim).(string)
	if claimed == "" {
		return models.User{}, fmt.Errorf("%w: missing %s header", apperr.ErrForbidden, models.UserHeader)
	}
	if claimed != p.UserID {
		return models.User{}, fmt.Errorf("%w: cannot join another user's room", apperr.ErrForbidden)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := s.dir.GetUser(ctx, p.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.User{}, fmt.Errorf("%w: unknown user %s", apperr.ErrForbidden, p.UserID)
	}
	return user, err
}

// Dispatch applies one client event on behalf of user.
func (s *Server) Dispatch(ctx context.Context, user models.User, env models.Envelope) error {
	switch env.Event {
	case models.EventMessageSend:
		var p models.SendMessagePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := s.chat.Send(ctx, user, chat.SendInput{
			RecipientID: p.RecipientID,
			JobID:       p.JobID,
			Text:        p.Text,
			TempID:      p.TempID,
		})
		return err

	case models.EventTypingStart, models.EventTypingStop:
		var p models.TypingPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return s.chat.Typing(ctx, user, p.ConversationKey, p.RecipientID, p.JobID, env.Event == models.EventTypingStart)

	case models.EventMessageRead:
		var p models.ReadPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		_, err := s.chat.MarkRead(ctx, user, p.ConversationKey, p.CounterpartID)
		return err

	case models.EventJoinUser:
		return nil
	}
	return fmt.Errorf("%w: unknown event %q", apperr.ErrValidation, env.Event)
}

func decode(env models.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	return nil
}
