package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/chat"
	"github.com/karthikraju391/hirechat/conversation"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
)

// requireUser resolves the caller from the identity header. Suspension is
// not checked here; the services refuse suspended actors on writes.
func (s *Server) requireUser(c *fiber.Ctx) error {
	id := c.Get(models.UserHeader)
	if id == "" {
		return writeError(c, fmt.Errorf("%w: missing %s header", apperr.ErrForbidden, models.UserHeader))
	}
	user, err := s.dir.GetUser(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = fmt.Errorf("%w: unknown user %s", apperr.ErrForbidden, id)
		}
		return writeError(c, err)
	}
	c.Locals(localUser, user)
	c.SetUserContext(logger.WithLogFields(c.UserContext(), logger.LogFields{UserID: user.ID}))
	return c.Next()
}

func currentUser(c *fiber.Ctx) models.User {
	u, _ := c.Locals(localUser).(models.User)
	return u
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", apperr.ErrValidation, err)
	}
	return nil
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return writeError(c, fmt.Errorf("%w: since must be RFC 3339", apperr.ErrValidation))
		}
		since = t
	}
	msgs, err := s.chat.History(c.UserContext(), currentUser(c), c.Params("key"), since)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(msgs)
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	user := currentUser(c)
	var in models.SendMessagePayload
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	if !conversation.Matches(c.Params("key"), user.ID, in.RecipientID, in.JobID) {
		return writeError(c, fmt.Errorf("%w: recipient and job do not match the conversation", apperr.ErrValidation))
	}
	msg, err := s.chat.Send(c.UserContext(), user, chat.SendInput{
		RecipientID: in.RecipientID,
		JobID:       in.JobID,
		Text:        in.Text,
		TempID:      in.TempID,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	var in models.ReadPayload
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	n, err := s.chat.MarkRead(c.UserContext(), currentUser(c), c.Params("key"), in.CounterpartID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (s *Server) typing(c *fiber.Ctx) error {
	key, userID := c.Params("key"), c.Query("user")
	if userID == "" {
		return writeError(c, fmt.Errorf("%w: user is required", apperr.ErrValidation))
	}
	typing, err := s.chat.IsTyping(c.UserContext(), key, userID)
	if err != nil {
		return writeError(c, fmt.Errorf("%w: %v", apperr.ErrTransport, err))
	}
	return c.JSON(models.UserTypingPayload{ConversationKey: key, UserID: userID, Typing: typing})
}

func (s *Server) listInbox(c *fiber.Ctx) error {
	rows, err := s.inbox.ListInbox(c.UserContext(), currentUser(c).ID)
	if err != nil {
		return writeError(c, err)
	}
	if rows == nil {
		rows = []inbox.Summary{}
	}
	return c.JSON(rows)
}

func (s *Server) apply(c *fiber.Ctx) error {
	var in negotiation.ApplyInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	rec, err := s.negotiation.Apply(c.UserContext(), currentUser(c), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (s *Server) getApplication(c *fiber.Ctx) error {
	rec, err := s.negotiation.Get(c.UserContext(), currentUser(c), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) decide(c *fiber.Ctx) error {
	var in models.DecisionRequest
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	rec, err := s.negotiation.DecideApplication(c.UserContext(), currentUser(c), c.Params("id"), in.Status)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) price(c *fiber.Ctx) error {
	var in models.PriceRequest
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	ctx, user, id := c.UserContext(), currentUser(c), c.Params("id")

	var (
		rec models.NegotiationRecord
		err error
	)
	switch c.Params("move") {
	case "propose":
		rec, err = s.negotiation.ProposePrice(ctx, user, id, in.Amount)
	case "counter":
		rec, err = s.negotiation.CounterPrice(ctx, user, id, in.Amount)
	case "accept":
		rec, err = s.negotiation.AcceptPrice(ctx, user, id, in.Amount)
	default:
		return fiber.ErrNotFound
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) sendOffer(c *fiber.Ctx) error {
	var in negotiation.OfferInput
	if err := parseBody(c, &in); err != nil {
		return writeError(c, err)
	}
	offer, err := s.negotiation.SendOffer(c.UserContext(), currentUser(c), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(offer)
}

func (s *Server) getOffer(c *fiber.Ctx) error {
	offer, err := s.negotiation.GetOffer(c.UserContext(), currentUser(c), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(offer)
}

func (s *Server) respondOffer(c *fiber.Ctx) error {
	ctx, user, id := c.UserContext(), currentUser(c), c.Params("id")
	switch c.Params("action") {
	case "accept":
		rec, err := s.negotiation.AcceptOffer(ctx, user, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(rec)
	case "reject":
		offer, err := s.negotiation.RejectOffer(ctx, user, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(offer)
	case "withdraw":
		offer, err := s.negotiation.WithdrawOffer(ctx, user, id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(offer)
	}
	return fiber.ErrNotFound
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	list, err := s.notify.List(c.UserContext(), currentUser(c).ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(list)
}

func (s *Server) markNotificationRead(c *fiber.Ctx) error {
	if err := s.notify.MarkRead(c.UserContext(), c.Params("id"), currentUser(c).ID); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteNotification(c *fiber.Ctx) error {
	if err := s.notify.Delete(c.UserContext(), c.Params("id"), currentUser(c).ID); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
