// Package restclient is the pull and write path of a client session. It
// talks to the hirechat REST API with fiber's HTTP agent.
package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
)

type Client struct {
	baseURL string
	userID  string
	timeout time.Duration
}

func New(baseURL, userID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), userID: userID, timeout: timeout}
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) do(ctx context.Context, a *fiber.Agent, body, out any) error {
	a.Set(models.UserHeader, c.userID)
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		fiber.ReleaseAgent(a)
		return fmt.Errorf("%w: %v", apperr.ErrTransport, context.DeadlineExceeded)
	}
	a.Timeout(timeout)
	if body != nil {
		a.JSON(body)
	}

	code, resp, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", apperr.ErrTransport, errors.Join(errs...))
	}
	if code >= http.StatusBadRequest {
		var p models.ErrorPayload
		if err := json.Unmarshal(resp, &p); err != nil || p.Code == "" {
			return fmt.Errorf("%w: unexpected status %d", apperr.ErrTransport, code)
		}
		return fmt.Errorf("%w: %s", apperr.FromCode(p.Code), p.Error)
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", apperr.ErrTransport, err)
	}
	return nil
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/api/" + strings.Join(escaped, "/")
}

// ListMessages fetches messages of key created after since.
func (c *Client) ListMessages(ctx context.Context, key string, since time.Time) ([]models.Message, error) {
	a := fiber.Get(c.url("conversations", key, "messages"))
	if !since.IsZero() {
		a.QueryString("since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	}
	var out []models.Message
	if err := c.do(ctx, a, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, key string, in models.SendMessagePayload) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, fiber.Post(c.url("conversations", key, "messages")), in, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, key, counterpartID string) error {
	return c.do(ctx, fiber.Post(c.url("conversations", key, "read")), models.ReadPayload{
		ConversationKey: key,
		CounterpartID:   counterpartID,
	}, nil)
}

func (c *Client) IsTyping(ctx context.Context, key, userID string) (bool, error) {
	a := fiber.Get(c.url("conversations", key, "typing"))
	a.QueryString("user=" + url.QueryEscape(userID))
	var out models.UserTypingPayload
	if err := c.do(ctx, a, nil, &out); err != nil {
		return false, err
	}
	return out.Typing, nil
}

func (c *Client) ListInbox(ctx context.Context) ([]inbox.Summary, error) {
	var out []inbox.Summary
	if err := c.do(ctx, fiber.Get(c.url("inbox")), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, in negotiation.ApplyInput) (models.NegotiationRecord, error) {
	var out models.NegotiationRecord
	err := c.do(ctx, fiber.Post(c.url("applications")), in, &out)
	return out, err
}

func (c *Client) GetApplication(ctx context.Context, id string) (models.NegotiationRecord, error) {
	var out models.NegotiationRecord
	err := c.do(ctx, fiber.Get(c.url("applications", id)), nil, &out)
	return out, err
}

func (c *Client) DecideApplication(ctx context.Context, id string, status models.ApplicationStatus) (models.NegotiationRecord, error) {
	var out models.NegotiationRecord
	err := c.do(ctx, fiber.Post(c.url("applications", id, "decision")), models.DecisionRequest{Status: status}, &out)
	return out, err
}

func (c *Client) ProposePrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return c.price(ctx, id, "propose", amount)
}

func (c *Client) CounterPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return c.price(ctx, id, "counter", amount)
}

func (c *Client) AcceptPrice(ctx context.Context, id string, amount float64) (models.NegotiationRecord, error) {
	return c.price(ctx, id, "accept", amount)
}

func (c *Client) price(ctx context.Context, id, move string, amount float64) (models.NegotiationRecord, error) {
	var out models.NegotiationRecord
	err := c.do(ctx, fiber.Post(c.url("applications", id, "price", move)), models.PriceRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) SendOffer(ctx context.Context, in negotiation.OfferInput) (models.JobOffer, error) {
	var out models.JobOffer
	err := c.do(ctx, fiber.Post(c.url("offers")), in, &out)
	return out, err
}

func (c *Client) GetOffer(ctx context.Context, id string) (models.JobOffer, error) {
	var out models.JobOffer
	err := c.do(ctx, fiber.Get(c.url("offers", id)), nil, &out)
	return out, err
}

func (c *Client) AcceptOffer(ctx context.Context, id string) (models.NegotiationRecord, error) {
	var out models.NegotiationRecord
	err := c.do(ctx, fiber.Post(c.url("offers", id, "accept")), nil, &out)
	return out, err
}

func (c *Client) RejectOffer(ctx context.Context, id string) (models.JobOffer, error) {
	var out models.JobOffer
	err := c.do(ctx, fiber.Post(c.url("offers", id, "reject")), nil, &out)
	return out, err
}

func (c *Client) WithdrawOffer(ctx context.Context, id string) (models.JobOffer, error) {
	var out models.JobOffer
	err := c.do(ctx, fiber.Post(c.url("offers", id, "withdraw")), nil, &out)
	return out, err
}

func (c *Client) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var out []models.Notification
	if err := c.do(ctx, fiber.Get(c.url("notifications")), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, fiber.Post(c.url("notifications", id, "read")), nil, nil)
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, fiber.Delete(c.url("notifications", id)), nil, nil)
}
