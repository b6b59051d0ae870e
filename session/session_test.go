package session_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/channel"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/conversation"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
	"github.com/karthikraju391/hirechat/session"
)

var _ = Describe("Session", func() {
	var (
		ctx     context.Context
		clk     *clock.FakeClock
		dialer  *mockDialer
		ch      *channel.Channel
		backend *mockBackend
		sess    *session.Session

		alice = models.User{ID: "alice", Name: "Alice"}
		bob   = models.User{ID: "bob", Name: "Bob"}
		key   = conversation.DeriveKey("alice", "bob", "")
	)

	push := func(event string, payload any) {
		env, err := models.NewEnvelope(event, payload)
		Expect(err).NotTo(HaveOccurred())
		dialer.last().in <- env
	}

	fromBob := func(id, text string, at time.Time) models.Message {
		return models.Message{
			ID:              id,
			ConversationKey: key,
			SenderID:        bob.ID,
			RecipientID:     alice.ID,
			Text:            text,
			CreatedAt:       at,
			SenderName:      bob.Name,
			RecipientName:   alice.Name,
		}
	}

	dropConnection := func() {
		dialer.setFail(true)
		_ = dialer.last().Close()
		Eventually(ch.Connected).Should(BeFalse())
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.Fake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		dialer = &mockDialer{}
		backend = &mockBackend{}
		ch = channel.New(channel.Options{
			URL:       "ws://hirechat.test/ws",
			UserID:    alice.ID,
			Dialer:    dialer,
			Clock:     clk,
			Reconnect: config.ReconnectConfig{MaxAttempts: 3, Delay: 2 * time.Second},
			Polling:   config.DefaultPolling(),
		})
		sess = session.New(alice, ch, backend, session.Options{Clock: clk, Location: time.UTC})
		Expect(sess.Start(ctx)).To(Succeed())
		Expect(ch.Connected()).To(BeTrue())
	})

	AfterEach(func() {
		sess.Close()
	})

	Describe("conversations", func() {
		var conv *session.Conversation

		BeforeEach(func() {
			var err error
			conv, err = sess.OpenConversation(ctx, bob, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.Key()).To(Equal(key))
		})

		It("returns the open conversation when opened again", func() {
			again, err := sess.OpenConversation(ctx, bob, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeIdenticalTo(conv))
		})

		It("refuses a conversation with yourself", func() {
			_, err := sess.OpenConversation(ctx, alice, "")
			Expect(err).To(MatchError(apperr.ErrValidation))
		})

		It("keeps one copy when push and pull deliver the same message 200ms apart", func() {
			at := clk.Now()
			push(models.EventNewMessage, fromBob("m1", "Hello", at))
			Eventually(conv.Messages).Should(HaveLen(1))

			backend.listMessagesFn = func(_ context.Context, _ string, _ time.Time) ([]models.Message, error) {
				return []models.Message{fromBob("m1-replica", "Hello", at.Add(200*time.Millisecond))}, nil
			}
			Expect(conv.Refresh(ctx)).To(Succeed())
			Expect(conv.Messages()).To(HaveLen(1))
			Expect(conv.Messages()[0].ID).To(Equal("m1"))
		})

		It("ignores messages of other conversations", func() {
			other := fromBob("m9", "elsewhere", clk.Now())
			other.ConversationKey = conversation.DeriveKey("alice", "bob", "job-1")
			push(models.EventNewMessage, other)
			Consistently(conv.Messages, 50*time.Millisecond).Should(BeEmpty())
		})

		It("replaces the optimistic record in place when the push echo arrives", func() {
			draft, err := conv.Send(ctx, "  hi there ")
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.IsTemporary()).To(BeTrue())
			Expect(conv.Messages()).To(HaveLen(1))

			sent := dialer.last().events(models.EventMessageSend)
			Expect(sent).To(HaveLen(1))
			var p models.SendMessagePayload
			Expect(sent[0].Decode(&p)).To(Succeed())
			Expect(p.TempID).To(Equal(draft.ID))
			Expect(p.Text).To(Equal("hi there"))

			push(models.EventNewMessage, models.Message{
				ID:              "srv-1",
				ConversationKey: key,
				SenderID:        alice.ID,
				RecipientID:     bob.ID,
				Text:            "hi there",
				CreatedAt:       clk.Now().Add(300 * time.Millisecond),
				TempID:          draft.ID,
			})
			Eventually(func() string { return conv.Messages()[0].ID }).Should(Equal("srv-1"))
			Expect(conv.Messages()).To(HaveLen(1))
		})

		It("rejects an empty draft before anything is shown", func() {
			_, err := conv.Send(ctx, "   ")
			Expect(err).To(MatchError(session.ErrEmptyDraft))
			Expect(conv.Messages()).To(BeEmpty())
		})

		It("uses the write path while disconnected", func() {
			dropConnection()
			backend.sendMessageFn = func(_ context.Context, k string, in models.SendMessagePayload) (models.Message, error) {
				Expect(k).To(Equal(key))
				return models.Message{
					ID: "srv-2", ConversationKey: k, SenderID: alice.ID, RecipientID: in.RecipientID,
					Text: in.Text, CreatedAt: clk.Now(), TempID: in.TempID,
				}, nil
			}

			msg, err := conv.Send(ctx, "offline hello")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.ID).To(Equal("srv-2"))
			Expect(conv.Messages()).To(HaveLen(1))
			Expect(conv.Messages()[0].ID).To(Equal("srv-2"))
		})

		It("keeps the optimistic record when the write path fails", func() {
			dropConnection()
			backend.sendMessageFn = func(context.Context, string, models.SendMessagePayload) (models.Message, error) {
				return models.Message{}, fmt.Errorf("%w: backend down", apperr.ErrTransport)
			}

			_, err := conv.Send(ctx, "lost?")
			Expect(err).To(MatchError(apperr.ErrTransport))
			Expect(conv.Messages()).To(HaveLen(1))
			Expect(conv.Messages()[0].IsTemporary()).To(BeTrue())
		})

		It("polls only while disconnected and shows no duplicates after reconnecting", func() {
			t0 := clk.Now()
			m1 := fromBob("m1", "first", t0)
			m2 := fromBob("m2", "second", t0.Add(time.Second))
			push(models.EventNewMessage, m1)
			Eventually(conv.Messages).Should(HaveLen(1))
			Expect(ch.Polling()).To(Equal(0))

			backend.listMessagesFn = func(_ context.Context, _ string, since time.Time) ([]models.Message, error) {
				Expect(since.Before(m1.CreatedAt)).To(BeTrue(), "cursor overlaps the last message")
				return []models.Message{m1, m2}, nil
			}
			dropConnection()
			Expect(ch.Polling()).To(BeNumerically(">", 0))

			before := backend.count("ListMessages")
			clk.Advance(3 * time.Second)
			Expect(backend.count("ListMessages")).To(Equal(before + 1))
			Expect(conv.Messages()).To(HaveLen(2))

			dialer.setFail(false)
			clk.Advance(time.Second)
			Expect(ch.Connected()).To(BeTrue())
			Expect(ch.Polling()).To(Equal(0))

			push(models.EventNewMessage, m2)
			Consistently(conv.Messages, 50*time.Millisecond).Should(HaveLen(2))

			polled := backend.count("ListMessages")
			clk.Advance(time.Minute)
			Expect(backend.count("ListMessages")).To(Equal(polled))
		})

		It("suppresses repeated typing states", func() {
			conv.SetTyping(true)
			conv.SetTyping(true)
			conv.SetTyping(false)
			conv.SetTyping(false)

			conn := dialer.last()
			Expect(conn.events(models.EventTypingStart)).To(HaveLen(1))
			Expect(conn.events(models.EventTypingStop)).To(HaveLen(1))
		})

		It("tracks the counterpart typing, latest state wins", func() {
			push(models.EventUserTyping, models.UserTypingPayload{ConversationKey: key, UserID: bob.ID, Typing: true})
			Eventually(conv.CounterpartTyping).Should(BeTrue())
			push(models.EventUserTyping, models.UserTypingPayload{ConversationKey: key, UserID: bob.ID, Typing: false})
			Eventually(conv.CounterpartTyping).Should(BeFalse())
		})

		It("marks the counterpart's messages read and lowers the inbox counter", func() {
			backend.listInboxFn = func(context.Context) ([]inbox.Summary, error) {
				return []inbox.Summary{{CounterpartID: bob.ID, ConversationKey: key, Unread: 2}}, nil
			}
			Expect(sess.RefreshInbox(ctx)).To(Succeed())

			push(models.EventNewMessage, fromBob("m1", "one", clk.Now()))
			push(models.EventNewMessage, fromBob("m2", "two", clk.Now().Add(10*time.Second)))
			Eventually(conv.Unread).Should(Equal(2))

			Expect(conv.MarkRead()).To(Equal(2))
			Expect(conv.MarkRead()).To(Equal(0))
			Expect(conv.Unread()).To(Equal(0))
			Expect(sess.Inbox()[0].Unread).To(Equal(0))

			receipts := dialer.last().events(models.EventMessageRead)
			Expect(receipts).To(HaveLen(1))
			var p models.ReadPayload
			Expect(receipts[0].Decode(&p)).To(Succeed())
			Expect(p.CounterpartID).To(Equal(bob.ID))
			Expect(p.ReaderID).To(Equal(alice.ID))
		})

		It("applies the counterpart's read receipt to our messages", func() {
			_, err := conv.Send(ctx, "did you see this")
			Expect(err).NotTo(HaveOccurred())
			push(models.EventMessageRead, models.ReadPayload{ConversationKey: key, ReaderID: bob.ID, CounterpartID: alice.ID})
			Eventually(func() bool { return conv.Messages()[0].Read }).Should(BeTrue())
		})

		It("stops listening and polling after Close", func() {
			conv.Close()
			push(models.EventNewMessage, fromBob("m1", "too late", clk.Now()))
			Consistently(conv.Messages, 50*time.Millisecond).Should(BeEmpty())

			dropConnection()
			before := backend.count("ListMessages")
			clk.Advance(3 * time.Second)
			Expect(backend.count("ListMessages")).To(Equal(before))

			reopened, err := sess.OpenConversation(ctx, bob, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(reopened).NotTo(BeIdenticalTo(conv))
		})

		It("renders day separators", func() {
			yesterday := clk.Now().Add(-24 * time.Hour)
			push(models.EventNewMessage, fromBob("m1", "old", yesterday))
			push(models.EventNewMessage, fromBob("m2", "new", clk.Now()))
			Eventually(conv.Messages).Should(HaveLen(2))

			view := conv.View(0)
			Expect(view).To(HaveLen(4))
			Expect(view[0].Label).To(Equal("Yesterday"))
			Expect(view[2].Label).To(Equal("Today"))
		})
	})

	Describe("inbox", func() {
		It("bumps unread for conversations that are not open", func() {
			push(models.EventNewMessage, fromBob("m1", "ping", clk.Now()))
			Eventually(sess.Inbox).Should(HaveLen(1))
			row := sess.Inbox()[0]
			Expect(row.CounterpartID).To(Equal(bob.ID))
			Expect(row.CounterpartName).To(Equal(bob.Name))
			Expect(row.Unread).To(Equal(1))
			Expect(row.LastMessage).To(Equal("ping"))
		})

		It("counts a re-delivered message once", func() {
			m1 := fromBob("m1", "ping", clk.Now())
			push(models.EventNewMessage, m1)
			push(models.EventNewMessage, m1)
			push(models.EventNewMessage, fromBob("m2", "pong", clk.Now().Add(time.Second)))

			lastMessage := func() string {
				rows := sess.Inbox()
				if len(rows) == 0 {
					return ""
				}
				return rows[0].LastMessage
			}
			Eventually(lastMessage).Should(Equal("pong"))
			Expect(sess.Inbox()).To(HaveLen(1))
			Expect(sess.Inbox()[0].Unread).To(Equal(2))
		})
	})

	Describe("notifications", func() {
		It("merges pushed notifications newest first", func() {
			push(models.EventNewNotification, models.Notification{ID: "n1", UserID: alice.ID, CreatedAt: clk.Now()})
			push(models.EventNewNotification, models.Notification{ID: "n2", UserID: alice.ID, CreatedAt: clk.Now().Add(time.Second)})
			push(models.EventNewNotification, models.Notification{ID: "n1", UserID: alice.ID, CreatedAt: clk.Now()})
			Eventually(sess.Notifications).Should(HaveLen(2))
			Expect(sess.Notifications()[0].ID).To(Equal("n2"))
			Expect(sess.UnreadNotifications()).To(Equal(2))
		})

		It("restores the read flag when the write fails", func() {
			push(models.EventNewNotification, models.Notification{ID: "n1", UserID: alice.ID, CreatedAt: clk.Now()})
			Eventually(sess.Notifications).Should(HaveLen(1))

			backend.markNotificationFn = func(context.Context, string) error {
				return fmt.Errorf("%w: offline", apperr.ErrTransport)
			}
			Expect(sess.MarkNotificationRead(ctx, "n1")).To(MatchError(apperr.ErrTransport))
			Expect(sess.UnreadNotifications()).To(Equal(1))

			backend.markNotificationFn = nil
			Expect(sess.MarkNotificationRead(ctx, "n1")).To(Succeed())
			Expect(sess.UnreadNotifications()).To(Equal(0))
		})

		It("is polled while disconnected", func() {
			backend.listNotificationsFn = func(context.Context) ([]models.Notification, error) {
				return []models.Notification{{ID: "n7", UserID: alice.ID}}, nil
			}
			dropConnection()
			clk.Advance(10 * time.Second)
			Expect(sess.Notifications()).To(HaveLen(1))
		})
	})

	Describe("negotiation", func() {
		var server models.Application

		BeforeEach(func() {
			server = models.Application{
				ID: "app-1", JobID: "job-1", ClientID: alice.ID, WorkerID: bob.ID,
				Status: models.ApplicationPending, ProposedPrice: models.Price(300),
			}
			backend.getApplicationFn = func(context.Context, string) (models.NegotiationRecord, error) {
				return models.ApplicationRecord(server.Clone()), nil
			}
			_, err := sess.LoadApplication(ctx, "app-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("dispatches an accept once even when asked twice", func() {
			backend.decideApplicationFn = func(_ context.Context, _ string, to models.ApplicationStatus) (models.NegotiationRecord, error) {
				server.Status = to
				return models.ApplicationRecord(server.Clone()), nil
			}

			for i := 0; i < 2; i++ {
				rec, err := sess.DecideApplication(ctx, "app-1", models.ApplicationAccepted)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Application.Status).To(Equal(models.ApplicationAccepted))
			}
			Expect(backend.count("DecideApplication")).To(Equal(1))
		})

		It("rejects invalid input locally without dispatching", func() {
			_, err := sess.ProposePrice(ctx, "app-1", -5)
			Expect(err).To(MatchError(negotiation.ErrInvalidPrice))

			// only the worker proposes
			_, err = sess.ProposePrice(ctx, "app-1", 250)
			Expect(err).To(MatchError(apperr.ErrForbidden))
			Expect(backend.count("ProposePrice")).To(Equal(0))
		})

		It("rolls back to the server's state on conflict", func() {
			backend.decideApplicationFn = func(context.Context, string, models.ApplicationStatus) (models.NegotiationRecord, error) {
				server.Status = models.ApplicationRejected
				return models.NegotiationRecord{}, fmt.Errorf("%w: application is rejected", apperr.ErrConflict)
			}

			_, err := sess.DecideApplication(ctx, "app-1", models.ApplicationAccepted)
			Expect(err).To(MatchError(apperr.ErrConflict))

			rec, ok := sess.Application("app-1")
			Expect(ok).To(BeTrue())
			Expect(rec.Application.Status).To(Equal(models.ApplicationRejected))
		})

		It("rolls back to the last known state on transport failure", func() {
			backend.decideApplicationFn = func(context.Context, string, models.ApplicationStatus) (models.NegotiationRecord, error) {
				return models.NegotiationRecord{}, fmt.Errorf("%w: timeout", apperr.ErrTransport)
			}

			_, err := sess.DecideApplication(ctx, "app-1", models.ApplicationAccepted)
			Expect(err).To(MatchError(apperr.ErrTransport))
			rec, _ := sess.Application("app-1")
			Expect(rec.Application.Status).To(Equal(models.ApplicationPending))
		})

		It("hides a record the server no longer has", func() {
			backend.getApplicationFn = func(context.Context, string) (models.NegotiationRecord, error) {
				return models.NegotiationRecord{}, fmt.Errorf("%w: gone", apperr.ErrNotFound)
			}
			_, err := sess.LoadApplication(ctx, "app-1")
			Expect(errors.Is(err, apperr.ErrNotFound)).To(BeTrue())
			_, ok := sess.Application("app-1")
			Expect(ok).To(BeFalse())
		})

		It("applies pushed application updates", func() {
			server.FinalPrice = models.Price(300)
			push(models.EventApplicationUpdated, models.ApplicationRecord(server.Clone()))
			Eventually(func() bool {
				rec, _ := sess.Application("app-1")
				return rec.Application.PriceSettled()
			}).Should(BeTrue())
		})
	})

	Describe("offers", func() {
		var offer models.JobOffer

		BeforeEach(func() {
			offer = models.JobOffer{
				ID: "offer-1", JobID: "job-2", ClientID: bob.ID, TargetWorkerID: alice.ID,
				Status: models.OfferPending, Budget: 5000, ExpiresAt: clk.Now().Add(7 * 24 * time.Hour),
			}
			backend.getOfferFn = func(context.Context, string) (models.JobOffer, error) { return offer, nil }
			_, err := sess.LoadOffer(ctx, "offer-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("stores the acceptance record returned by the server", func() {
			backend.acceptOfferFn = func(context.Context, string) (models.NegotiationRecord, error) {
				accepted := offer
				accepted.Status = models.OfferAccepted
				return models.AcceptanceRecord(accepted, models.Application{
					ID: "app-9", JobID: offer.JobID, ClientID: bob.ID, WorkerID: alice.ID,
					Status: models.ApplicationAccepted, OfferID: offer.ID,
				}), nil
			}

			rec, err := sess.AcceptOffer(ctx, "offer-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Kind).To(Equal(models.KindOfferAcceptance))
			Expect(rec.Terms().FinalPrice).To(BeNil())

			o, _ := sess.Offer("offer-1")
			Expect(o.Status).To(Equal(models.OfferAccepted))
			stored, ok := sess.Application("app-9")
			Expect(ok).To(BeTrue())
			Expect(stored.Kind).To(Equal(models.KindOfferAcceptance))

			again, err := sess.AcceptOffer(ctx, "offer-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Terms().ID).To(Equal("app-9"))
			Expect(backend.count("AcceptOffer")).To(Equal(1))
		})

		It("does not dispatch actions on an expired offer", func() {
			clk.Advance(8 * 24 * time.Hour)
			_, err := sess.AcceptOffer(ctx, "offer-1")
			Expect(err).To(MatchError(negotiation.ErrOfferExpired))
			Expect(backend.count("AcceptOffer")).To(Equal(0))
		})

		It("validates a new offer before sending it", func() {
			_, err := sess.SendOffer(ctx, negotiation.OfferInput{
				JobID: "job-3", WorkerID: bob.ID, Budget: 100, ExpiresAt: clk.Now().Add(-time.Minute),
			})
			Expect(err).To(MatchError(negotiation.ErrExpiryNotFuture))
			Expect(backend.count("SendOffer")).To(Equal(0))
		})
	})
})
