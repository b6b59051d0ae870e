package chat_test

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/chat"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/conversation"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/presence"
	"github.com/karthikraju391/hirechat/store"
)

type delivery struct {
	userID string
	env    models.Envelope
}

type fakeBus struct {
	mu  sync.Mutex
	out []delivery
}

func (b *fakeBus) PublishEvent(_ context.Context, userID string, env models.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, delivery{userID: userID, env: env})
	return nil
}

func (b *fakeBus) to(userID, event string) []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var envs []models.Envelope
	for _, d := range b.out {
		if d.userID == userID && d.env.Event == event {
			envs = append(envs, d.env)
		}
	}
	return envs
}

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		mem     *store.Memory
		bus     *fakeBus
		tracker *presence.Memory
		svc     *chat.Service

		ann = models.User{ID: "ann", Name: "Ann"}
		bo  = models.User{ID: "bo", Name: "Bo"}
		key = conversation.DeriveKey("ann", "bo", "")
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		mem.PutUser(ann)
		mem.PutUser(bo)
		bus = &fakeBus{}
		clk := clock.Fake(time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))
		tracker = presence.NewMemory(8*time.Second, clk)
		svc = chat.NewService(mem, bus, notify.NewService(mem, bus, clk), tracker, chat.Options{Clock: clk, MaxTextLen: 20})
	})

	Describe("Send", func() {
		It("stores the message and echoes it to both rooms with the temp id", func() {
			msg, err := svc.Send(ctx, ann, chat.SendInput{RecipientID: bo.ID, Text: "  hello  ", TempID: "temp-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Text).To(Equal("hello"))
			Expect(msg.ConversationKey).To(Equal(key))
			Expect(msg.RecipientName).To(Equal("Bo"))

			for _, uid := range []string{ann.ID, bo.ID} {
				envs := bus.to(uid, models.EventNewMessage)
				Expect(envs).To(HaveLen(1))
				var echoed models.Message
				Expect(envs[0].Decode(&echoed)).To(Succeed())
				Expect(echoed.TempID).To(Equal("temp-1"))
			}
			Expect(bus.to(bo.ID, models.EventNewNotification)).To(HaveLen(1))
			Expect(bus.to(ann.ID, models.EventNewNotification)).To(BeEmpty())
		})

		It("clears the sender's typing flag", func() {
			Expect(svc.Typing(ctx, ann, key, bo.ID, "", true)).To(Succeed())
			_, err := svc.Send(ctx, ann, chat.SendInput{RecipientID: bo.ID, Text: "done"})
			Expect(err).NotTo(HaveOccurred())
			typing, err := svc.IsTyping(ctx, key, ann.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(typing).To(BeFalse())
		})

		DescribeTable("rejects bad input before storing",
			func(sender models.User, in chat.SendInput, want error) {
				_, err := svc.Send(ctx, sender, in)
				Expect(err).To(MatchError(want))
				Expect(mem.ListUserMessages(ctx, sender.ID)).To(BeEmpty())
			},
			Entry("blank text", ann, chat.SendInput{RecipientID: "bo", Text: "   "}, chat.ErrEmptyMessage),
			Entry("too long", ann, chat.SendInput{RecipientID: "bo", Text: strings.Repeat("x", 21)}, chat.ErrMessageTooBig),
			Entry("to self", ann, chat.SendInput{RecipientID: "ann", Text: "me"}, apperr.ErrValidation),
			Entry("unknown recipient", ann, chat.SendInput{RecipientID: "zed", Text: "hi"}, apperr.ErrNotFound),
			Entry("suspended sender", models.User{ID: "ann", Suspended: true}, chat.SendInput{RecipientID: "bo", Text: "hi"}, apperr.ErrSuspended),
		)
	})

	It("posts system messages without notifying", func() {
		msg, err := svc.PostSystem(ctx, ann, bo, "job-7", "Application accepted")
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.System).To(BeTrue())
		Expect(msg.ConversationKey).To(Equal(conversation.DeriveKey("ann", "bo", "job-7")))
		Expect(bus.to(bo.ID, models.EventNewMessage)).To(HaveLen(1))
		Expect(bus.to(bo.ID, models.EventNewNotification)).To(BeEmpty())
	})

	Describe("History", func() {
		It("serves participants and refuses outsiders", func() {
			_, err := svc.Send(ctx, ann, chat.SendInput{RecipientID: bo.ID, Text: "one"})
			Expect(err).NotTo(HaveOccurred())

			msgs, err := svc.History(ctx, bo, key, time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))

			_, err = svc.History(ctx, models.User{ID: "eve"}, key, time.Time{})
			Expect(err).To(MatchError(chat.ErrNotMember))
		})
	})

	Describe("MarkRead", func() {
		It("sends one receipt and is idempotent", func() {
			_, err := svc.Send(ctx, ann, chat.SendInput{RecipientID: bo.ID, Text: "one"})
			Expect(err).NotTo(HaveOccurred())

			n, err := svc.MarkRead(ctx, bo, key, ann.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			n, err = svc.MarkRead(ctx, bo, key, ann.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(0))

			receipts := bus.to(ann.ID, models.EventMessageRead)
			Expect(receipts).To(HaveLen(1))
			var p models.ReadPayload
			Expect(receipts[0].Decode(&p)).To(Succeed())
			Expect(p.ReaderID).To(Equal(bo.ID))
		})

		It("requires a counterpart", func() {
			_, err := svc.MarkRead(ctx, bo, key, "")
			Expect(err).To(MatchError(apperr.ErrValidation))
		})
	})

	It("relays typing to the recipient only", func() {
		Expect(svc.Typing(ctx, ann, key, bo.ID, "", true)).To(Succeed())
		relayed := bus.to(bo.ID, models.EventUserTyping)
		Expect(relayed).To(HaveLen(1))
		var p models.UserTypingPayload
		Expect(relayed[0].Decode(&p)).To(Succeed())
		Expect(p).To(Equal(models.UserTypingPayload{ConversationKey: key, UserID: ann.ID, Typing: true}))
		Expect(bus.to(ann.ID, models.EventUserTyping)).To(BeEmpty())
	})

	DescribeTable("refuses typing for a conversation the typist is not part of",
		func(key, recipientID, jobID string) {
			err := svc.Typing(ctx, ann, key, recipientID, jobID, true)
			Expect(err).To(MatchError(apperr.ErrValidation))
			Expect(bus.to(recipientID, models.EventUserTyping)).To(BeEmpty())
			typing, err := tracker.IsTyping(ctx, key, ann.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(typing).To(BeFalse())
		},
		Entry("someone else's thread", conversation.DeriveKey("bo", "cy", ""), "bo", ""),
		Entry("key for a different recipient", conversation.DeriveKey("ann", "cy", ""), "bo", ""),
		Entry("job key without the job", conversation.DeriveKey("ann", "bo", "job-1"), "bo", ""),
	)

	It("relays typing in a job-scoped thread", func() {
		jobKey := conversation.DeriveKey("ann", "bo", "job-1")
		Expect(svc.Typing(ctx, ann, jobKey, bo.ID, "job-1", true)).To(Succeed())
		Expect(bus.to(bo.ID, models.EventUserTyping)).To(HaveLen(1))
	})
})
