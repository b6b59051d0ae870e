package negotiation_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/negotiation"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/store"
)

var _ = Describe("Service", func() {
	var (
		ctx    context.Context
		mem    *store.Memory
		bus    *mockBus
		poster *mockPoster
		clk    *clock.FakeClock
		svc    *negotiation.Service

		client = models.User{ID: "client", Name: "Carla"}
		worker = models.User{ID: "worker", Name: "Wes"}
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		mem.PutUser(client)
		mem.PutUser(worker)
		mem.PutUser(models.User{ID: "other", Name: "Olga"})
		mem.PutJob(models.Job{ID: "job-1", Title: "Fence repair", ClientID: client.ID, Budget: 4000, Currency: "USD"})

		bus = &mockBus{}
		poster = &mockPoster{}
		clk = clock.Fake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		notifier := notify.NewService(mem, bus, clk)
		svc = negotiation.NewService(mem, poster, notifier, bus, clk)
	})

	notificationsFor := func(userID string) []models.Notification {
		out, err := mem.ListNotifications(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	apply := func(price *float64) models.Application {
		rec, err := svc.Apply(ctx, worker, negotiation.ApplyInput{JobID: "job-1", ProposalText: "I can do it", ProposedPrice: price})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Kind).To(Equal(models.KindApplication))
		return *rec.Application
	}

	Describe("Apply", func() {
		It("creates a pending application and tells the client", func() {
			app := apply(models.Price(3500))

			Expect(app.Status).To(Equal(models.ApplicationPending))
			Expect(app.ClientID).To(Equal(client.ID))
			Expect(app.Currency).To(Equal("USD"))
			Expect(*app.ProposedPrice).To(Equal(3500.0))

			Expect(notificationsFor(client.ID)).To(HaveLen(1))
			Expect(notificationsFor(worker.ID)).To(BeEmpty())
			Expect(poster.posts).To(HaveLen(1))
			Expect(poster.posts[0].jobID).To(Equal("job-1"))
			Expect(bus.count(models.EventApplicationUpdated)).To(Equal(2))
		})

		It("refuses a second application to the same job", func() {
			apply(nil)
			_, err := svc.Apply(ctx, worker, negotiation.ApplyInput{JobID: "job-1"})
			Expect(err).To(MatchError(negotiation.ErrAlreadyApplied))
		})

		It("refuses the job owner and invalid prices", func() {
			_, err := svc.Apply(ctx, client, negotiation.ApplyInput{JobID: "job-1"})
			Expect(err).To(MatchError(apperr.ErrValidation))

			_, err = svc.Apply(ctx, worker, negotiation.ApplyInput{JobID: "job-1", ProposedPrice: models.Price(-1)})
			Expect(err).To(MatchError(negotiation.ErrInvalidPrice))
			Expect(notificationsFor(client.ID)).To(BeEmpty())
		})

		It("reports a missing job as not found", func() {
			_, err := svc.Apply(ctx, worker, negotiation.ApplyInput{JobID: "gone"})
			Expect(err).To(MatchError(apperr.ErrNotFound))
		})

		It("refuses suspended workers", func() {
			_, err := svc.Apply(ctx, models.User{ID: "worker", Suspended: true}, negotiation.ApplyInput{JobID: "job-1"})
			Expect(err).To(MatchError(apperr.ErrForbidden))
		})
	})

	Describe("DecideApplication", func() {
		It("produces exactly one notification when accepted twice", func() {
			app := apply(nil)
			before := len(notificationsFor(worker.ID))

			first, err := svc.DecideApplication(ctx, client, app.ID, models.ApplicationAccepted)
			Expect(err).NotTo(HaveOccurred())
			second, err := svc.DecideApplication(ctx, client, app.ID, models.ApplicationAccepted)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Application.Status).To(Equal(models.ApplicationAccepted))
			Expect(second.Application.Status).To(Equal(models.ApplicationAccepted))
			Expect(notificationsFor(worker.ID)).To(HaveLen(before + 1))
			Expect(poster.posts).To(HaveLen(2)) // apply + accept

			stored, err := mem.GetApplication(ctx, app.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(models.ApplicationAccepted))
		})

		It("lets the client reconsider a rejection", func() {
			app := apply(nil)
			_, err := svc.DecideApplication(ctx, client, app.ID, models.ApplicationRejected)
			Expect(err).NotTo(HaveOccurred())
			rec, err := svc.DecideApplication(ctx, client, app.ID, models.ApplicationPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Application.Status).To(Equal(models.ApplicationPending))
		})

		It("surfaces illegal moves as conflicts without side effects", func() {
			app := apply(nil)
			_, _ = svc.DecideApplication(ctx, client, app.ID, models.ApplicationAccepted)
			posts := len(poster.posts)

			_, err := svc.DecideApplication(ctx, client, app.ID, models.ApplicationRejected)
			Expect(err).To(MatchError(apperr.ErrConflict))
			Expect(poster.posts).To(HaveLen(posts))
		})

		It("hides applications from outsiders", func() {
			app := apply(nil)
			_, err := svc.DecideApplication(ctx, models.User{ID: "other"}, app.ID, models.ApplicationAccepted)
			Expect(err).To(MatchError(negotiation.ErrNotParty))
			_, err = svc.Get(ctx, models.User{ID: "other"}, app.ID)
			Expect(err).To(MatchError(negotiation.ErrNotParty))
		})
	})

	Describe("price negotiation", func() {
		It("ignores moves after the final price is set", func() {
			app := apply(nil)
			_, err := svc.ProposePrice(ctx, worker, app.ID, 3000)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.AcceptPrice(ctx, client, app.ID, 3000)
			Expect(err).NotTo(HaveOccurred())
			notes := len(notificationsFor(client.ID))

			rec, err := svc.ProposePrice(ctx, worker, app.ID, 9000)
			Expect(err).NotTo(HaveOccurred())
			Expect(*rec.Application.FinalPrice).To(Equal(3000.0))
			Expect(*rec.Application.ProposedPrice).To(Equal(3000.0))
			Expect(notificationsFor(client.ID)).To(HaveLen(notes))
		})
	})

	Describe("offers", func() {
		send := func() models.JobOffer {
			offer, err := svc.SendOffer(ctx, client, negotiation.OfferInput{
				JobID:     "job-1",
				WorkerID:  worker.ID,
				Budget:    5000,
				ExpiresAt: clk.Now().Add(7 * 24 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			return offer
		}

		It("runs the offer, accept and price negotiation scenario", func() {
			offer := send()
			Expect(offer.Status).To(Equal(models.OfferPending))
			Expect(offer.Currency).To(Equal("USD"))
			Expect(notificationsFor(worker.ID)).To(HaveLen(1))

			rec, err := svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Kind).To(Equal(models.KindOfferAcceptance))
			Expect(rec.Acceptance.Offer.Status).To(Equal(models.OfferAccepted))
			Expect(rec.Acceptance.Application.Status).To(Equal(models.ApplicationAccepted))
			Expect(rec.Acceptance.Application.FinalPrice).To(BeNil())
			appID := rec.Acceptance.Application.ID

			_, err = svc.ProposePrice(ctx, worker, appID, 6000)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.CounterPrice(ctx, client, appID, 5500)
			Expect(err).NotTo(HaveOccurred())
			final, err := svc.AcceptPrice(ctx, client, appID, 5500)
			Expect(err).NotTo(HaveOccurred())

			Expect(final.Kind).To(Equal(models.KindOfferAcceptance))
			Expect(*final.Terms().FinalPrice).To(Equal(5500.0))

			got, err := svc.Get(ctx, worker, appID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Kind).To(Equal(models.KindOfferAcceptance))
			Expect(got.Acceptance.Offer.ID).To(Equal(offer.ID))
		})

		It("returns the same record when the offer is accepted twice", func() {
			offer := send()
			first, err := svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			notes := len(notificationsFor(client.ID))

			second, err := svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Acceptance.Application.ID).To(Equal(first.Acceptance.Application.ID))
			Expect(notificationsFor(client.ID)).To(HaveLen(notes))
		})

		It("attaches the offer to an existing application", func() {
			app := apply(models.Price(4500))
			offer := send()

			rec, err := svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Acceptance.Application.ID).To(Equal(app.ID))
			Expect(rec.Acceptance.Application.OfferID).To(Equal(offer.ID))
			Expect(*rec.Acceptance.Application.ProposedPrice).To(Equal(4500.0))
		})

		It("allows one active offer per job and worker", func() {
			offer := send()
			_, err := svc.SendOffer(ctx, client, negotiation.OfferInput{
				JobID: "job-1", WorkerID: worker.ID, Budget: 4000, ExpiresAt: clk.Now().Add(time.Hour),
			})
			Expect(err).To(MatchError(negotiation.ErrActiveOffer))

			_, err = svc.WithdrawOffer(ctx, client, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			send()
		})

		It("counts an expired offer as inactive", func() {
			send()
			clk.Advance(8 * 24 * time.Hour)
			send()
		})

		It("makes an expired offer read-only for everyone", func() {
			offer := send()
			clk.Advance(7*24*time.Hour + time.Minute)

			_, err := svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).To(MatchError(negotiation.ErrOfferExpired))
			_, err = svc.RejectOffer(ctx, worker, offer.ID)
			Expect(err).To(MatchError(negotiation.ErrOfferExpired))
			_, err = svc.WithdrawOffer(ctx, client, offer.ID)
			Expect(err).To(MatchError(negotiation.ErrOfferExpired))

			got, err := svc.GetOffer(ctx, worker, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.OfferPending))
			Expect(got.EffectiveStatus(clk.Now())).To(Equal("expired"))
		})

		It("refuses offers on jobs the client does not own", func() {
			_, err := svc.SendOffer(ctx, models.User{ID: "other"}, negotiation.OfferInput{
				JobID: "job-1", WorkerID: worker.ID, Budget: 100, ExpiresAt: clk.Now().Add(time.Hour),
			})
			Expect(err).To(MatchError(negotiation.ErrNotClient))
		})

		It("refuses an expiry that is not in the future", func() {
			_, err := svc.SendOffer(ctx, client, negotiation.OfferInput{
				JobID: "job-1", WorkerID: worker.ID, Budget: 100, ExpiresAt: clk.Now(),
			})
			Expect(err).To(MatchError(negotiation.ErrExpiryNotFuture))
		})

		It("does not reinstate a withdrawn offer", func() {
			offer := send()
			_, err := svc.WithdrawOffer(ctx, client, offer.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.AcceptOffer(ctx, worker, offer.ID)
			Expect(err).To(MatchError(negotiation.ErrIllegalTransition))
		})
	})
})
