package service_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store/storetest"
)

var _ = Describe("StopService", func() {
	var (
		ctx         context.Context
		stores      memStores
		provider    *session.FakeProvider
		runner      *fakeRunnerClient
		mirror      *fakeMirror
		stop        service.StopService
		conv        *model.Conversation
		runnerToken string
	)

	BeforeEach(func() {
		ctx = context.Background()
		stores = memStores{
			convs:  storetest.NewMemConversationStore(),
			events: storetest.NewMemEventStore(),
		}
		provider = session.NewFakeProvider()
		runner = &fakeRunnerClient{}
		mirror = &fakeMirror{}
		stop = service.NewStopService(stores, memTxRunner{stores}, provider, runner, mirror, nil)

		conv = &model.Conversation{ID: 800, SessionID: "sess-800"}
		Expect(stores.convs.Create(ctx, conv)).To(Succeed())
		runnerToken = "rt-800"
	})

	It("does nothing for an idle conversation", func() {
		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())
		Expect(runner.stops).To(BeZero())
	})

	It("asks a reachable runner to interrupt and leaves cleanup to it", func() {
		sess, err := provider.Create(ctx, session.CreateOptions{Image: "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stores.convs.ReleaseSpawnLock(ctx, conv.ID, &sess.ID, &runnerToken)).To(Succeed())
		Expect(stores.convs.SetProcessing(ctx, conv.ID, true)).To(Succeed())
		Expect(stores.convs.RotateTokens(ctx, conv.ID, "st", "pt")).To(Succeed())

		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())
		Expect(runner.stops).To(Equal(1))
		Expect(runner.stopTokens).To(Equal([]string{"rt-800"}))

		// The runner's own final flush clears the flag, not the control
		// plane, so it is still set here.
		fresh, err := stores.convs.GetByID(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh.IsProcessing).To(BeTrue())
		events, err := stores.events.ListAfter(ctx, conv.ID, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("closes the turn server-side when the runner is unreachable", func() {
		sess, err := provider.Create(ctx, session.CreateOptions{Image: "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stores.convs.ReleaseSpawnLock(ctx, conv.ID, &sess.ID, &runnerToken)).To(Succeed())
		Expect(stores.convs.SetProcessing(ctx, conv.ID, true)).To(Succeed())
		Expect(stores.convs.RotateTokens(ctx, conv.ID, "st", "pt")).To(Succeed())
		runner.failStop = true

		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())

		fresh, err := stores.convs.GetByID(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh.IsProcessing).To(BeFalse())
		Expect(fresh.PersistToken).To(BeNil())

		events, err := stores.events.ListAfter(ctx, conv.ID, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal(event.TypeResult))

		var data event.ResultData
		Expect(json.Unmarshal(events[0].Data, &data)).To(Succeed())
		Expect(data.Status).To(Equal(event.ResultStatusUserStopped))
		Expect(mirror.published).To(HaveLen(1))
	})

	It("closes the turn server-side when no sandbox reference exists", func() {
		Expect(stores.convs.SetProcessing(ctx, conv.ID, true)).To(Succeed())

		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())

		fresh, err := stores.convs.GetByID(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(fresh.IsProcessing).To(BeFalse())
	})

	It("is idempotent", func() {
		Expect(stores.convs.SetProcessing(ctx, conv.ID, true)).To(Succeed())
		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())
		Expect(stop.Stop(ctx, conv.ID)).To(Succeed())

		events, err := stores.events.ListAfter(ctx, conv.ID, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})
})
