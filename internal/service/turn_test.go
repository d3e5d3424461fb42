package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store/storetest"
)

var _ = Describe("TurnService", func() {
	var (
		ctx      context.Context
		stores   memStores
		provider *session.FakeProvider
		runner   *fakeRunnerClient
		mirror   *fakeMirror
		turns    service.TurnService
		conv     *model.Conversation
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

		sessions := session.NewManager(provider, stores.convs, config.SandboxConfig{
			Image:            "parley-runner:test",
			RunnerPort:       "8090",
			SpawnStaleAfter:  2 * time.Minute,
			WaitPollInterval: 10 * time.Millisecond,
			WaitTimeout:      time.Second,
		}, "http://control-plane:8080")
		sessions.BootstrapSteps = nil

		turns = service.NewTurnService(stores, memTxRunner{stores}, sessions, runner, mirror, nil)

		conv = &model.Conversation{ID: 500, SessionID: "sess-500"}
		Expect(stores.convs.Create(ctx, conv)).To(Succeed())
	})

	reload := func() *model.Conversation {
		fresh, err := stores.convs.GetByID(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		return fresh
	}

	It("persists the user message, rotates tokens and submits to the runner", func() {
		result, err := turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "hello"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Watermark).To(Equal(int64(1)))
		Expect(result.StreamToken).NotTo(BeEmpty())
		Expect(result.StreamURL).To(HaveSuffix("/stream"))

		events, err := stores.events.ListAfter(ctx, conv.ID, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal(event.TypeUserMessage))
		Expect(events[0].SequenceNum).To(Equal(int64(1)))

		fresh := reload()
		Expect(fresh.IsProcessing).To(BeTrue())
		Expect(fresh.LastSequenceNum).To(Equal(int64(1)))
		Expect(fresh.StreamToken).NotTo(BeNil())
		Expect(*fresh.StreamToken).To(Equal(result.StreamToken))
		Expect(fresh.PersistToken).NotTo(BeNil())

		Expect(runner.submissions).To(HaveLen(1))
		Expect(runner.submissions[0].Message).To(Equal("hello"))
		Expect(runner.submissions[0].Watermark).To(Equal(int64(1)))
		Expect(runner.submissions[0].PersistToken).To(Equal(*fresh.PersistToken))

		// The bridge call authenticates with the sandbox-scoped token minted
		// at spawn, never a per-turn token.
		Expect(fresh.RunnerToken).NotTo(BeNil())
		Expect(runner.submitTokens).To(Equal([]string{*fresh.RunnerToken}))

		Expect(mirror.published).To(HaveLen(1))
	})

	It("rejects a second turn while one is in progress", func() {
		_, err := turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "first"})
		Expect(err).NotTo(HaveOccurred())

		_, err = turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "second"})
		Expect(err).To(MatchError(service.ErrTurnInProgress))

		// The second user message must not have been persisted.
		events, err := stores.events.ListAfter(ctx, conv.ID, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("returns not found for an unknown conversation", func() {
		_, err := turns.Start(ctx, service.TurnStartParams{ConversationID: 999, Message: "hi"})
		Expect(err).To(MatchError(service.ErrConversationNotFound))
	})

	It("unwinds the processing flag when the runner submission fails", func() {
		runner.failSubmit = true
		_, err := turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "hello"})
		Expect(err).To(HaveOccurred())

		fresh := reload()
		Expect(fresh.IsProcessing).To(BeFalse())
		Expect(fresh.StreamToken).To(BeNil())
		Expect(fresh.PersistToken).To(BeNil())

		// The turn can be retried.
		runner.failSubmit = false
		_, err = turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "retry"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("passes the resume session id only when the sandbox is reused", func() {
		_, err := turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "warm up"})
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.submissions[0].ResumeSessionID).To(BeEmpty())

		Expect(stores.convs.SetProcessing(ctx, conv.ID, false)).To(Succeed())
		Expect(stores.convs.SetAgentSessionID(ctx, conv.ID, "model-sess-9")).To(Succeed())

		_, err = turns.Start(ctx, service.TurnStartParams{ConversationID: conv.ID, Message: "again"})
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.submissions[1].ResumeSessionID).To(Equal("model-sess-9"))
		Expect(provider.CreateCalls).To(Equal(1))
	})
})
