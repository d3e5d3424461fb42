package reconcile_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/reconcile"
)

var _ = Describe("Machine", func() {
	var (
		m   *reconcile.Machine
		t0  time.Time
		cfg reconcile.Config
	)

	BeforeEach(func() {
		t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		cfg = reconcile.Config{
			DeadAfter:        45 * time.Second,
			HiddenStaleAfter: 30 * time.Second,
			PollInterval:     2 * time.Second,
			PollTimeout:      2 * time.Minute,
		}
		m = reconcile.NewMachine(cfg)
	})

	Describe("streaming", func() {
		BeforeEach(func() {
			m.StartTurn(t0)
		})

		It("folds live events and returns to idle on the terminal result", func() {
			Expect(m.HandleLive(t0, event.Text("hello"))).To(Succeed())
			Expect(m.State()).To(Equal(reconcile.StateStreaming))

			Expect(m.HandleLive(t0, event.New(event.TypeResult, event.ResultData{Status: event.ResultStatusCompleted}))).To(Succeed())
			Expect(m.State()).To(Equal(reconcile.StateIdle))
			Expect(m.LastResult().Status).To(Equal(event.ResultStatusCompleted))
		})

		It("drops a replayed transport id", func() {
			ev := event.Text("once")
			Expect(m.HandleLive(t0, ev)).To(Succeed())
			Expect(m.HandleLive(t0.Add(time.Second), ev)).To(Succeed())

			segs := m.Segments()
			Expect(segs).To(HaveLen(1))
			Expect(segs[0].Text).To(Equal("once"))
		})

		It("enters recovering after the dead-connection threshold", func() {
			Expect(m.HandleLive(t0, event.Text("hi"))).To(Succeed())

			m.Tick(t0.Add(44 * time.Second))
			Expect(m.State()).To(Equal(reconcile.StateStreaming))

			m.Tick(t0.Add(46 * time.Second))
			Expect(m.State()).To(Equal(reconcile.StateRecovering))
		})

		It("enters recovering when the stream closes mid-turn", func() {
			m.HandleStreamClosed(t0.Add(time.Second))
			Expect(m.State()).To(Equal(reconcile.StateRecovering))
		})

		It("recovers after a long backgrounded stretch with no events", func() {
			Expect(m.HandleLive(t0, event.Text("hi"))).To(Succeed())

			m.HandleHidden(t0.Add(time.Second))
			m.HandleVisible(t0.Add(40 * time.Second))
			Expect(m.State()).To(Equal(reconcile.StateRecovering))
		})

		It("keeps streaming after a short backgrounded stretch", func() {
			Expect(m.HandleLive(t0, event.Text("hi"))).To(Succeed())

			m.HandleHidden(t0.Add(time.Second))
			m.HandleVisible(t0.Add(5 * time.Second))
			Expect(m.State()).To(Equal(reconcile.StateStreaming))
		})
	})

	Describe("recovery", func() {
		terminalLog := func() []event.Semantic {
			return []event.Semantic{
				{ID: "seq-1-1", Type: event.TypeUserMessage, Data: mustData(event.UserMessageData{Text: "odds?"})},
				{ID: "seq-1-2", Type: event.TypeText, Data: mustData(event.TextData{Text: "Checking "})},
				{ID: "seq-1-3", Type: event.TypeToolUse, Data: mustData(event.ToolUseData{ToolUseID: "t1", Name: "WebSearch"})},
				{ID: "seq-1-4", Type: event.TypeTurnComplete, Data: mustData(event.TurnCompleteData{})},
				{ID: "seq-1-5", Type: event.TypeText, Data: mustData(event.TextData{Text: "\n\nodds are even"})},
				{ID: "seq-1-6", Type: event.TypeResult, Data: mustData(event.ResultData{Status: event.ResultStatusCompleted})},
			}
		}

		BeforeEach(func() {
			m.StartTurn(t0)
			m.HandleStreamClosed(t0.Add(time.Second))
			Expect(m.State()).To(Equal(reconcile.StateRecovering))
		})

		It("converges to the full-replay transcript when the log is terminal", func() {
			snap := reconcile.PollSnapshot{Events: terminalLog(), Watermark: 6, IsProcessing: false}
			Expect(m.HandlePoll(t0.Add(3*time.Second), snap)).To(Succeed())

			Expect(m.State()).To(Equal(reconcile.StateIdle))
			Expect(m.Watermark()).To(Equal(int64(6)))

			replay := reconcile.NewFolder()
			for _, ev := range terminalLog() {
				Expect(replay.Apply(ev)).To(Succeed())
			}
			Expect(m.Segments()).To(Equal(replay.Segments()))
		})

		It("keeps recovering while the turn is still processing", func() {
			snap := reconcile.PollSnapshot{
				Events:       terminalLog()[:3],
				Watermark:    3,
				IsProcessing: true,
			}
			Expect(m.HandlePoll(t0.Add(3*time.Second), snap)).To(Succeed())

			Expect(m.State()).To(Equal(reconcile.StateRecovering))
			Expect(m.Segments()).NotTo(BeEmpty())
		})

		It("lets a live event win over a pending poll", func() {
			Expect(m.HandleLive(t0.Add(2*time.Second), event.Text("live again"))).To(Succeed())
			Expect(m.State()).To(Equal(reconcile.StateStreaming))

			stale := reconcile.PollSnapshot{Events: terminalLog()[:2], Watermark: 2, IsProcessing: true}
			Expect(m.HandlePoll(t0.Add(3*time.Second), stale)).To(Succeed())

			Expect(m.State()).To(Equal(reconcile.StateStreaming))
			segs := m.Segments()
			Expect(segs[len(segs)-1].Text).To(ContainSubstring("live again"))
		})

		It("gives up after the poll timeout and surfaces the failure", func() {
			m.Tick(t0.Add(3 * time.Minute))

			Expect(m.State()).To(Equal(reconcile.StateIdle))
			Expect(m.RecoveryFailed()).To(BeTrue())

			segs := m.Segments()
			Expect(segs[len(segs)-1].Kind).To(Equal(reconcile.SegmentStopNotice))
			Expect(segs[len(segs)-1].Reason).To(Equal("connection_lost"))
		})
	})

	Describe("outgoing queue", func() {
		It("holds a message until idle", func() {
			m.StartTurn(t0)
			m.Queue("next question")

			_, ok := m.NextOutgoing()
			Expect(ok).To(BeFalse())

			Expect(m.HandleLive(t0, event.New(event.TypeResult, event.ResultData{Status: event.ResultStatusCompleted}))).To(Succeed())

			msg, ok := m.NextOutgoing()
			Expect(ok).To(BeTrue())
			Expect(msg).To(Equal("next question"))
		})

		It("requeues at the front after a turn-in-progress rejection", func() {
			m.Queue("second")
			msg, ok := m.NextOutgoing()
			Expect(ok).To(BeTrue())

			m.Requeue(msg)
			m.Queue("third")

			first, _ := m.NextOutgoing()
			Expect(first).To(Equal("second"))
		})
	})
})

func mustData(v any) []byte {
	ev := event.New(event.TypeText, v)
	return ev.Data
}
