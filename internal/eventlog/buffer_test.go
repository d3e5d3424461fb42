package eventlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/eventlog"
)

type recordingSink struct {
	mu      sync.Mutex
	batches []eventlog.Batch
	failN   int
}

func (s *recordingSink) Persist(_ context.Context, batch eventlog.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) all() []eventlog.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Batch(nil), s.batches...)
}

// gateSink holds its first Persist call until released, so specs can overlap
// a slow flush with later buffer activity.
type gateSink struct {
	mu      sync.Mutex
	batches []eventlog.Batch
	started chan struct{}
	release chan error
	first   sync.Once
}

func newGateSink() *gateSink {
	return &gateSink{started: make(chan struct{}), release: make(chan error, 1)}
}

func (s *gateSink) Persist(_ context.Context, batch eventlog.Batch) error {
	gated := false
	s.first.Do(func() { gated = true })
	if gated {
		close(s.started)
		if err := <-s.release; err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *gateSink) all() []eventlog.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Batch(nil), s.batches...)
}

func textOf(be eventlog.BatchEvent) string {
	var data event.TextData
	Expect(json.Unmarshal(be.Data, &data)).To(Succeed())
	return data.Text
}

var _ = Describe("Buffer", func() {
	var (
		ctx  context.Context
		sink *recordingSink
		buf  *eventlog.Buffer
	)

	BeforeEach(func() {
		ctx = context.Background()
		sink = &recordingSink{}
		buf = eventlog.NewBuffer(sink, 42, 0, eventlog.Config{FlushThreshold: 32})
	})

	Describe("text coalescing", func() {
		It("collapses consecutive text fragments into one event per flush", func() {
			Expect(buf.Append(ctx, event.Text("hel"))).To(Succeed())
			Expect(buf.Append(ctx, event.Text("lo "))).To(Succeed())
			Expect(buf.Append(ctx, event.Text("world"))).To(Succeed())
			Expect(buf.Flush(ctx)).To(Succeed())

			batches := sink.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Events).To(HaveLen(1))
			Expect(textOf(batches[0].Events[0])).To(Equal("hello world"))
		})

		It("flushes immediately on a non-text event, text first", func() {
			Expect(buf.Append(ctx, event.Text("Checking "))).To(Succeed())
			toolUse := event.New(event.TypeToolUse, event.ToolUseData{ToolUseID: "tu_1", Name: "Read"})
			Expect(buf.Append(ctx, toolUse)).To(Succeed())

			batches := sink.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Events).To(HaveLen(2))
			Expect(batches[0].Events[0].Type).To(Equal(event.TypeText))
			Expect(textOf(batches[0].Events[0])).To(Equal("Checking "))
			Expect(batches[0].Events[1].Type).To(Equal(event.TypeToolUse))
		})

		It("does not merge text across a non-text event", func() {
			Expect(buf.Append(ctx, event.Text("before"))).To(Succeed())
			tc := event.New(event.TypeTurnComplete, event.TurnCompleteData{})
			Expect(buf.Append(ctx, tc)).To(Succeed())
			Expect(buf.Append(ctx, event.Text("after"))).To(Succeed())
			Expect(buf.Flush(ctx)).To(Succeed())

			batches := sink.all()
			Expect(batches).To(HaveLen(2))
			Expect(textOf(batches[0].Events[0])).To(Equal("before"))
			Expect(textOf(batches[1].Events[0])).To(Equal("after"))
		})
	})

	Describe("sequence numbering", func() {
		It("assigns contiguous numbers across batches starting above the watermark", func() {
			buf = eventlog.NewBuffer(sink, 42, 7, eventlog.Config{FlushThreshold: 32})

			Expect(buf.Append(ctx, event.Text("a"))).To(Succeed())
			Expect(buf.Flush(ctx)).To(Succeed())
			tc := event.New(event.TypeTurnComplete, event.TurnCompleteData{})
			Expect(buf.Append(ctx, tc)).To(Succeed())

			batches := sink.all()
			Expect(batches[0].Events[0].Seq).To(Equal(int64(8)))
			Expect(batches[1].Events[0].Seq).To(Equal(int64(9)))
			Expect(buf.LastSeq()).To(Equal(int64(9)))
		})

		It("flushes when coalesced text crosses the size threshold", func() {
			buf = eventlog.NewBuffer(sink, 42, 0, eventlog.Config{FlushThreshold: 16})
			Expect(buf.Append(ctx, event.Text("short"))).To(Succeed())
			Expect(sink.all()).To(BeEmpty())
			Expect(buf.Append(ctx, event.Text("long enough to cross"))).To(Succeed())
			Expect(sink.all()).To(HaveLen(1))
			Expect(textOf(sink.all()[0].Events[0])).To(Equal("shortlong enough to cross"))
		})

		It("measures the threshold against the text itself, not its encoding", func() {
			buf = eventlog.NewBuffer(sink, 42, 0, eventlog.Config{FlushThreshold: 16})
			// 15 characters of text; the encoded payload is well past 16 bytes.
			Expect(buf.Append(ctx, event.Text("fifteen chars!!"))).To(Succeed())
			Expect(sink.all()).To(BeEmpty())
		})
	})

	Describe("failure handling", func() {
		It("requeues the batch and rolls back the watermark on sink failure", func() {
			sink.failN = 1
			Expect(buf.Append(ctx, event.Text("a"))).To(Succeed())
			err := buf.Flush(ctx)
			Expect(err).To(HaveOccurred())
			Expect(buf.LastSeq()).To(Equal(int64(0)))
			Expect(buf.PendingLen()).To(Equal(1))

			// Retry reuses the same sequence numbers.
			Expect(buf.Flush(ctx)).To(Succeed())
			batches := sink.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Events[0].Seq).To(Equal(int64(1)))
			Expect(textOf(batches[0].Events[0])).To(Equal("a"))
		})

		It("serializes overlapping flushes so a failed one cannot strand events below the watermark", func() {
			gate := newGateSink()
			buf := eventlog.NewBuffer(gate, 42, 0, eventlog.Config{FlushThreshold: 1024})
			Expect(buf.Append(ctx, event.Text("partial output"))).To(Succeed())

			// A periodic flush picks up the text and stalls inside the sink.
			tickerFlush := make(chan error, 1)
			go func() { tickerFlush <- buf.Flush(ctx) }()
			Eventually(gate.started).Should(BeClosed())

			// A non-text event arrives and wants its own flush; it must wait
			// rather than persist ahead with higher sequence numbers.
			appendDone := make(chan error, 1)
			go func() {
				toolUse := event.New(event.TypeToolUse, event.ToolUseData{ToolUseID: "tu_1", Name: "Bash"})
				appendDone <- buf.Append(ctx, toolUse)
			}()
			Consistently(gate.all).Should(BeEmpty())

			gate.release <- errors.New("sink unavailable")
			Eventually(tickerFlush).Should(Receive(HaveOccurred()))
			Eventually(appendDone).Should(Receive(BeNil()))

			// The second flush resubmits the requeued text under its original
			// number; nothing was skipped or renumbered.
			batches := gate.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Events).To(HaveLen(2))
			Expect(textOf(batches[0].Events[0])).To(Equal("partial output"))
			Expect(batches[0].Events[0].Seq).To(Equal(int64(1)))
			Expect(batches[0].Events[1].Type).To(Equal(event.TypeToolUse))
			Expect(batches[0].Events[1].Seq).To(Equal(int64(2)))
			Expect(buf.LastSeq()).To(Equal(int64(2)))
		})

		It("keeps requeued events ahead of later appends", func() {
			sink.failN = 1
			Expect(buf.Append(ctx, event.Text("first"))).To(Succeed())
			Expect(buf.Flush(ctx)).To(HaveOccurred())
			tc := event.New(event.TypeTurnComplete, event.TurnCompleteData{})
			Expect(buf.Append(ctx, tc)).To(Succeed())

			batches := sink.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Events).To(HaveLen(2))
			Expect(textOf(batches[0].Events[0])).To(Equal("first"))
			Expect(batches[0].Events[0].Seq).To(Equal(int64(1)))
			Expect(batches[0].Events[1].Type).To(Equal(event.TypeTurnComplete))
			Expect(batches[0].Events[1].Seq).To(Equal(int64(2)))
		})
	})

	Describe("final flush", func() {
		It("marks the turn complete even with nothing pending", func() {
			Expect(buf.FlushFinal(ctx, true)).To(Succeed())
			batches := sink.all()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].TurnComplete).To(BeTrue())
			Expect(batches[0].IsComplete).To(BeTrue())
			Expect(batches[0].Events).To(BeEmpty())
		})

		It("carries the agent session id", func() {
			buf.SetAgentSessionID("sess-abc")
			Expect(buf.Append(ctx, event.Text("x"))).To(Succeed())
			Expect(buf.FlushFinal(ctx, false)).To(Succeed())
			Expect(sink.all()[0].AgentSessionID).To(Equal("sess-abc"))
		})
	})
})
