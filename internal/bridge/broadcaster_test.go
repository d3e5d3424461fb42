package bridge_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/event"
)

var _ = Describe("Broadcaster", func() {
	var b *bridge.Broadcaster

	BeforeEach(func() {
		b = bridge.NewBroadcaster()
	})

	It("delivers published events to the subscriber", func() {
		sub := b.Subscribe()
		b.Publish(event.Text("hello"))

		var got event.Semantic
		Eventually(sub.Events()).Should(Receive(&got))
		Expect(got.Type).To(Equal(event.TypeText))
	})

	It("preempts the previous subscriber when a new one attaches", func() {
		first := b.Subscribe()
		second := b.Subscribe()

		Eventually(first.Events()).Should(BeClosed())
		Expect(first.Preempted()).To(BeTrue())

		b.Publish(event.Text("to the survivor"))
		Eventually(second.Events()).Should(Receive())
	})

	It("drops events published with no subscriber attached", func() {
		b.Publish(event.Text("nobody listening"))
		sub := b.Subscribe()
		Consistently(sub.Events(), 50*time.Millisecond).ShouldNot(Receive())
	})

	It("disconnects a subscriber that cannot keep up instead of blocking", func() {
		sub := b.Subscribe()

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Far more events than the subscriber buffer holds; nothing
			// reads, so the publisher must disconnect rather than stall.
			for i := 0; i < 1000; i++ {
				b.Publish(event.Text("x"))
			}
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			Fail("publish blocked on a slow subscriber")
		}
		Expect(b.HasSubscriber()).To(BeFalse())
		Expect(sub.Preempted()).To(BeFalse())
	})

	It("detaches cleanly on unsubscribe", func() {
		sub := b.Subscribe()
		b.Unsubscribe(sub)
		Expect(b.HasSubscriber()).To(BeFalse())
		Eventually(sub.Events()).Should(BeClosed())
	})
})

var _ = Describe("Queue", func() {
	It("preserves FIFO order", func() {
		q := bridge.NewQueue()
		q.Push(bridge.Inbound{Message: "first"})
		q.Push(bridge.Inbound{Message: "second"})

		ctx := context.Background()
		in, err := q.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Message).To(Equal("first"))
		in, err = q.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Message).To(Equal("second"))
	})

	It("blocks until a message arrives", func() {
		q := bridge.NewQueue()
		got := make(chan bridge.Inbound, 1)
		go func() {
			in, err := q.Next(context.Background())
			if err == nil {
				got <- in
			}
		}()

		Consistently(got, 50*time.Millisecond).ShouldNot(Receive())
		q.Push(bridge.Inbound{Message: "late"})
		Eventually(got).Should(Receive())
	})

	It("returns when the context is canceled", func() {
		q := bridge.NewQueue()
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			_, err := q.Next(ctx)
			errc <- err
		}()
		cancel()
		Eventually(errc).Should(Receive(MatchError(context.Canceled)))
	})
})
