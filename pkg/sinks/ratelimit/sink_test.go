package ratelimit_test

import (
	"context"
	"time"

	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"
	"github.com/lawrencejones/ttysink/pkg/sinks/ratelimit"
	"github.com/lawrencejones/ttysink/pkg/sinks/sinktest"
	"github.com/pkg/errors"

	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

var _ = Describe("Sink", func() {
	var (
		ctx        context.Context
		cancel     func()
		fakeClock  *testclock.FakeClock
		fake       *sinktest.FakeSink
		dest       *sinks.Destination
		opts       ratelimit.Options
		sink       *ratelimit.Sink
		err        error
		deliveries func() []delivery
	)

	Describe("Sink interface", func() {
		// A tiny rate ensures every packet in the session is split across several windows
		sinktest.VerifySink(sinktest.Suite{
			New: func(dest *sinks.Destination) (sinks.Sink, error) {
				fakeClock := testclock.NewFakeClock(epoch)
				sink, err := ratelimit.New(logger, dest, ratelimit.Options{
					Rate:   4,
					Clock:  fakeClock,
					Waiter: steppingWaiter(fakeClock),
				})

				if err != nil {
					return nil, err
				}

				return sink, nil
			},
		})
	})

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		fakeClock = testclock.NewFakeClock(epoch)
		fake = sinktest.NewFakeSink()
		dest = sinks.Own(fake)
		deliveries = recordDeliveries(fake, fakeClock)
		opts = ratelimit.Options{
			Rate:   100,
			Window: time.Second,
			Clock:  fakeClock,
			Waiter: steppingWaiter(fakeClock),
		}
	})

	JustBeforeEach(func() {
		sink, err = ratelimit.New(logger, dest, opts)
	})

	AfterEach(func() {
		if sink != nil {
			sink.Close()
		}
		cancel()
	})

	Describe("New", func() {
		It("succeeds", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(sink.Rate()).To(BeEquivalentTo(100))
		})

		Context("with a nil destination", func() {
			BeforeEach(func() { dest = sinks.Own(nil) })

			It("returns an error and no sink", func() {
				Expect(errors.Is(err, sinks.ErrInvalidDestination)).To(BeTrue())
				Expect(sink).To(BeNil())
			})
		})

		Context("with a negative rate", func() {
			BeforeEach(func() { opts.Rate = -1 })

			It("returns ErrInvalidRate", func() {
				Expect(errors.Is(err, ratelimit.ErrInvalidRate)).To(BeTrue())
				Expect(sink).To(BeNil())
			})

			It("releases the owned destination, rather than leaking it", func() {
				Expect(fake.Closes()).To(Equal(1))
			})

			Context("when the destination is borrowed", func() {
				BeforeEach(func() { dest = sinks.Borrow(fake) })

				It("leaves the destination open", func() {
					Expect(fake.Closes()).To(Equal(0))
				})
			})
		})

		Context("with an unknown wait strategy", func() {
			BeforeEach(func() { opts.Waiter, opts.WaitName = nil, "spin" })

			It("fails", func() {
				Expect(err).To(MatchError(ContainSubstring("unsupported wait strategy")))
			})
		})
	})

	Describe(".Write", func() {
		It("splits a 250 byte packet at 100 bytes/s into 100, 100, 50 over three windows", func() {
			Expect(sink.Write(ctx, outputOf(250))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 100},
				{At: epoch.Add(time.Second), Size: 100},
				{At: epoch.Add(2 * time.Second), Size: 50},
			}))
			Expect(fake.Bytes(packet.KindOutput)).To(Equal(outputOf(250).Payload))
		})

		It("forwards packets that fit the budget whole", func() {
			Expect(sink.Write(ctx, outputOf(60))).To(Succeed())
			Expect(sink.Write(ctx, outputOf(40))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 60},
				{At: epoch, Size: 40},
			}))
		})

		It("carries the budget over between packets in the same window", func() {
			Expect(sink.Write(ctx, outputOf(70))).To(Succeed())
			Expect(sink.Write(ctx, outputOf(70))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 70},
				{At: epoch, Size: 30},
				{At: epoch.Add(time.Second), Size: 40},
			}))
		})

		It("starts a fresh window once the previous one has elapsed", func() {
			Expect(sink.Write(ctx, outputOf(100))).To(Succeed())
			fakeClock.Step(1500 * time.Millisecond)
			Expect(sink.Write(ctx, outputOf(100))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 100},
				{At: epoch.Add(1500 * time.Millisecond), Size: 100},
			}))
		})

		It("never paces window packets", func() {
			Expect(sink.Write(ctx, outputOf(100))).To(Succeed())
			Expect(sink.Write(ctx, packet.PacketBuilder(packet.PacketBuilder.WithWindow(80, 24)))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 100},
				{At: epoch, Size: 0},
			}))
		})

		It("keeps fragments in the order they were written", func() {
			session := []*packet.Packet{outputOf(150), outputOf(20), outputOf(230)}
			expected := []byte{}
			for _, p := range session {
				Expect(sink.Write(ctx, p)).To(Succeed())
				expected = append(expected, p.Payload...)
			}

			Expect(fake.Bytes(packet.KindOutput)).To(Equal(expected))
		})

		Context("with a rate of zero", func() {
			BeforeEach(func() { opts.Rate = 0 })

			It("passes every packet through whole, without waiting", func() {
				session := []*packet.Packet{outputOf(1000), outputOf(5000), outputOf(1)}
				for _, p := range session {
					Expect(sink.Write(ctx, p)).To(Succeed())
				}

				Expect(deliveries()).To(Equal([]delivery{
					{At: epoch, Size: 1000},
					{At: epoch, Size: 5000},
					{At: epoch, Size: 1},
				}))
				Expect(fake.Packets()).To(HaveLen(3))
				for idx, p := range fake.Packets() {
					Expect(p.Payload).To(Equal(session[idx].Payload))
				}
			})
		})

		Context("with a caller provided scratch packet", func() {
			var scratch *packet.Packet

			BeforeEach(func() {
				scratch = &packet.Packet{Payload: make([]byte, 0, 512)}
				opts.Scratch = scratch
			})

			It("paces through the scratch packet, leaving it empty afterwards", func() {
				Expect(sink.Write(ctx, outputOf(250))).To(Succeed())

				Expect(scratch.Payload).To(BeEmpty())
				Expect(cap(scratch.Payload)).To(Equal(512), "scratch buffer should have been reused")
			})
		})

		Context("when the destination fails", func() {
			var errDestination = errors.New("destination failed")

			It("rolls back accounting for the failed fragment", func() {
				Expect(sink.Write(ctx, outputOf(30))).To(Succeed())

				succeed := fake.Fail(errDestination)
				Expect(sink.Write(ctx, outputOf(50))).To(Equal(errDestination))
				succeed()

				Expect(sink.State()).To(MatchFields(IgnoreExtras, Fields{
					"Emitted":     BeEquivalentTo(30),
					"WindowStart": Equal(epoch),
				}))
			})

			It("abandons the remainder of a split packet", func() {
				failAfter := 1
				fake.Before(func(context.Context, *packet.Packet) error {
					if failAfter == 0 {
						return errDestination
					}
					failAfter--
					return nil
				})

				Expect(sink.Write(ctx, outputOf(250))).To(Equal(errDestination))
				fake.Before(nil)

				Expect(fake.Bytes(packet.KindOutput)).To(HaveLen(100))
				Expect(sink.Write(ctx, outputOf(10))).To(Succeed())
				Expect(fake.Bytes(packet.KindOutput)).To(HaveLen(110))
			})
		})

		Context("when the context is cancelled while waiting", func() {
			BeforeEach(func() {
				opts.Waiter = ratelimit.WaiterFunc(func(waitCtx context.Context, _ clock.Clock, _ time.Duration) error {
					cancel()
					<-waitCtx.Done()
					return waitCtx.Err()
				})
			})

			It("returns the context error without forwarding the remainder", func() {
				Expect(sink.Write(ctx, outputOf(150))).To(Equal(context.Canceled))
				Expect(fake.Bytes(packet.KindOutput)).To(HaveLen(100))
			})
		})

		Context("when closed while waiting", func() {
			var waiting chan struct{}

			BeforeEach(func() {
				waiting = make(chan struct{})
				opts.Waiter = ratelimit.WaiterFunc(func(waitCtx context.Context, _ clock.Clock, _ time.Duration) error {
					close(waiting)
					<-waitCtx.Done()
					return waitCtx.Err()
				})
			})

			It("abandons the write with ErrClosed, and closes the destination once", func() {
				result := make(chan error, 1)
				go func() { result <- sink.Write(ctx, outputOf(250)) }()

				Eventually(waiting).Should(BeClosed())
				Expect(sink.Close()).To(Succeed())

				var err error
				Eventually(result).Should(Receive(&err))
				Expect(errors.Is(err, sinks.ErrClosed)).To(BeTrue())
				Expect(fake.Bytes(packet.KindOutput)).To(HaveLen(100))
				Expect(fake.Closes()).To(Equal(1))
			})
		})
	})

	Describe(".SetRate", func() {
		It("changes the rate for subsequent windows", func() {
			Expect(sink.SetRate(50)).To(Succeed())
			Expect(sink.Write(ctx, outputOf(120))).To(Succeed())

			Expect(deliveries()).To(Equal([]delivery{
				{At: epoch, Size: 50},
				{At: epoch.Add(time.Second), Size: 50},
				{At: epoch.Add(2 * time.Second), Size: 20},
			}))
		})

		It("rejects a negative rate, leaving the state untouched", func() {
			Expect(sink.Write(ctx, outputOf(30))).To(Succeed())
			before := sink.State()

			err := sink.SetRate(-5)
			Expect(errors.Is(err, ratelimit.ErrInvalidRate)).To(BeTrue())
			Expect(sink.State()).To(Equal(before))
		})

		Context("while a write is waiting for the next window", func() {
			var (
				waiting, proceed chan struct{}
			)

			BeforeEach(func() {
				waiting, proceed = make(chan struct{}, 1), make(chan struct{})
				opts.Waiter = ratelimit.WaiterFunc(func(waitCtx context.Context, _ clock.Clock, d time.Duration) error {
					waiting <- struct{}{}
					<-proceed
					fakeClock.Step(d)
					return nil
				})
			})

			It("applies without waiting for the write, which then uses the new rate", func() {
				result := make(chan error, 1)
				go func() { result <- sink.Write(ctx, outputOf(250)) }()

				Eventually(waiting).Should(Receive())

				// Must not block on the suspended write
				done := make(chan error, 1)
				go func() { done <- sink.SetRate(0) }()
				Eventually(done).Should(Receive(BeNil()))

				close(proceed)
				Eventually(result).Should(Receive(BeNil()))

				Expect(deliveries()).To(Equal([]delivery{
					{At: epoch, Size: 100},
					{At: epoch.Add(time.Second), Size: 150},
				}))
			})
		})
	})

	Describe(".Close", func() {
		It("closes an owned destination exactly once", func() {
			Expect(sink.Close()).To(Succeed())
			Expect(sink.Close()).To(Succeed())
			Expect(fake.Closes()).To(Equal(1))
		})

		Context("with a borrowed destination", func() {
			BeforeEach(func() { dest = sinks.Borrow(fake) })

			It("leaves the destination valid and usable", func() {
				Expect(sink.Close()).To(Succeed())
				Expect(fake.Closes()).To(Equal(0))
				Expect(sinks.Valid(fake)).To(BeTrue())
				Expect(fake.Write(ctx, outputOf(1))).To(Succeed())
			})
		})
	})

	// For any rate, whatever we write is delivered exactly, and no window receives more
	// than the rate allows.
	table.DescribeTable("pacing",
		func(rate int64, sizes []int) {
			Expect(sink.SetRate(rate)).To(Succeed())

			expected := []byte{}
			for idx, size := range sizes {
				p := outputOf(size)
				p.Payload[0] = byte('A' + idx) // make each packet distinguishable

				Expect(sink.Write(ctx, p)).To(Succeed())
				expected = append(expected, p.Payload...)
			}

			Expect(fake.Bytes(packet.KindOutput)).To(Equal(expected), "fragments should rejoin into the original stream")

			perWindow := map[time.Duration]int{}
			for _, d := range deliveries() {
				perWindow[d.At.Sub(epoch).Truncate(time.Second)] += d.Size
			}

			for window, total := range perWindow {
				Expect(total).To(BeNumerically("<=", rate), "window at %s exceeded the rate", window)
			}
		},
		table.Entry("rate smaller than every packet", int64(7), []int{20, 33, 8}),
		table.Entry("rate larger than every packet", int64(500), []int{20, 33, 8, 499, 1}),
		table.Entry("rate of one byte", int64(1), []int{5, 3}),
		table.Entry("packets exactly matching the rate", int64(64), []int{64, 64, 64}),
	)
})
