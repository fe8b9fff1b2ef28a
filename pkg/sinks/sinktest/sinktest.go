// Test helpers for sinks. Any sink implementation can be verified against the generic
// sink contract by calling VerifySink from within a ginkgo Describe block.
package sinktest

import (
	"context"
	"sync"
	"time"

	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var (
	fixtureWindow = packet.PacketBuilder(
		packet.PacketBuilder.WithTimestampNow(),
		packet.PacketBuilder.WithWindow(80, 24),
	)
	fixturePrompt = packet.PacketBuilder(
		packet.PacketBuilder.WithTimestampNow(),
		packet.PacketBuilder.WithOutput([]byte("user@host:~$ ")),
	)
	fixtureCommand = packet.PacketBuilder(
		packet.PacketBuilder.WithTimestampNow(),
		packet.PacketBuilder.WithInput([]byte("ls -la\r")),
	)
	fixtureListing = packet.PacketBuilder(
		packet.PacketBuilder.WithTimestampNow(),
		packet.PacketBuilder.WithOutput([]byte("total 0\r\ndrwxr-xr-x 2 user user 40 Jan 1 00:00 .\r\n")),
	)
)

// Session returns a short terminal session, beginning with a window packet
func Session() []*packet.Packet {
	return []*packet.Packet{fixtureWindow, fixturePrompt, fixtureCommand, fixtureListing}
}

// FakeSink wraps a memory sink, providing the ability to hook a function in before each
// write. This can be used to simulate failures or slow destinations.
type FakeSink struct {
	*sinks.MemorySink
	beforeFunc func(context.Context, *packet.Packet) error
	mu         sync.Mutex
}

func NewFakeSink() *FakeSink {
	return &FakeSink{MemorySink: sinks.NewMemorySink()}
}

func (f *FakeSink) Before(fn func(context.Context, *packet.Packet) error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.beforeFunc = fn
}

// Fail causes every write to return the given error, until the returned function is
// called.
func (f *FakeSink) Fail(err error) (succeed func()) {
	f.Before(func(context.Context, *packet.Packet) error { return err })
	return func() { f.Before(nil) }
}

// Pause causes writes to hang until the returned channel is closed, or the write context
// expires.
func (f *FakeSink) Pause() (resume chan struct{}) {
	resume = make(chan struct{})
	f.Before(func(ctx context.Context, _ *packet.Packet) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
			return nil
		}
	})

	return resume
}

func (f *FakeSink) Write(ctx context.Context, p *packet.Packet) error {
	f.mu.Lock()
	before := f.beforeFunc
	f.mu.Unlock()

	if before != nil {
		if err := before(ctx, p); err != nil {
			return err
		}
	}

	return f.MemorySink.Write(ctx, p)
}

// Suite describes how to build the sink under test. All sinks that wrap a destination
// should pass VerifySink.
type Suite struct {
	New func(dest *sinks.Destination) (sinks.Sink, error)
}

func VerifySink(suite Suite) {
	var (
		ctx    context.Context
		cancel func()
		fake   *FakeSink
		dest   *sinks.Destination
		sink   sinks.Sink
		err    error
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		fake = NewFakeSink()
		dest = sinks.Own(fake)
	})

	JustBeforeEach(func() {
		sink, err = suite.New(dest)
	})

	AfterEach(func() {
		sinks.Close(sink)
		cancel()
	})

	writeSession := func() {
		for _, p := range Session() {
			Expect(sink.Write(ctx, p)).To(Succeed())
		}
	}

	It("is valid", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(sinks.Valid(sink)).To(BeTrue(), "sink must have a type")
	})

	Context("with an invalid destination", func() {
		BeforeEach(func() { dest = sinks.Own(nil) })

		It("fails to construct, returning no sink", func() {
			Expect(errors.Is(err, sinks.ErrInvalidDestination)).To(BeTrue(), "expected ErrInvalidDestination, got %v", err)
			Expect(sink).To(BeNil())
		})
	})

	Describe(".Write", func() {
		It("delivers every byte to the destination in order, once cut off", func() {
			writeSession()
			Expect(sink.Cutoff(ctx)).To(Succeed())

			Expect(string(fake.Bytes(packet.KindOutput))).To(Equal(
				string(fixturePrompt.Payload) + string(fixtureListing.Payload),
			))
			Expect(string(fake.Bytes(packet.KindInput))).To(Equal(string(fixtureCommand.Payload)))
		})

		It("delivers window packets whole", func() {
			writeSession()
			Expect(sink.Cutoff(ctx)).To(Succeed())

			Expect(fake.Packets()).To(ContainElement(
				And(
					WithTransform(func(p *packet.Packet) packet.Kind { return p.Kind }, Equal(packet.KindWindow)),
					WithTransform(func(p *packet.Packet) int { return p.Width }, Equal(80)),
				),
			))
		})

		It("does not retain the packet it was given", func() {
			p := packet.PacketBuilder(
				packet.PacketBuilder.WithBase(fixturePrompt),
			)

			Expect(sink.Write(ctx, p)).To(Succeed())
			copy(p.Payload, "XXXX")
			Expect(sink.Cutoff(ctx)).To(Succeed())

			Expect(string(fake.Bytes(packet.KindOutput))).To(Equal(string(fixturePrompt.Payload)))
		})

		Context("when the destination fails", func() {
			var errDestination = errors.New("destination failed")

			BeforeEach(func() { fake.Fail(errDestination) })

			It("returns the destination's error unchanged", func() {
				err := sink.Write(ctx, fixturePrompt)
				if err == nil {
					err = sink.Cutoff(ctx) // buffering sinks only forward on cutoff
				}

				Expect(err).To(Equal(errDestination))
				Expect(fake.Packets()).To(BeEmpty())
			})
		})

		Context("after close", func() {
			It("fails with ErrClosed", func() {
				Expect(sink.Close()).To(Succeed())
				Expect(errors.Is(sink.Write(ctx, fixturePrompt), sinks.ErrClosed)).To(BeTrue())
			})
		})
	})

	Describe(".Cutoff", func() {
		It("is forwarded to the destination after everything written before it", func() {
			writeSession()
			Expect(sink.Cutoff(ctx)).To(Succeed())

			Expect(fake.Cutoffs()).To(HaveLen(1))
			Expect(fake.Cutoffs()[0]).To(Equal(len(fake.Packets())))
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

			It("leaves the destination open and usable", func() {
				Expect(sink.Close()).To(Succeed())

				Expect(fake.Closes()).To(Equal(0))
				Expect(fake.Write(ctx, fixturePrompt)).To(Succeed())
			})
		})
	})
}
