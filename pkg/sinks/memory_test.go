package sinks_test

import (
	"context"

	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MemorySink", func() {
	var (
		ctx    context.Context
		sink   *sinks.MemorySink
		cancel func()
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		sink = sinks.NewMemorySink()
	})

	AfterEach(func() {
		cancel()
	})

	Describe(".Write", func() {
		It("stores copies of successive packets", func() {
			first := packet.PacketBuilder(packet.PacketBuilder.WithOutput([]byte("hello ")))
			second := packet.PacketBuilder(packet.PacketBuilder.WithOutput([]byte("world")))

			Expect(sink.Write(ctx, first)).To(Succeed())
			Expect(sink.Write(ctx, second)).To(Succeed())
			first.Payload[0] = 'j'

			Expect(sink.Packets()).To(HaveLen(2))
			Expect(string(sink.Bytes(packet.KindOutput))).To(Equal("hello world"))
		})

		It("fails when the context has expired", func() {
			cancel()

			err := sink.Write(ctx, packet.PacketBuilder())
			Expect(err).To(Equal(context.Canceled))
			Expect(sink.Packets()).To(BeEmpty())
		})

		It("fails once closed", func() {
			Expect(sink.Close()).To(Succeed())

			err := sink.Write(ctx, packet.PacketBuilder())
			Expect(errors.Is(err, sinks.ErrClosed)).To(BeTrue())
		})
	})

	Describe(".Cutoff", func() {
		It("records how many packets preceded it", func() {
			Expect(sink.Cutoff(ctx)).To(Succeed())
			Expect(sink.Write(ctx, packet.PacketBuilder())).To(Succeed())
			Expect(sink.Cutoff(ctx)).To(Succeed())

			Expect(sink.Cutoffs()).To(Equal([]int{0, 1}))
		})
	})

	Describe(".Close", func() {
		It("counts every close", func() {
			Expect(sink.Close()).To(Succeed())
			Expect(sink.Close()).To(Succeed())

			Expect(sink.Closes()).To(Equal(2))
		})
	})
})
