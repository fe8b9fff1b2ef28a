package sinks

import (
	"context"
	"sync"

	"github.com/lawrencejones/ttysink/pkg/packet"
)

var MemoryType = &Type{Name: "memory"}

// MemorySink is a reference implementation of a destination sink, storing packets in an
// in-memory buffer. It satisfies all requirements of a sink, including race-safety.
//
// Beyond offering a useful reference implementation, this can be used for testing
// decorator logic without being coupled to an actual destination.
type MemorySink struct {
	packets []*packet.Packet
	cutoffs []int // number of packets stored when each cutoff arrived
	closes  int
	sync.Mutex
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		packets: []*packet.Packet{},
		cutoffs: []int{},
	}
}

func (s *MemorySink) Type() *Type { return MemoryType }

func (s *MemorySink) Write(ctx context.Context, p *packet.Packet) error {
	s.Lock()
	defer s.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if s.closes > 0 {
		return ErrClosed
	}

	s.packets = append(s.packets, p.Copy())

	return nil
}

func (s *MemorySink) Cutoff(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	if s.closes > 0 {
		return ErrClosed
	}

	s.cutoffs = append(s.cutoffs, len(s.packets))

	return nil
}

// Close marks the sink as closed. Unlike most sinks, the memory sink counts how many times
// it was closed, so tests can verify ownership is respected.
func (s *MemorySink) Close() error {
	s.Lock()
	defer s.Unlock()

	s.closes++

	return nil
}

func (s *MemorySink) Packets() []*packet.Packet {
	s.Lock()
	defer s.Unlock()

	return append([]*packet.Packet(nil), s.packets...)
}

// Bytes concatenates the payload of every packet of the given kind
func (s *MemorySink) Bytes(kind packet.Kind) []byte {
	s.Lock()
	defer s.Unlock()

	all := []byte{}
	for _, p := range s.packets {
		if p.Kind == kind {
			all = append(all, p.Payload...)
		}
	}

	return all
}

// Cutoffs returns, for each cutoff received, how many packets had been written before it
func (s *MemorySink) Cutoffs() []int {
	s.Lock()
	defer s.Unlock()

	return append([]int(nil), s.cutoffs...)
}

func (s *MemorySink) Closes() int {
	s.Lock()
	defer s.Unlock()

	return s.closes
}
