package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/alecthomas/kingpin"
	"github.com/lawrencejones/ttysink/pkg/packet"
)

var BufferedType = &Type{Name: "buffered"}

type BufferOptions struct {
	Size int
}

func (opt *BufferOptions) Bind(cmd *kingpin.CmdClause, prefix string) *BufferOptions {
	cmd.Flag(fmt.Sprintf("%ssize", prefix), "Number of packets to buffer before forwarding, 0 to disable").Default("0").IntVar(&opt.Size)

	return opt
}

type bufferedSink struct {
	dest       *Destination
	buffer     []*packet.Packet
	bufferSize int
	closed     bool
	sync.Mutex
}

// NewBufferedSink wraps a sink with a buffer. When a write fills the buffer, the buffered
// packets are forwarded to the destination in the order they were written. Calling Cutoff
// or Close will also push buffered packets into the destination.
func NewBufferedSink(dest *Destination, bufferSize int) (Sink, error) {
	if !dest.Valid() {
		return nil, ErrInvalidDestination
	}

	if bufferSize < 1 {
		bufferSize = 1
	}

	return &bufferedSink{
		dest:       dest,
		buffer:     make([]*packet.Packet, 0, bufferSize),
		bufferSize: bufferSize,
	}, nil
}

func (s *bufferedSink) Type() *Type { return BufferedType }

// Write adds a copy of the packet to the buffer, forwarding the buffer if this fills it.
// If forwarding fails, previously buffered packets that were not forwarded remain
// buffered for the next attempt, but the packet given to this call is not kept: the
// caller sees the write fail and may retry it.
func (s *bufferedSink) Write(ctx context.Context, p *packet.Packet) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.buffer = append(s.buffer, p.Copy())
	if len(s.buffer) < s.bufferSize {
		return nil
	}

	if err := s.forward(ctx); err != nil {
		s.buffer = s.buffer[:len(s.buffer)-1]
		return err
	}

	return nil
}

// Cutoff forwards the buffered packets, then calls Cutoff on the destination
func (s *bufferedSink) Cutoff(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.forward(ctx); err != nil {
		return err
	}

	return s.dest.Cutoff(ctx)
}

// Close makes a final attempt at forwarding what has been buffered before releasing the
// destination. The destination is released even if forwarding fails.
func (s *bufferedSink) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	err := s.forward(context.Background())
	if releaseErr := s.dest.Release(); err == nil {
		err = releaseErr
	}

	return err
}

func (s *bufferedSink) forward(ctx context.Context) error {
	for idx, p := range s.buffer {
		if err := s.dest.Write(ctx, p); err != nil {
			s.buffer = append(make([]*packet.Packet, 0, s.bufferSize), s.buffer[idx:]...)
			return err
		}
	}

	s.buffer = s.buffer[:0]

	return nil
}
