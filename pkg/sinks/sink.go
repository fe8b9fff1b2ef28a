package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/pkg/errors"
)

// Sink is a stage in the pipeline that terminal session packets flow through. Sinks are
// composed by wrapping one in another: the outer sink transforms, paces or buffers packets
// before forwarding them to its destination.
type Sink interface {
	// Write transmits a single packet through the sink. The packet is either accepted in
	// full, or the call fails and the sink's state is as it was before the call. Write may
	// block if the sink paces its output. Implementations must not retain the packet after
	// returning: Copy it if it needs to be kept.
	Write(context.Context, *packet.Packet) error

	// Cutoff marks a logical boundary in the session, such as the end of a segment. Any
	// buffered data should be pushed out, and the cutoff forwarded to the destination.
	Cutoff(context.Context) error

	// Close releases all resources held by the sink, including any destination it owns.
	// Calling Close more than once has no further effect.
	Close() error

	// Type identifies the concrete behaviour of this sink
	Type() *Type
}

// Type describes a kind of sink. Every sink must return a non-nil type, which is what
// makes it valid.
type Type struct {
	Name string
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}

	return t.Name
}

var (
	// ErrClosed is returned when writing to a sink that has been closed, including writes
	// that were suspended at the time the sink was closed.
	ErrClosed = errors.New("sink is closed")

	// ErrInvalidDestination is returned by constructors that were given a destination that
	// fails the validity check.
	ErrInvalidDestination = errors.New("invalid destination sink")
)

// Valid is true if the sink can be used. Using an invalid sink is a programming error.
func Valid(s Sink) bool {
	return s != nil && s.Type() != nil
}

// MustBeValid panics if the given sink is not valid. Sink entry points call this to
// assert their preconditions.
func MustBeValid(s Sink) {
	if !Valid(s) {
		panic(fmt.Sprintf("invalid sink: %#v", s))
	}
}

// Close closes the sink if there is one
func Close(s Sink) error {
	if s == nil {
		return nil
	}

	return s.Close()
}

// Destination is a downstream sink held by a wrapping sink. It is either owned, in which
// case releasing it will close the underlying sink, or borrowed, in which case the wrapping
// sink must never close it.
type Destination struct {
	sink  Sink
	owned bool
	once  sync.Once
	err   error
}

// Own hands the sink over to whoever receives the destination. It will be closed when the
// destination is released.
func Own(s Sink) *Destination {
	return &Destination{sink: s, owned: true}
}

// Borrow lends the sink to whoever receives the destination. The caller remains
// responsible for closing it.
func Borrow(s Sink) *Destination {
	return &Destination{sink: s}
}

func (d *Destination) Valid() bool {
	return d != nil && Valid(d.sink)
}

func (d *Destination) Owned() bool {
	return d != nil && d.owned
}

// Sink returns the underlying sink, for forwarding writes
func (d *Destination) Sink() Sink {
	if d == nil {
		return nil
	}

	return d.sink
}

// Write forwards the packet, panicking if the destination is not a valid sink
func (d *Destination) Write(ctx context.Context, p *packet.Packet) error {
	MustBeValid(d.Sink())
	return d.sink.Write(ctx, p)
}

// Cutoff forwards the cutoff, panicking if the destination is not a valid sink
func (d *Destination) Cutoff(ctx context.Context) error {
	MustBeValid(d.Sink())
	return d.sink.Cutoff(ctx)
}

// Release closes the sink exactly once if it is owned, returning the result of that
// close on every call. Borrowed sinks are left untouched.
func (d *Destination) Release() error {
	if !d.Owned() || d.sink == nil {
		return nil
	}

	d.once.Do(func() {
		d.err = d.sink.Close()
	})

	return d.err
}
