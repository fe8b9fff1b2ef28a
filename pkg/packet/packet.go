// Packets are the unit of terminal session data that flows through a sink chain. A packet
// is either a window change (the terminal was resized) or a chunk of I/O that passed
// through the terminal.
package packet

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindWindow Kind = "window" // terminal resize, carries dimensions only
	KindInput  Kind = "input"  // bytes typed into the terminal
	KindOutput Kind = "output" // bytes written to the terminal
)

// Packet is built once and then treated as a value. Sinks that need to keep a packet after
// Write returns must Copy it, as the payload may be reused by the caller.
type Packet struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Width     int       `json:"width,omitempty"`   // window only
	Height    int       `json:"height,omitempty"`  // window only
	Payload   []byte    `json:"payload,omitempty"` // input/output only
}

// IsIO is true for packets that carry terminal input or output
func (p *Packet) IsIO() bool {
	return p.Kind == KindInput || p.Kind == KindOutput
}

// Len is the number of bytes this packet accounts for when measuring throughput. Window
// packets carry no payload, and so have no length.
func (p *Packet) Len() int {
	if !p.IsIO() {
		return 0
	}

	return len(p.Payload)
}

// Split divides an I/O packet into a prefix of n bytes and the remainder. Both parts share
// the timestamp and kind of the original, and alias its payload. Asking for a split outside
// the bounds of the packet is a programming error.
func (p *Packet) Split(n int) (prefix, remainder *Packet) {
	if n < 0 || n > p.Len() {
		panic(fmt.Sprintf("cannot split packet of length %d at %d", p.Len(), n))
	}

	prefix, remainder = p.shallow(), p.shallow()
	prefix.Payload = p.Payload[:n:n]
	remainder.Payload = p.Payload[n:]

	return
}

// Copy returns a packet that shares no memory with the original
func (p *Packet) Copy() *Packet {
	c := p.shallow()
	if p.Payload != nil {
		c.Payload = append([]byte(nil), p.Payload...)
	}

	return c
}

// CopyInto reuses dest's payload capacity to hold a copy of p. This allows a caller to
// keep a long-lived scratch packet without allocating on every write.
func (p *Packet) CopyInto(dest *Packet) *Packet {
	payload := append(dest.Payload[:0], p.Payload...)
	*dest = *p
	dest.Payload = payload

	return dest
}

func (p *Packet) shallow() *Packet {
	c := *p
	return &c
}

var (
	ErrUnknownKind       = errors.New("unknown packet kind")
	ErrWindowPayload     = errors.New("window packet must not carry a payload")
	ErrInvalidDimensions = errors.New("window dimensions must not be negative")
)

func (p *Packet) Validate() error {
	switch p.Kind {
	case KindWindow:
		if len(p.Payload) > 0 {
			return ErrWindowPayload
		}
		if p.Width < 0 || p.Height < 0 {
			return ErrInvalidDimensions
		}
	case KindInput, KindOutput:
	default:
		return errors.Wrapf(ErrUnknownKind, "kind %q", p.Kind)
	}

	return nil
}

func (p *Packet) String() string {
	if p.Kind == KindWindow {
		return fmt.Sprintf("%s %s %dx%d", p.Timestamp.Format(time.RFC3339Nano), p.Kind, p.Width, p.Height)
	}

	return fmt.Sprintf("%s %s %d bytes", p.Timestamp.Format(time.RFC3339Nano), p.Kind, len(p.Payload))
}

// PacketBuilder provides a fluent interface around constructing packets, mostly used in
// tests to produce fixtures.
var PacketBuilder = packetBuilderFunc(func(opts ...func(*Packet)) *Packet {
	p := &Packet{Kind: KindOutput}
	for _, opt := range opts {
		opt(p)
	}

	return p
})

type packetBuilderFunc func(opts ...func(*Packet)) *Packet

func (b packetBuilderFunc) WithBase(base *Packet) func(*Packet) {
	return func(p *Packet) {
		*p = *base.Copy()
	}
}

func (b packetBuilderFunc) WithTimestamp(ts time.Time) func(*Packet) {
	return func(p *Packet) {
		p.Timestamp = ts
	}
}

func (b packetBuilderFunc) WithTimestampNow() func(*Packet) {
	return b.WithTimestamp(time.Now())
}

func (b packetBuilderFunc) WithInput(payload []byte) func(*Packet) {
	return func(p *Packet) {
		p.Kind = KindInput
		p.Payload = payload
	}
}

func (b packetBuilderFunc) WithOutput(payload []byte) func(*Packet) {
	return func(p *Packet) {
		p.Kind = KindOutput
		p.Payload = payload
	}
}

func (b packetBuilderFunc) WithWindow(width, height int) func(*Packet) {
	return func(p *Packet) {
		p.Kind = KindWindow
		p.Width, p.Height = width, height
		p.Payload = nil
	}
}
