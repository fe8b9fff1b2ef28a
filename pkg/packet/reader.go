package packet

import (
	"io"

	"k8s.io/utils/clock"
)

// DefaultReadSize is large enough to hold a typical burst of terminal output without
// producing many tiny packets.
const DefaultReadSize = 4096

// Reader produces packets of the given kind from a stream of terminal I/O, stamping each
// with the time it was read.
type Reader struct {
	r     io.Reader
	kind  Kind
	clock clock.PassiveClock
	buf   []byte
}

func NewReader(r io.Reader, kind Kind, clk clock.PassiveClock, size int) *Reader {
	if size <= 0 {
		size = DefaultReadSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Reader{r: r, kind: kind, clock: clk, buf: make([]byte, size)}
}

// Next blocks until data is available, returning io.EOF once the underlying stream is
// exhausted. Each packet owns its payload.
func (r *Reader) Next() (*Packet, error) {
	for {
		n, err := r.r.Read(r.buf)
		if n > 0 {
			return &Packet{
				Timestamp: r.clock.Now(),
				Kind:      r.kind,
				Payload:   append([]byte(nil), r.buf[:n]...),
			}, nil
		}

		if err != nil {
			return nil, err
		}
	}
}
