package file

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/lawrencejones/ttysink/internal/telem"
	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

var SinkType = &sinks.Type{Name: "file"}

// Record is what we write for each packet: one JSON document per line
type Record struct {
	Session  uuid.UUID `json:"session"`
	Sequence uint64    `json:"seq"`
	*packet.Packet
}

type Sink struct {
	file         *os.File
	writer       *bufio.Writer
	session      uuid.UUID
	pretty       bool
	syncOnCutoff bool
	sequence     uint64
	closed       bool
	sync.Mutex
}

func newSink(file *os.File, session uuid.UUID, opts Options) *Sink {
	return &Sink{
		file:         file,
		writer:       bufio.NewWriter(file),
		session:      session,
		pretty:       opts.Pretty,
		syncOnCutoff: opts.Sync,
	}
}

func (s *Sink) Type() *sinks.Type { return SinkType }

// Write marshals the packet before touching the file, so a packet that cannot be
// serialised leaves the file and sequence as they were.
func (s *Sink) Write(ctx context.Context, p *packet.Packet) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return sinks.ErrClosed
	}

	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "refusing to write invalid packet")
	}

	bytes, err := s.marshal(Record{Session: s.session, Sequence: s.sequence, Packet: p})
	if err != nil {
		return errors.Wrap(err, "failed to marshal packet")
	}

	if _, err := s.writer.Write(append(bytes, '\n')); err != nil {
		return errors.Wrap(err, "failed to write packet")
	}

	s.sequence++

	return nil
}

func (s *Sink) marshal(record Record) ([]byte, error) {
	if s.pretty {
		return json.MarshalIndent(record, "", "  ")
	}

	return json.Marshal(record)
}

// Cutoff flushes buffered packets into the file, and if configured, syncs it to disk
func (s *Sink) Cutoff(ctx context.Context) (err error) {
	_, span, logger := telem.StartSpan(ctx, "pkg/sinks/file.Sink.Cutoff")
	defer span.End()

	s.Lock()
	defer s.Unlock()

	if s.closed {
		return sinks.ErrClosed
	}

	defer func() {
		level.Debug(logger).Log("event", "flush", "sequence", s.sequence, "error", err)
	}()

	return s.flush()
}

func (s *Sink) flush() error {
	if err := s.writer.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush packets")
	}

	if s.syncOnCutoff && !isStandard(s.file) {
		return errors.Wrap(s.file.Sync(), "failed to sync file")
	}

	return nil
}

// Close flushes what remains, closing the file unless it is stdout or stderr
func (s *Sink) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	err := s.flush()
	if isStandard(s.file) {
		return err
	}

	if closeErr := s.file.Close(); err == nil {
		err = errors.Wrap(closeErr, "failed to close file")
	}

	return err
}

// Decode reads back records written by a file sink, calling fn for each. It is mostly
// used to verify what was recorded.
func Decode(r io.Reader, fn func(Record) error) error {
	decoder := json.NewDecoder(r)
	for {
		record := Record{Packet: &packet.Packet{}}
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return nil
			}

			return errors.Wrap(err, "failed to decode record")
		}

		if err := fn(record); err != nil {
			return err
		}
	}
}
