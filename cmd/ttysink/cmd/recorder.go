package cmd

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/lawrencejones/ttysink/internal/telem"
	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"

	kitlog "github.com/go-kit/kit/log"
)

type recorderOptions struct {
	Width, Height  int
	CutoffInterval time.Duration
}

// recorder pumps packets from the reader into the sink, periodically cutting off the
// session so that what has been recorded reaches the destination.
type recorder struct {
	reader *packet.Reader
	sink   sinks.Sink
	opts   recorderOptions
	done   chan struct{}
	once   sync.Once
}

func newRecorder(reader *packet.Reader, sink sinks.Sink, opts recorderOptions) *recorder {
	sinks.MustBeValid(sink)

	return &recorder{
		reader: reader,
		sink:   sink,
		opts:   opts,
		done:   make(chan struct{}),
	}
}

// Start records until the reader is exhausted, the context expires or we are told to shut
// down. Whenever we finish cleanly, we make a final cutoff. Logs go to the context's
// logger, which the sinks also receive through the write context.
func (r *recorder) Start(ctx context.Context) error {
	logger := telem.LoggerFrom(ctx)

	// Writes may be suspended by pacing, in which case a shutdown should abandon them
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-writeCtx.Done():
		}
	}()

	if r.opts.Width > 0 || r.opts.Height > 0 {
		window := packet.PacketBuilder(
			packet.PacketBuilder.WithTimestampNow(),
			packet.PacketBuilder.WithWindow(r.opts.Width, r.opts.Height),
		)

		if err := r.sink.Write(writeCtx, window); err != nil {
			return err
		}
	}

	packets, errs := make(chan *packet.Packet), make(chan error, 1)
	go func() {
		for {
			p, err := r.reader.Next()
			if err != nil {
				errs <- err
				return
			}

			select {
			case packets <- p:
			case <-writeCtx.Done():
				return
			}
		}
	}()

	var tick <-chan time.Time
	if r.opts.CutoffInterval > 0 {
		ticker := time.NewTicker(r.opts.CutoffInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			logger.Log("event", "triggering_final_cutoff", "msg", "told to finish, trying one more cutoff")
			return r.cutoff(ctx, logger)
		case <-tick:
			if err := r.cutoff(ctx, logger); err != nil {
				logger.Log("event", "cutoff_fail", "msg", "failed to cut off session, cannot recover")
				return err
			}
		case err := <-errs:
			if err != io.EOF {
				return err
			}

			logger.Log("event", "eof", "msg", "input finished, making final cutoff")
			return r.cutoff(ctx, logger)
		case p := <-packets:
			if err := r.sink.Write(writeCtx, p); err != nil {
				// Shutdown abandons whatever was being paced, which isn't an error
				select {
				case <-r.done:
					return r.cutoff(ctx, logger)
				default:
				}

				return err
			}
		}
	}
}

func (r *recorder) cutoff(ctx context.Context, logger kitlog.Logger) error {
	err := r.sink.Cutoff(ctx)
	logger.Log("event", "cutoff", "error", err)

	return err
}

func (r *recorder) Shutdown() {
	r.once.Do(func() { close(r.done) })
}
