package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lawrencejones/ttysink/internal/telem"
	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"
	sinkfile "github.com/lawrencejones/ttysink/pkg/sinks/file"
	"github.com/lawrencejones/ttysink/pkg/sinks/ratelimit"

	"contrib.go.opencensus.io/exporter/jaeger"
	"github.com/alecthomas/kingpin"
	"github.com/davecgh/go-spew/spew"
	"github.com/getsentry/sentry-go"
	kitlog "github.com/go-kit/kit/log"
	level "github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/oklog/run"
	"go.opencensus.io/trace"
)

var logger kitlog.Logger

var (
	app = kingpin.New("ttysink", "Record terminal sessions through a pipeline of sinks").Version(versionStanza())

	// Global flags
	debug               = app.Flag("debug", "Enable debug logging").Default("false").Bool()
	metricsAddress      = app.Flag("metrics-address", "Address to bind HTTP metrics listener").Default("127.0.0.1").String()
	metricsPort         = app.Flag("metrics-port", "Port to bind HTTP metrics listener").Default("9526").Uint16()
	jaegerAgentEndpoint = app.Flag("jaeger-agent-endpoint", "Endpoint for Jaeger agent, empty to disable tracing").Default("").String()
	sentryDSN           = app.Flag("sentry-dsn", "Sentry DSN to report fatal errors to").Envar("SENTRY_DSN").Default("").String()

	record           = app.Command("record", "Record a terminal stream from stdin into a sink")
	recordDecodeOnly = record.Flag("decode-only", "Print packets only, ignoring sink").Default("false").Bool()
	recordKind       = record.Flag("kind", "Kind of terminal I/O being recorded (input, output)").Default("output").Enum("input", "output")
	recordReadSize   = record.Flag("read-size", "Maximum bytes read from stdin per packet").Default("4096").Int()
	recordWidth      = record.Flag("width", "Terminal width, recorded as a window packet at the start of the session").Default("0").Int()
	recordHeight     = record.Flag("height", "Terminal height, recorded as a window packet at the start of the session").Default("0").Int()
	recordCutoff     = record.Flag("cutoff-interval", "Time period with which we periodically cut off the session").Default("5s").Duration()
	recordInstrument = record.Flag("instrument", "Enable instrumentation of the destination sink").Default("true").Bool()
	recordRatePath   = record.Flag("rate-path", "File containing the rate limit, re-read on SIGHUP").Default("").String()

	recordSinkType         = record.Flag("sink", "Type of destination sink (file, memory)").Default("file").Enum("file", "memory")
	recordSinkFileOptions  = new(sinkfile.Options).Bind(record, "sink.file.")
	recordBufferOptions    = new(sinks.BufferOptions).Bind(record, "buffer.")
	recordRateLimitOptions = new(ratelimit.Options).Bind(record, "ratelimit.")
)

// SilentError should be returned when the command wants to skip all logging of the error
// it has encountered. It wraps no error content as we should never inspect it.
var SilentError = errors.New("silent error")

type UsageError struct {
	error
}

func Run() (err error) {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
	stdlog.SetOutput(kitlog.NewStdlibAdapter(logger))

	if *sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSN, Release: Version}); err != nil {
			return UsageError{fmt.Errorf("invalid sentry configuration: %w", err)}
		}
	}

	// Setup an error handler to log and print usage
	defer func() {
		var usageErr UsageError
		switch {
		// Do nothing if no error
		case err == nil:
			return
		// Suppress silent errors
		case errors.Is(err, SilentError):
			return
		// If we're a usage error, unwrap it and print out usage before returning
		case errors.As(err, &usageErr):
			context, _ := app.ParseContext(os.Args[1:])
			app.UsageForContext(context)
			fmt.Fprintf(os.Stderr, "error: %s\n", usageErr.Error())

			err = usageErr.error
			return
		// Otherwise we probably want to log our error
		default:
			logger.Log("event", "error", "error", err, "msg", "exiting with error")
			if *sentryDSN != "" {
				sentry.CaptureException(err)
				sentry.Flush(2 * time.Second)
			}
		}
	}()

	// This is the root context for the application. Once terminated, everything we have
	// started should also finish.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stage our shutdown to first request termination, then cancel contexts if downstream
	// workers haven't responded.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	shutdown := make(chan struct{})

	go func() {
		<-sigc
		close(shutdown)
		select {
		case <-time.After(30 * time.Second):
		case <-sigc:
		}
		cancel()
	}()

	if *jaegerAgentEndpoint != "" {
		jexporter, err := jaeger.NewExporter(jaeger.Options{
			AgentEndpoint: *jaegerAgentEndpoint,
			Process: jaeger.Process{
				ServiceName: "ttysink",
			},
		})

		if err != nil {
			return UsageError{err}
		}

		trace.RegisterExporter(jexporter)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}

	switch command {
	case record.FullCommand():
		session := uuid.New()
		logger = kitlog.With(logger, "session", session)
		ctx = telem.WithLogger(ctx, logger)

		reader := packet.NewReader(os.Stdin, packet.Kind(*recordKind), nil, *recordReadSize)
		if *recordDecodeOnly {
			return decode(reader)
		}

		if *recordRatePath != "" {
			rate, err := readRate(*recordRatePath)
			if err != nil {
				return UsageError{err}
			}

			recordRateLimitOptions.Rate = rate
		}

		limiter, err := buildPipeline(session)
		if err != nil {
			if errors.Is(err, ratelimit.ErrInvalidRate) {
				return UsageError{err}
			}

			return err
		}

		var g run.Group

		{
			logger := kitlog.With(logger, "component", "shutdown_handler")

			ctx, cancel := context.WithCancel(ctx)

			// If we're asked to shutdown, we use the rungroup to trigger interrupts for every
			// component
			g.Add(
				func() error {
					select {
					case <-shutdown:
						logger.Log("event", "requesting_shutdown", "msg", "received signal, requesting shutdown")
					case <-ctx.Done():
					}

					return nil
				},
				func(error) {
					cancel() // end the shutdown select
				},
			)
		}

		{
			logger := kitlog.With(logger, "component", "http")

			addr := fmt.Sprintf("%s:%d", *metricsAddress, *metricsPort)
			srv := buildHTTPServer(logger, addr, limiter)

			g.Add(
				func() error {
					logger.Log("event", "listen", "address", *metricsAddress, "port", *metricsPort)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}

					return nil
				},
				func(error) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				},
			)
		}

		if *recordRatePath != "" {
			logger := kitlog.With(logger, "component", "rate_reloader")

			reloader := newRateReloader(logger, *recordRatePath, limiter)

			g.Add(
				func() error {
					return reloader.Start(ctx)
				},
				func(error) {
					reloader.Shutdown()
				},
			)
		}

		{
			ctx := telem.WithLogger(ctx, kitlog.With(logger, "component", "recorder"))

			recorder := newRecorder(reader, limiter, recorderOptions{
				Width:          *recordWidth,
				Height:         *recordHeight,
				CutoffInterval: *recordCutoff,
			})

			g.Add(
				func() error {
					return recorder.Start(ctx)
				},
				func(error) {
					recorder.Shutdown()
					os.Stdin.Close() // unblock any pending read
				},
			)
		}

		err = g.Run()
		if closeErr := limiter.Close(); err == nil {
			err = closeErr
		}

		return err
	}

	return UsageError{fmt.Errorf("unsupported command")}
}

// buildPipeline assembles the sink chain, outermost first:
//
//	ratelimit -> buffered (optional) -> instrumented (optional) -> destination
//
// Each sink owns the one it wraps, so closing the rate limiter tears down the whole chain.
func buildPipeline(session uuid.UUID) (*ratelimit.Sink, error) {
	var (
		dest sinks.Sink
		err  error
	)

	switch *recordSinkType {
	case "file":
		dest, err = sinkfile.New(logger, session, *recordSinkFileOptions)
	case "memory":
		dest = sinks.NewMemorySink()
	default:
		return nil, UsageError{fmt.Errorf("unsupported sink type: %s", *recordSinkType)}
	}

	if err != nil {
		return nil, err
	}

	if *recordInstrument {
		if dest, err = sinks.NewInstrumentedSink(sinks.Own(dest)); err != nil {
			return nil, err
		}
	}

	if recordBufferOptions.Size > 0 {
		if dest, err = sinks.NewBufferedSink(sinks.Own(dest), recordBufferOptions.Size); err != nil {
			return nil, err
		}
	}

	return ratelimit.New(logger, sinks.Own(dest), *recordRateLimitOptions)
}

// decode prints every packet we read, without passing it through any sink
func decode(reader *packet.Reader) error {
	for {
		p, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}

		spew.Dump(p)
	}
}
