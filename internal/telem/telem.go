package telem

import (
	"context"

	kitlog "github.com/go-kit/kit/log"
	"go.opencensus.io/trace"
)

type loggerKey struct{}

// WithLogger stores a logger in the context, to be retrieved by LoggerFrom
func WithLogger(ctx context.Context, logger kitlog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or a no-op logger if none was set.
// Any keyvals are added to the returned logger.
func LoggerFrom(ctx context.Context, keyvals ...interface{}) kitlog.Logger {
	logger, ok := ctx.Value(loggerKey{}).(kitlog.Logger)
	if !ok {
		return kitlog.NewNopLogger()
	}

	if len(keyvals) > 0 {
		return kitlog.With(logger, keyvals...)
	}

	return logger
}

// StartSpan starts a new span, returning a logger from the context that is tagged with
// the span's trace ID. The returned context carries the tagged logger.
func StartSpan(ctx context.Context, name string) (context.Context, *trace.Span, kitlog.Logger) {
	ctx, span, logger := Logger(ctx, LoggerFrom(ctx))(trace.StartSpan(ctx, name))

	return WithLogger(ctx, logger), span, logger
}

// Logger can be used to tie logs to an on-going span. It is intended to wrap a
// trace.StartSpan call, like so:
//
//	telem.Logger(ctx, logger)(trace.StartSpan(ctx, "pkg/sinks/file.Sink.Cutoff"))
//
// The logs will be decorated with a trace_id. Root context is provided to avoid doubly
// annotating the trace ID onto the same logger.
func Logger(rootCtx context.Context, logger kitlog.Logger) func(context.Context, *trace.Span) (context.Context, *trace.Span, kitlog.Logger) {
	return func(ctx context.Context, span *trace.Span) (context.Context, *trace.Span, kitlog.Logger) {
		// If the root context already has a trace, assume our logger has been tagged and do
		// nothing.
		if trace.FromContext(rootCtx) != nil {
			return ctx, span, logger
		}

		// If there's no span, we can assume no tracing is configured. No point annotating the
		// logger with a nil trace ID.
		if span == nil {
			return ctx, span, logger
		}

		return ctx, span, kitlog.With(logger,
			"trace_id", span.SpanContext().TraceID)
	}
}
