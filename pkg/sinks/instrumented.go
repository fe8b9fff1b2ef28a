package sinks

import (
	"context"

	"github.com/lawrencejones/ttysink/internal/telem"
	"github.com/lawrencejones/ttysink/pkg/packet"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
)

var InstrumentedType = &Type{Name: "instrumented"}

var (
	sinkWriteDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ttysink_sink_write_duration_seconds",
			Help:    "Distribution of time spent writing packets, by destination sink type",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms -> 16s
		},
		[]string{"sink"},
	)
	sinkWriteBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ttysink_sink_write_bytes",
			Help:    "Distribution of packet payload sizes written, by destination sink type",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 -> 256KiB
		},
		[]string{"sink"},
	)
	sinkWriteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttysink_sink_write_errors_total",
			Help: "Count of packet writes that failed, by destination sink type",
		},
		[]string{"sink"},
	)
	sinkCutoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttysink_sink_cutoffs_total",
			Help: "Count of cutoffs forwarded, by destination sink type",
		},
		[]string{"sink"},
	)
)

type instrumentedSink struct {
	dest                           *Destination
	name                           string
	durationSeconds, payloadBytes  prometheus.ObserverVec
	writeErrorsTotal, cutoffsTotal prometheus.Counter
}

// NewInstrumentedSink wraps an existing sink, causing every write to be logged, capture
// payload size and duration in metrics, and create new spans. Metrics are labelled with
// the type of the wrapped sink. Logs go to the logger carried by each call's context,
// tagged with the trace ID of the span.
func NewInstrumentedSink(dest *Destination) (Sink, error) {
	if !dest.Valid() {
		return nil, ErrInvalidDestination
	}

	name := dest.Sink().Type().Name
	labels := prometheus.Labels(map[string]string{"sink": name})

	return &instrumentedSink{
		dest:             dest,
		name:             name,
		durationSeconds:  sinkWriteDurationSeconds.MustCurryWith(labels),
		payloadBytes:     sinkWriteBytes.MustCurryWith(labels),
		writeErrorsTotal: sinkWriteErrorsTotal.With(labels),
		cutoffsTotal:     sinkCutoffsTotal.With(labels),
	}, nil
}

func (s *instrumentedSink) Type() *Type { return InstrumentedType }

func (s *instrumentedSink) Write(ctx context.Context, p *packet.Packet) (err error) {
	ctx, span, logger := telem.StartSpan(ctx, "pkg/sinks.instrumentedSink.Write")
	defer span.End()

	logger = kitlog.With(logger, "sink", s.name)

	size := p.Len()
	span.AddAttributes(
		trace.StringAttribute("sink", s.name),
		trace.StringAttribute("kind", string(p.Kind)),
		trace.Int64Attribute("bytes", int64(size)),
	)

	defer prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		level.Debug(logger).Log("event", "write", "duration", v, "kind", p.Kind, "bytes", size, "error", err)
		s.durationSeconds.WithLabelValues().Observe(v)
		s.payloadBytes.WithLabelValues().Observe(float64(size))
		if err != nil {
			s.writeErrorsTotal.Inc()
		}
	})).ObserveDuration()

	return s.dest.Write(ctx, p)
}

func (s *instrumentedSink) Cutoff(ctx context.Context) error {
	ctx, span, logger := telem.StartSpan(ctx, "pkg/sinks.instrumentedSink.Cutoff")
	defer span.End()

	err := s.dest.Cutoff(ctx)
	logger.Log("event", "cutoff", "sink", s.name, "error", err)
	s.cutoffsTotal.Inc()

	return err
}

func (s *instrumentedSink) Close() error {
	return s.dest.Release()
}
