// Rate limiting for terminal session packets. The sink paces writes to its destination so
// that no more than Rate bytes are forwarded in any one window, splitting packets that
// overflow the window's budget. Packets are never dropped: writes that exceed the budget
// are suspended until the next window opens.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/lawrencejones/ttysink/pkg/packet"
	"github.com/lawrencejones/ttysink/pkg/sinks"
	"github.com/lawrencejones/ttysink/pkg/trx"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"
)

var SinkType = &sinks.Type{Name: "ratelimit"}

// ErrInvalidRate is returned when asked to limit to a negative rate, or to account over a
// negative window.
var ErrInvalidRate = errors.New("invalid rate limit configuration")

var (
	rateLimitWaitSecondsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttysink_ratelimit_wait_seconds_total",
			Help: "Time writes have spent suspended waiting for the rate limit window to reopen",
		},
		[]string{"limiter"},
	)
	rateLimitFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttysink_ratelimit_fragments_total",
			Help: "Count of packet fragments forwarded after a packet was split by the rate limit",
		},
		[]string{"limiter"},
	)
	rateLimitRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ttysink_ratelimit_rate_bytes",
			Help: "Currently configured rate limit, in bytes per window. Zero is unlimited",
		},
		[]string{"limiter"},
	)
)

type Options struct {
	Name     string        // labels this limiter's metrics, defaults to the destination type
	Rate     int64         // bytes per window, 0 for unlimited
	Window   time.Duration // period over which Rate is accounted
	WaitName string        // name of the wait strategy, resolved if Waiter is unset

	Scratch *packet.Packet // holds the unforwarded remainder of a packet while pacing
	Waiter  Waiter
	Clock   clock.Clock
}

func (opt *Options) Bind(cmd *kingpin.CmdClause, prefix string) *Options {
	cmd.Flag(fmt.Sprintf("%sname", prefix), "Name of the limiter in metrics, defaults to the destination type").Default("").StringVar(&opt.Name)
	cmd.Flag(fmt.Sprintf("%srate", prefix), "Maximum bytes forwarded per window, 0 for unlimited").Default("0").Int64Var(&opt.Rate)
	cmd.Flag(fmt.Sprintf("%swindow", prefix), "Window over which the rate is accounted").Default("1s").DurationVar(&opt.Window)
	cmd.Flag(fmt.Sprintf("%swait", prefix), "How to suspend writes that exceed the rate (sleep, yield)").Default("sleep").EnumVar(&opt.WaitName, "sleep", "yield")

	return opt
}

// State is the mutable pacing state of a rate limited sink. It is only ever changed inside
// a transaction, so it is observed either before or after a change, never part way.
type State struct {
	Rate        int64
	Emitted     int64     // bytes forwarded in the current window
	WindowStart time.Time // zero until the first packet is paced
}

type Sink struct {
	logger  kitlog.Logger
	dest    *sinks.Destination
	window  time.Duration
	waiter  Waiter
	clock   clock.Clock
	scratch *packet.Packet

	waitSecondsTotal, fragmentsTotal prometheus.Counter
	rateGauge                        prometheus.Gauge

	// writeMu serialises writes and is held while a write is suspended. stateMu protects
	// state, and is never held while waiting, allowing SetRate to proceed concurrently with
	// a paced write.
	writeMu sync.Mutex
	stateMu sync.Mutex
	state   State

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds a rate limited sink in front of the destination. If the configuration is
// invalid, an owned destination is released before returning, so the caller never needs
// to clean up after a failed construction.
func New(logger kitlog.Logger, dest *sinks.Destination, opts Options) (*Sink, error) {
	if !dest.Valid() {
		return nil, sinks.ErrInvalidDestination
	}

	if opts.Window == 0 {
		opts.Window = time.Second
	}

	if opts.Rate < 0 || opts.Window < 0 {
		dest.Release()
		return nil, errors.Wrapf(ErrInvalidRate, "rate %d over %s", opts.Rate, opts.Window)
	}

	if opts.Waiter == nil {
		waiter, err := WaiterFor(opts.WaitName)
		if err != nil {
			dest.Release()
			return nil, err
		}

		opts.Waiter = waiter
	}

	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	if opts.Scratch == nil {
		opts.Scratch = &packet.Packet{}
	}

	if opts.Name == "" {
		opts.Name = dest.Sink().Type().Name
	}

	labels := prometheus.Labels(map[string]string{"limiter": opts.Name})
	s := &Sink{
		logger:           kitlog.With(logger, "sink", SinkType.Name, "limiter", opts.Name),
		dest:             dest,
		window:           opts.Window,
		waiter:           opts.Waiter,
		clock:            opts.Clock,
		scratch:          opts.Scratch,
		waitSecondsTotal: rateLimitWaitSecondsTotal.With(labels),
		fragmentsTotal:   rateLimitFragmentsTotal.With(labels),
		rateGauge:        rateLimitRate.With(labels),
		state:            State{Rate: opts.Rate},
		closed:           make(chan struct{}),
	}

	s.rateGauge.Set(float64(opts.Rate))

	return s, nil
}

func (s *Sink) Type() *sinks.Type { return SinkType }

// pacer drives transactions over a sink's pacing state. Only the sink runs them, while
// holding stateMu.
type pacer Sink

func (p *pacer) Act(backup *State, dir trx.Direction) {
	switch dir {
	case trx.Backup:
		*backup = p.state
	case trx.Restore:
		p.state = *backup
	}
}

// transact runs mutate as a transaction over the pacing state. Callers must hold stateMu.
func (s *Sink) transact(mutate func() error) error {
	return trx.Run[State]((*pacer)(s), mutate)
}

// State returns a consistent copy of the current pacing state
func (s *Sink) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.state
}

func (s *Sink) Rate() int64 {
	return s.State().Rate
}

// SetRate changes the rate limit, taking effect from the next fragment of any in-flight
// write. It is safe to call while a write is suspended.
func (s *Sink) SetRate(rate int64) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	previous := s.state.Rate
	err := s.transact(func() error {
		s.state.Rate = rate
		if s.state.Rate < 0 {
			return errors.Wrapf(ErrInvalidRate, "rate %d", rate)
		}

		return nil
	})

	s.logger.Log("event", "set_rate", "previous", previous, "rate", rate, "error", err)
	if err == nil {
		s.rateGauge.Set(float64(rate))
	}

	return err
}

// Write forwards the packet to the destination, splitting it across as many windows as
// needed to stay within the rate. Fragments are forwarded in order, and no other write can
// interleave with them.
//
// If the destination fails, the error is returned unchanged and the remainder of the
// packet is abandoned. Accounting for the fragment that failed is rolled back.
func (s *Sink) Write(ctx context.Context, p *packet.Packet) error {
	if p == nil {
		panic("ratelimit: cannot write nil packet")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return sinks.ErrClosed
	}

	// Packets without a payload cost nothing, so never need pacing
	if p.Len() == 0 {
		return s.dest.Write(ctx, p)
	}

	defer s.discard()

	remainder, fragments := p.CopyInto(s.scratch), 0
	for {
		sent, wait, err := s.step(ctx, remainder)
		if err != nil {
			return err
		}

		if sent > 0 {
			fragments++
			_, remainder = remainder.Split(sent)
		}

		if remainder.Len() == 0 {
			break
		}

		if wait > 0 {
			if err := s.wait(ctx, wait); err != nil {
				level.Debug(s.logger).Log("event", "pace_abandoned", "remaining", remainder.Len(), "error", err)
				return err
			}
		}
	}

	if fragments > 1 {
		s.fragmentsTotal.Add(float64(fragments))
	}

	return nil
}

// step forwards as much of the remainder as the current window allows. It returns how
// many bytes were forwarded, or if the window has no budget left, how long until it
// reopens.
func (s *Sink) step(ctx context.Context, remainder *packet.Packet) (sent int, wait time.Duration, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	err = s.transact(func() error {
		if s.state.Rate == 0 {
			sent = remainder.Len()
			return s.dest.Write(ctx, remainder)
		}

		now := s.clock.Now()
		if elapsed := now.Sub(s.state.WindowStart); elapsed >= s.window || elapsed < 0 {
			s.state.Emitted, s.state.WindowStart = 0, now
		}

		budget := s.state.Rate - s.state.Emitted
		if budget <= 0 {
			wait = s.window - now.Sub(s.state.WindowStart)
			return nil
		}

		sent = remainder.Len()
		if int64(sent) > budget {
			sent = int(budget)
		}

		fragment, _ := remainder.Split(sent)
		s.state.Emitted += int64(sent)

		return s.dest.Write(ctx, fragment)
	})

	if err != nil {
		return 0, 0, err
	}

	return sent, wait, nil
}

// wait suspends the write until the window reopens, the context expires, or the sink is
// closed, whichever comes first.
func (s *Sink) wait(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-done:
		}
	}()

	level.Debug(s.logger).Log("event", "pace", "wait", d)
	defer func(start time.Time) {
		s.waitSecondsTotal.Add(s.clock.Since(start).Seconds())
	}(s.clock.Now())

	err := s.waiter.Wait(ctx, s.clock, d)
	if s.isClosed() {
		return sinks.ErrClosed
	}

	return err
}

// discard drops whatever remains of a packet in the scratch buffer, keeping its capacity
func (s *Sink) discard() {
	*s.scratch = packet.Packet{Payload: s.scratch.Payload[:0]}
}

// Cutoff is forwarded to the destination once any in-flight write has completed
func (s *Sink) Cutoff(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return sinks.ErrClosed
	}

	return s.dest.Cutoff(ctx)
}

// Close abandons any suspended write, without forwarding what remains of its packet, then
// releases the destination.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		s.closeErr = s.dest.Release()
		s.logger.Log("event", "close", "owned", s.dest.Owned(), "error", s.closeErr)
	})

	return s.closeErr
}

func (s *Sink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
