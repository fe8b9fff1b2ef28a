package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/lawrencejones/ttysink/pkg/sinks/ratelimit"

	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// rateReloader re-reads the rate limit from a file whenever we receive SIGHUP. The new
// rate is applied while writes may be suspended, which the limiter allows as its state
// only changes through a transaction.
type rateReloader struct {
	logger  kitlog.Logger
	path    string
	limiter *ratelimit.Sink
	done    chan struct{}
	once    sync.Once
}

func newRateReloader(logger kitlog.Logger, path string, limiter *ratelimit.Sink) *rateReloader {
	return &rateReloader{logger: logger, path: path, limiter: limiter, done: make(chan struct{})}
}

func (r *rateReloader) Start(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-hup:
			if err := r.reload(); err != nil {
				// A bad rate file shouldn't end the recording, we keep the rate we had
				r.logger.Log("event", "reload.fail", "error", err, "rate", r.limiter.Rate())
			}
		}
	}
}

func (r *rateReloader) reload() error {
	rate, err := readRate(r.path)
	if err != nil {
		return err
	}

	return r.limiter.SetRate(rate)
}

func (r *rateReloader) Shutdown() {
	r.once.Do(func() { close(r.done) })
}

func readRate(path string) (int64, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rate file")
	}

	return parseRate(string(content))
}

func parseRate(value string) (int64, error) {
	rate, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid rate %q", value)
	}

	return rate, nil
}
