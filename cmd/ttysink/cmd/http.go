package cmd

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/lawrencejones/ttysink/pkg/sinks/ratelimit"

	kitlog "github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildHTTPServer serves metrics, profiling endpoints and, if a rate limited sink is
// configured, an endpoint to inspect and change its rate.
func buildHTTPServer(logger kitlog.Logger, addr string, limiter *ratelimit.Sink) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if limiter != nil {
		mux.Handle("/rate", rateHandler(logger, limiter))
	}

	return &http.Server{Addr: addr, Handler: mux}
}

// rateHandler reports the current rate on GET, and sets it from the rate form value on
// POST, eg. curl -XPOST localhost:9526/rate -d rate=4096
func rateHandler(logger kitlog.Logger, limiter *ratelimit.Sink) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			rate, err := parseRate(r.FormValue("rate"))
			if err == nil {
				err = limiter.SetRate(rate)
			}

			if err != nil {
				logger.Log("event", "set_rate.fail", "error", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		state := limiter.State()
		fmt.Fprintf(w, "rate=%d emitted=%d\n", state.Rate, state.Emitted)
	})
}
