package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyFunc reports whether a dependency can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Checks names the dependencies /readyz probes. A nil map is always ready.
type Checks map[string]ReadyFunc

func (c Checks) names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready runs every check in name order and joins the failures.
func (c Checks) Ready(ctx context.Context) error {
	var errs []error
	for _, name := range c.names() {
		if err := c[name](ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s not ready: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /metrics, /healthz and /readyz. /readyz reports each
// check by name and answers 503 if any of them fails.
func Handler(checks Checks) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := readiness{Status: "ready", Checks: make(map[string]string, len(checks))}
		code := http.StatusOK
		for _, name := range checks.names() {
			if err := checks[name](ctx); err != nil {
				body.Checks[name] = err.Error()
				body.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			body.Checks[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}

// StartMetricsServer serves Handler(checks) in a background goroutine until
// ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger, checks Checks) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(checks),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr), slog.Int("ready_checks", len(checks)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}
