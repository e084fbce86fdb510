package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_stream_events_total",
			Help: "Stream events dispatched, by event type",
		},
		[]string{"type"},
	)

	SkippedLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_stream_skipped_lines_total",
			Help: "Stream lines that could not be dispatched, by reason",
		},
		[]string{"reason"},
	)

	RecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospect_records_total",
			Help: "Business records received across all sessions",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_sessions_total",
			Help: "Scrape sessions finished, by terminal state",
		},
		[]string{"outcome"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospect_session_duration_seconds",
			Help:    "Wall time of scrape sessions from request to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_forwards_total",
			Help: "Result forwarding attempts, by sink and status",
		},
		[]string{"sink", "status"},
	)

	ForwardedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_forwarded_records_total",
			Help: "Records reported saved by each sink",
		},
		[]string{"sink"},
	)
)

// RecordSession updates the session counters for one finished session.
func RecordSession(outcome string, d time.Duration) {
	SessionsTotal.WithLabelValues(outcome).Inc()
	SessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordForward updates the forwarding counters for one sink call.
func RecordForward(sink string, saved int, err error) {
	if err != nil {
		ForwardsTotal.WithLabelValues(sink, "error").Inc()
		return
	}
	ForwardsTotal.WithLabelValues(sink, "ok").Inc()
	ForwardedRecordsTotal.WithLabelValues(sink).Add(float64(saved))
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start binds the specified port and serves /metrics in the background.
func Start(port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	go func() {
		// Suppress the error from intentional shutdown
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", srv.Addr, "err", err)
		}
	}()

	return &Server{srv: srv}, nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
