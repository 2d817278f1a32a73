// Package metrics provides Prometheus metrics for the consensus core.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of a node.
type Metrics struct {
	// DAG metrics
	AcceptedBlocks       prometheus.Counter
	HighestAcceptedRound prometheus.Gauge
	LastCommitIndex      prometheus.Gauge
	PendingBlocks        prometheus.Gauge

	// Committer metrics
	DecidedLeaders   *prometheus.CounterVec
	LastDecidedRound prometheus.Gauge
	CommittedBlocks  prometheus.Counter

	// Observer metrics
	ActiveStreams prometheus.Gauge
	StreamedItems *prometheus.CounterVec
	StreamLagged  prometheus.Counter
	Requests      *prometheus.CounterVec

	// Replay metrics
	UpstreamGaps prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg leaves them
// unregistered, which is what tests use.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AcceptedBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_blocks_total",
			Help:      "Total number of blocks accepted into the DAG",
		}),
		HighestAcceptedRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "highest_accepted_round",
			Help:      "Highest round of any accepted block",
		}),
		LastCommitIndex: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_commit_index",
			Help:      "Index of the last finalized commit",
		}),
		PendingBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_blocks",
			Help:      "Blocks waiting for missing parents",
		}),

		DecidedLeaders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decided_leaders_total",
			Help:      "Leader slots decided, by outcome and rule",
		}, []string{"status", "rule"}),
		LastDecidedRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_decided_round",
			Help:      "Leader round of the last decided slot",
		}),
		CommittedBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_blocks_total",
			Help:      "Blocks sequenced into commits",
		}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_active_streams",
			Help:      "Open block streams",
		}),
		StreamedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_streamed_items_total",
			Help:      "Stream items sent, by source",
		}, []string{"source"}),
		StreamLagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_stream_lagged_total",
			Help:      "Times a stream subscriber fell behind the live feed",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_requests_total",
			Help:      "Observer requests by method and status",
		}, []string{"method", "status"}),

		UpstreamGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_stream_gaps_total",
			Help:      "Upstream streams dropped because a block arrived without its parents",
		}),
	}
}

// RecordDecision records one decided leader slot.
func (m *Metrics) RecordDecision(status, rule string, round uint64) {
	m.DecidedLeaders.WithLabelValues(status, rule).Inc()
	m.LastDecidedRound.Set(float64(round))
}

// RecordRequest records an observer request outcome.
func (m *Metrics) RecordRequest(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Requests.WithLabelValues(method, status).Inc()
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
}

func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{server: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		s.server.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
