// Package metrics 基于 Prometheus 客户端记录 HTTP 与生命周期引擎指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "survival"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	ledgerApplications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_applications_total",
		Help:      "Ledger applications by transaction type and outcome.",
	}, []string{"type", "outcome"})

	agentsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agents_reaped_total",
		Help:      "Agents terminated by the reaper.",
	})

	agentsBorn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agents_born_total",
		Help:      "Agents created, by origin (genesis or replication).",
	}, []string{"origin"})

	requestResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_resolutions_total",
		Help:      "Request resolutions by type, decision and resolver kind.",
	}, []string{"type", "decision", "resolver"})

	cycleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_outcomes_total",
		Help:      "Agent decision cycles by outcome.",
	}, []string{"outcome"})

	oracleLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "oracle_duration_seconds",
		Help:      "Decision oracle latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		ledgerApplications, agentsReaped, agentsBorn,
		requestResolutions, cycleOutcomes, oracleLatency,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveLedger counts a ledger application attempt.
func ObserveLedger(txType string, err error) {
	ledgerApplications.WithLabelValues(txType, outcome(err)).Inc()
}

// ObserveReaped adds n reaped agents.
func ObserveReaped(n int) {
	if n > 0 {
		agentsReaped.Add(float64(n))
	}
}

// ObserveBirth counts a newly created agent.
func ObserveBirth(origin string) {
	agentsBorn.WithLabelValues(origin).Inc()
}

// ObserveResolution counts a request resolution.
func ObserveResolution(requestType, decision, resolverKind string) {
	requestResolutions.WithLabelValues(requestType, decision, resolverKind).Inc()
}

// ObserveCycle counts a finished decision cycle.
func ObserveCycle(result string) {
	cycleOutcomes.WithLabelValues(result).Inc()
}

// ObserveOracle records a single oracle call.
func ObserveOracle(duration time.Duration, err error) {
	oracleLatency.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
