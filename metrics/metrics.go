// Package metrics exposes the counters and gauges named in spec.md §6's
// metrics stanza, served over an HTTP listener via promhttp. The registry
// and collector shape (one struct owning a *prometheus.Registry plus a
// handful of CounterVec/Gauge fields, started by its own Serve) is
// grounded on objectfs's internal/metrics Collector, the only example in
// this pack built on github.com/prometheus/client_golang.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schlep/schlep/logging"
)

var log = logging.For("metrics")

// Collector owns every metric schlep exports.
type Collector struct {
	registry *prometheus.Registry
	server   *http.Server

	AuthOutcomes     *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	LDAPPoolInUse    prometheus.Gauge
	LDAPPoolWaits    prometheus.Counter
	SFTPRequests     *prometheus.CounterVec
	SFTPRequestError *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	OpenHandles      prometheus.Gauge
}

// New builds a Collector and registers every metric with a fresh
// registry. Metrics are always created so callers elsewhere in the
// codebase never need a nil check; whether they are ever served over
// HTTP is controlled separately by enableMetrics in Serve.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Authentication attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "credcache",
			Name:      "lookups_total",
			Help:      "Credential cache lookups by tier and hit/miss.",
		}, []string{"tier", "result"}),
		LDAPPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "schlep",
			Subsystem: "ldap",
			Name:      "pool_connections_in_use",
			Help:      "Number of LDAP connections currently checked out of the pool.",
		}),
		LDAPPoolWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "ldap",
			Name:      "pool_dial_total",
			Help:      "Number of new LDAP connections dialed because the pool was empty.",
		}),
		SFTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "sftp",
			Name:      "requests_total",
			Help:      "SFTP protocol requests by packet type.",
		}, []string{"type"}),
		SFTPRequestError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schlep",
			Subsystem: "sftp",
			Name:      "request_errors_total",
			Help:      "SFTP protocol requests that completed with a non-OK status, by kind.",
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "schlep",
			Subsystem: "sftp",
			Name:      "active_sessions",
			Help:      "Number of authenticated SFTP sessions currently open.",
		}),
		OpenHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "schlep",
			Subsystem: "sftp",
			Name:      "open_handles",
			Help:      "Number of open file/directory handles across all sessions.",
		}),
	}
	reg.MustRegister(
		c.AuthOutcomes, c.CacheLookups, c.LDAPPoolInUse, c.LDAPPoolWaits,
		c.SFTPRequests, c.SFTPRequestError, c.ActiveSessions, c.OpenHandles,
	)
	return c
}

// Serve starts the HTTP exporter on address:port, exposing /metrics (when
// enableMetrics) and /healthz (when enableHealth), per spec.md §6's
// metrics stanza. It blocks until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, address string, port int, enableMetrics, enableHealth bool) error {
	if !enableMetrics && !enableHealth {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	if enableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	}
	if enableHealth {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("metrics: listen on %s:%d: %w", address, port, err)
	}
	c.server = &http.Server{Handler: mux}
	log.WithField("addr", ln.Addr().String()).Info("metrics listener started")

	errCh := make(chan error, 1)
	go func() { errCh <- c.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return c.server.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
