package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/chainforge/chainforge/pkg/metrics"
)

// ServeMetrics starts a Prometheus exporter over the Backend's metrics
// registry, listening on addr (or Config.MetricsAddr if addr is empty).
// It mirrors the teacher's node.go pattern of launching an http.Server in
// its own goroutine and logging a ListenAndServe failure rather than
// propagating it, since a metrics endpoint going down must never take the
// backend down with it.
func (b *Backend) ServeMetrics(addr string) error {
	b.mu.Lock()
	if addr == "" {
		addr = b.metricsAddr
	}
	if addr == "" {
		b.mu.Unlock()
		return errors.New("backend: no metrics address configured")
	}
	if b.metricsSrv != nil {
		b.mu.Unlock()
		return errors.New("backend: metrics server already running")
	}
	exporter := metrics.NewPrometheusExporter(b.metrics, metrics.DefaultPrometheusConfig())
	srv := &http.Server{
		Addr:    addr,
		Handler: exporter.Handler(),
	}
	b.metricsSrv = srv
	logger := b.log
	b.mu.Unlock()

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return nil
}

// ShutdownMetrics stops a running metrics server started by ServeMetrics.
// It is a no-op if ServeMetrics was never called.
func (b *Backend) ShutdownMetrics(ctx context.Context) error {
	b.mu.Lock()
	srv := b.metricsSrv
	b.metricsSrv = nil
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
