// Package metrics is the observability layer of pqtunnel.
//
// The core packages never log. They report events through observer
// interfaces, and this package implements those interfaces:
//
//   - TunnelObserver for tunnel.Observer
//   - GuardObserver for leakguard.Observer
//   - RelayObserver for relay.Observer
//
// Each observer records Prometheus metrics on a Collector, starts spans on a
// Tracer and writes structured logs through a zap-backed Logger.
//
// # Wiring
//
//	collector := metrics.NewCollector("", metrics.Labels{"instance": "node-1"})
//	logger := metrics.NewLogger(metrics.WithFormat(metrics.FormatJSON))
//	obs := metrics.ObserverConfig{
//		Collector: collector,
//		Tracer:    metrics.NewOTelTracer(""),
//		Logger:    logger,
//	}
//
//	guard := leakguard.New(leakguard.WithObserver(metrics.NewGuardObserver(obs)))
//	m := tunnel.NewManager(
//		tunnel.WithGuard(guard),
//		tunnel.WithObserver(metrics.NewTunnelObserver(obs)),
//	)
//
// # Endpoints
//
//	srv := metrics.NewServer(collector, version.String())
//	go srv.Serve(ctx, ":9090")
//
// This provides:
//   - /metrics - Prometheus metrics
//   - /health  - Detailed health status
//   - /healthz - Liveness probe
//   - /readyz  - Readiness probe
//
// Health is unhealthy while the kill switch blocks traffic and degraded while
// no tunnel is established.
package metrics
