package metrics

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pqtunnel"

// Labels are constant labels attached to every metric of a collector.
type Labels map[string]string

// HandshakeLatencyBuckets covers handshake durations in seconds. Multi-hop
// handshakes over real networks reach into seconds.
var HandshakeLatencyBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Collector owns a Prometheus registry with the tunnel, guard and relay
// metrics. It is safe for concurrent use.
type Collector struct {
	reg *prometheus.Registry

	tunnels          *prometheus.GaugeVec
	tunnelsCreated   prometheus.Counter
	tunnelsEnded     *prometheus.CounterVec
	handshakes       *prometheus.CounterVec
	handshakeLatency *prometheus.HistogramVec
	rekeys           *prometheus.CounterVec
	securityEvents   *prometheus.CounterVec
	bytes            *prometheus.CounterVec
	packets          *prometheus.CounterVec
	blocked          prometheus.Counter
	killSwitch       prometheus.Gauge
	armed            prometheus.Gauge
	rateLimited      *prometheus.CounterVec
	extends          *prometheus.CounterVec
	circuits         prometheus.Gauge

	// live tunnels per state, read by health checks
	states [tunnel.StateFailed + 1]atomic.Int64
	killOn atomic.Bool
}

// NewCollector creates a collector on a fresh registry. An empty namespace
// uses DefaultNamespace.
func NewCollector(namespace string, labels Labels) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	cl := prometheus.Labels(labels)
	c := &Collector{
		reg: prometheus.NewRegistry(),
		tunnels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tunnels", ConstLabels: cl,
			Help: "Tunnels that have not ended, by state",
		}, []string{"state"}),
		tunnelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnels_created_total", ConstLabels: cl,
			Help: "Tunnels created",
		}),
		tunnelsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnels_ended_total", ConstLabels: cl,
			Help: "Tunnels that reached a terminal state, by state",
		}, []string{"state"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total", ConstLabels: cl,
			Help: "Hop handshakes, by role and result",
		}, []string{"role", "result"}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handshake_duration_seconds", ConstLabels: cl,
			Help:    "Hop handshake duration",
			Buckets: HandshakeLatencyBuckets,
		}, []string{"role"}),
		rekeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rekeys_total", ConstLabels: cl,
			Help: "Tunnel rekeys, by result",
		}, []string{"result"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "security_events_total", ConstLabels: cl,
			Help: "Records rejected for failed authentication or replay",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total", ConstLabels: cl,
			Help: "Payload bytes carried by tunnels, by direction",
		}, []string{"direction"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_total", ConstLabels: cl,
			Help: "Payloads carried by tunnels, by direction",
		}, []string{"direction"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocked_packets_total", ConstLabels: cl,
			Help: "Outbound payloads refused by the leak guard",
		}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "kill_switch", ConstLabels: cl,
			Help: "1 while the kill switch blocks all traffic",
		}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "armed_tunnels", ConstLabels: cl,
			Help: "Tunnels the leak guard lets carry traffic",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total", ConstLabels: cl,
			Help: "Relay streams refused by a limit, by kind",
		}, []string{"kind"}),
		extends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_extends_total", ConstLabels: cl,
			Help: "Relay extend requests, by kind and result",
		}, []string{"kind", "result"}),
		circuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_circuits", ConstLabels: cl,
			Help: "Circuits the relay is serving",
		}),
	}
	c.reg.MustRegister(
		c.tunnels, c.tunnelsCreated, c.tunnelsEnded,
		c.handshakes, c.handshakeLatency, c.rekeys, c.securityEvents,
		c.bytes, c.packets, c.blocked, c.killSwitch, c.armed,
		c.rateLimited, c.extends, c.circuits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// --- Tunnel metrics ---

// TunnelCreated counts a new tunnel in state Created.
func (c *Collector) TunnelCreated() {
	c.tunnelsCreated.Inc()
	c.states[tunnel.StateCreated].Add(1)
	c.tunnels.WithLabelValues(tunnel.StateCreated.String()).Inc()
}

// StateChanged moves one tunnel between state gauges. Terminal states are
// counted, not gauged.
func (c *Collector) StateChanged(from, to tunnel.State) {
	if from == to {
		return
	}
	if !from.Terminal() {
		c.states[from].Add(-1)
		c.tunnels.WithLabelValues(from.String()).Dec()
	}
	if to.Terminal() {
		c.tunnelsEnded.WithLabelValues(to.String()).Inc()
		return
	}
	c.states[to].Add(1)
	c.tunnels.WithLabelValues(to.String()).Inc()
}

// Tunnels returns the number of live tunnels in state s.
func (c *Collector) Tunnels(s tunnel.State) int64 {
	if s < 0 || int(s) >= len(c.states) {
		return 0
	}
	return c.states[s].Load()
}

// HandshakeCompleted records one hop handshake.
func (c *Collector) HandshakeCompleted(role string, d time.Duration, err error) {
	c.handshakes.WithLabelValues(role, result(err)).Inc()
	if err == nil {
		c.handshakeLatency.WithLabelValues(role).Observe(d.Seconds())
	}
}

// RekeyCompleted records one tunnel rekey.
func (c *Collector) RekeyCompleted(err error) {
	c.rekeys.WithLabelValues(result(err)).Inc()
}

// SecurityEvent counts an authentication failure or a replay.
func (c *Collector) SecurityEvent(err error) {
	kind := "other"
	switch {
	case errors.Is(err, qerrors.ErrAuthFailure):
		kind = "auth_failure"
	case errors.Is(err, qerrors.ErrReplayDetected):
		kind = "replay"
	}
	c.securityEvents.WithLabelValues(kind).Inc()
}

// Traffic records one payload in each non-zero direction.
func (c *Collector) Traffic(sent, received int) {
	if sent > 0 {
		c.bytes.WithLabelValues("sent").Add(float64(sent))
		c.packets.WithLabelValues("sent").Inc()
	}
	if received > 0 {
		c.bytes.WithLabelValues("received").Add(float64(received))
		c.packets.WithLabelValues("received").Inc()
	}
}

// --- Guard metrics ---

// Blocked counts one payload refused by the leak guard.
func (c *Collector) Blocked() { c.blocked.Inc() }

// SetKillSwitch records the kill-switch flag.
func (c *Collector) SetKillSwitch(on bool) {
	c.killOn.Store(on)
	if on {
		c.killSwitch.Set(1)
	} else {
		c.killSwitch.Set(0)
	}
}

// KillSwitch returns the last recorded kill-switch flag.
func (c *Collector) KillSwitch() bool { return c.killOn.Load() }

// ArmedChanged adjusts the armed tunnel gauge by delta.
func (c *Collector) ArmedChanged(delta int) { c.armed.Add(float64(delta)) }

// --- Relay metrics ---

// RateLimited counts a refused relay stream. kind is "connection" or
// "handshake".
func (c *Collector) RateLimited(kind string) { c.rateLimited.WithLabelValues(kind).Inc() }

// Extend records one extend request.
func (c *Collector) Extend(kind string, err error) {
	c.extends.WithLabelValues(kind, result(err)).Inc()
}

// CircuitOpened and CircuitClosed track circuits served by a relay.
func (c *Collector) CircuitOpened() { c.circuits.Inc() }

func (c *Collector) CircuitClosed() { c.circuits.Dec() }

// --- Global Collector ---

var (
	globalCollector   *Collector
	globalCollectorMu sync.Mutex
)

// Global returns the process collector, creating it on first use.
func Global() *Collector {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(DefaultNamespace, nil)
	}
	return globalCollector
}

// SetGlobal replaces the process collector.
// Should be called during initialization before any metrics are recorded.
func SetGlobal(c *Collector) {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	globalCollector = c
}
