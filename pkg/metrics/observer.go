package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/leakguard"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

// Handshake roles.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// ObserverConfig configures the observers. Nil fields use the globals.
type ObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
}

func (cfg ObserverConfig) withDefaults() ObserverConfig {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	return cfg
}

// TunnelObserver records tunnel manager events as metrics, spans and logs.
type TunnelObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
}

var _ tunnel.Observer = (*TunnelObserver)(nil)

// NewTunnelObserver creates a tunnel observer.
func NewTunnelObserver(cfg ObserverConfig) *TunnelObserver {
	cfg = cfg.withDefaults()
	return &TunnelObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("tunnel"),
	}
}

func (o *TunnelObserver) OnCreated(id tunnel.ID, cfg tunnel.Config) {
	o.collector.TunnelCreated()
	o.logger.Info("tunnel created", Fields{
		"tunnel":    id.String(),
		"target":    cfg.Target,
		"algorithm": cfg.Algorithm.String(),
		"policy":    cfg.Policy.String(),
	})
}

func (o *TunnelObserver) OnStateChange(id tunnel.ID, from, to tunnel.State) {
	o.collector.StateChanged(from, to)
	o.logger.Debug("tunnel state changed", Fields{
		"tunnel": id.String(),
		"from":   from.String(),
		"to":     to.String(),
	})
}

func (o *TunnelObserver) OnConnectStart(ctx context.Context, id tunnel.ID) (context.Context, func(error)) {
	start := time.Now()
	ctx, end := o.tracer.StartSpan(ctx, SpanConnect,
		WithSpanKind(SpanKindClient),
		WithAttrs(TunnelAttr(id)))
	return ctx, func(err error) {
		fields := Fields{"tunnel": id.String(), "duration": time.Since(start).String()}
		if err != nil {
			fields["error"] = err.Error()
			o.logger.Warn("tunnel connect failed", fields)
		} else {
			o.logger.Info("tunnel established", fields)
		}
		end(err)
	}
}

func (o *TunnelObserver) OnHandshakeStart(ctx context.Context, id tunnel.ID, hop int, alg kex.Algorithm) (context.Context, func(error)) {
	start := time.Now()
	ctx, end := o.tracer.StartSpan(ctx, SpanHandshakeInitiator,
		WithSpanKind(SpanKindClient),
		WithAttrs(TunnelAttr(id), HopAttr(hop), AlgorithmAttr(alg)))
	return ctx, func(err error) {
		d := time.Since(start)
		o.collector.HandshakeCompleted(RoleInitiator, d, err)
		if err != nil {
			o.logger.Debug("hop handshake failed", Fields{"tunnel": id.String(), "hop": hop, "error": err.Error()})
		}
		end(err)
	}
}

func (o *TunnelObserver) OnRekeyStart(ctx context.Context, id tunnel.ID, epoch uint32) (context.Context, func(error)) {
	ctx, end := o.tracer.StartSpan(ctx, SpanRekey, WithAttrs(TunnelAttr(id), EpochAttr(epoch)))
	return ctx, func(err error) {
		o.collector.RekeyCompleted(err)
		if err != nil {
			o.logger.Error("rekey failed", Fields{"tunnel": id.String(), "epoch": epoch, "error": err.Error()})
		} else {
			o.logger.Debug("rekey completed", Fields{"tunnel": id.String(), "epoch": epoch})
		}
		end(err)
	}
}

func (o *TunnelObserver) OnSecurityEvent(id tunnel.ID, err error) {
	o.collector.SecurityEvent(err)
	o.logger.Warn("security event", Fields{"tunnel": id.String(), "error": err.Error()})
}

func (o *TunnelObserver) OnTraffic(_ tunnel.ID, sent, received int) {
	o.collector.Traffic(sent, received)
}

// GuardObserver records leak guard events.
type GuardObserver struct {
	collector *Collector
	logger    *Logger
}

var _ leakguard.Observer = (*GuardObserver)(nil)

// NewGuardObserver creates a guard observer.
func NewGuardObserver(cfg ObserverConfig) *GuardObserver {
	cfg = cfg.withDefaults()
	return &GuardObserver{collector: cfg.Collector, logger: cfg.Logger.Named("leakguard")}
}

func (o *GuardObserver) OnArm(uuid.UUID) { o.collector.ArmedChanged(1) }

func (o *GuardObserver) OnDisarm(uuid.UUID) { o.collector.ArmedChanged(-1) }

func (o *GuardObserver) OnKillSwitch(enabled bool) {
	o.collector.SetKillSwitch(enabled)
	if enabled {
		o.logger.Warn("kill switch engaged, all tunnel traffic blocked")
		return
	}
	o.logger.Info("kill switch released")
}

func (o *GuardObserver) OnBlocked(id uuid.UUID) {
	o.collector.Blocked()
	o.logger.Debug("packet blocked", Fields{"tunnel": id.String()})
}

// RelayObserver records relay server events.
type RelayObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
}

var _ relay.Observer = (*RelayObserver)(nil)

// NewRelayObserver creates a relay observer.
func NewRelayObserver(cfg ObserverConfig) *RelayObserver {
	cfg = cfg.withDefaults()
	return &RelayObserver{collector: cfg.Collector, tracer: cfg.Tracer, logger: cfg.Logger.Named("relay")}
}

func (o *RelayObserver) OnConnectionRateLimit(remoteIP string) {
	o.collector.RateLimited("connection")
	o.logger.Warn("connection rate limit exceeded", Fields{"remote_ip": remoteIP})
}

func (o *RelayObserver) OnHandshakeRateLimit(remoteIP string) {
	o.collector.RateLimited("handshake")
	o.logger.Warn("handshake rate limit exceeded", Fields{"remote_ip": remoteIP})
}

func (o *RelayObserver) OnHandshakeStart(ctx context.Context, remote string) (context.Context, func(*channel.Channel, error)) {
	start := time.Now()
	ctx, end := o.tracer.StartSpan(ctx, SpanHandshakeResponder,
		WithSpanKind(SpanKindServer),
		WithAttrs(CircuitAttr(remote)))
	return ctx, func(ch *channel.Channel, err error) {
		o.collector.HandshakeCompleted(RoleResponder, time.Since(start), err)
		if err != nil {
			end(err)
			return
		}
		o.collector.CircuitOpened()
		end(nil, HopAttr(int(ch.Hop())), AlgorithmAttr(ch.Algorithm()), SuiteAttr(ch.CipherSuite()))
	}
}

func (o *RelayObserver) OnExtend(kind protocol.ExtendKind, _ string, err error) {
	o.collector.Extend(kind.String(), err)
}

func (o *RelayObserver) OnCircuitClosed(remote string, stats channel.Stats, err error) {
	o.collector.CircuitClosed()
	fields := Fields{
		"remote":         remote,
		"bytes_sent":     stats.BytesSent,
		"bytes_received": stats.BytesReceived,
		"rekeys":         stats.Rekeys,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.logger.Debug("circuit closed", fields)
}
