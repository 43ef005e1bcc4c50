package metrics

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/leakguard"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
	"github.com/pzverkov/pqtunnel/pkg/tunnel"
)

func testObservers(t *testing.T) (ObserverConfig, *RecordingTracer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	tracer := NewRecordingTracer()
	return ObserverConfig{
		Collector: NewCollector("", nil),
		Tracer:    tracer,
		Logger:    NewLogger(WithOutput(&buf), WithFormat(FormatJSON), WithLevel(LevelDebug)),
	}, tracer, &buf
}

func TestTunnelObserverSpans(t *testing.T) {
	cfg, tracer, buf := testObservers(t)
	o := NewTunnelObserver(cfg)
	id := uuid.New()

	o.OnCreated(id, tunnel.DefaultConfig("echo"))
	o.OnStateChange(id, tunnel.StateCreated, tunnel.StateNegotiating)

	ctx, endConnect := o.OnConnectStart(context.Background(), id)
	_, endHop := o.OnHandshakeStart(ctx, id, 0, kex.AlgorithmCHKEM)
	endHop(nil)
	_, endHop = o.OnHandshakeStart(ctx, id, 1, kex.AlgorithmCHKEM)
	endHop(errors.New("refused"))
	endConnect(errors.New("refused"))

	spans := tracer.Spans()
	require.Len(t, spans, 3)
	connect := spans[2]
	assert.Equal(t, SpanConnect, connect.Name)
	assert.Equal(t, id.String(), connect.Tunnel())
	assert.Equal(t, SpanHandshakeInitiator, spans[0].Name)
	assert.Equal(t, connect.ID, spans[0].Parent)
	hop, _ := spans[1].Int(AttrHop)
	assert.EqualValues(t, 1, hop)
	assert.Equal(t, string(kex.AlgorithmCHKEM), spans[1].Attrs[AttrAlgorithm])
	assert.Equal(t, id.String(), spans[1].Tunnel())
	assert.Error(t, spans[1].Err)

	c := cfg.Collector
	assert.EqualValues(t, 1, c.Tunnels(tunnel.StateNegotiating))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(RoleInitiator, ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(RoleInitiator, ResultError)))

	out := buf.String()
	assert.Contains(t, out, `"logger":"tunnel"`)
	assert.Contains(t, out, `"msg":"tunnel created"`)
	assert.Contains(t, out, `"msg":"tunnel connect failed"`)
}

func TestTunnelObserverRekeyAndTraffic(t *testing.T) {
	cfg, tracer, _ := testObservers(t)
	o := NewTunnelObserver(cfg)
	id := uuid.New()

	_, end := o.OnRekeyStart(context.Background(), id, 4)
	end(nil)
	o.OnSecurityEvent(id, qerrors.ErrReplayDetected)
	o.OnTraffic(id, 10, 0)

	require.Len(t, tracer.Spans(), 1)
	rekey := tracer.Spans()[0]
	assert.Equal(t, SpanRekey, rekey.Name)
	epoch, _ := rekey.Int(AttrEpoch)
	assert.EqualValues(t, 4, epoch)
	c := cfg.Collector
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rekeys.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.securityEvents.WithLabelValues("replay")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.bytes.WithLabelValues("sent")))
}

func TestGuardObserver(t *testing.T) {
	cfg, _, buf := testObservers(t)
	g := leakguard.New(leakguard.WithObserver(NewGuardObserver(cfg)))
	c := cfg.Collector

	a, b := uuid.New(), uuid.New()
	g.Arm(a)
	g.Arm(a)
	g.Arm(b)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.armed))

	g.EnableKillSwitch()
	assert.True(t, c.KillSwitch())
	assert.False(t, g.Outbound(a))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.blocked))

	g.DisableKillSwitch()
	g.Disarm(a)
	g.Disarm(a)
	assert.False(t, c.KillSwitch())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.armed))
	assert.Contains(t, buf.String(), "kill switch engaged")
	assert.Contains(t, buf.String(), `"logger":"leakguard"`)
}

func TestRelayObserver(t *testing.T) {
	cfg, tracer, _ := testObservers(t)
	o := NewRelayObserver(cfg)
	c := cfg.Collector

	o.OnConnectionRateLimit("10.0.0.1")
	o.OnHandshakeRateLimit("10.0.0.1")
	ch := acceptedChannel(t)
	_, end := o.OnHandshakeStart(context.Background(), "10.0.0.2:5000")
	end(ch, nil)
	_, end = o.OnHandshakeStart(context.Background(), "10.0.0.3:5000")
	end(nil, qerrors.ErrAuthFailure)
	o.OnExtend(protocol.ExtendExit, "echo", nil)

	spans := tracer.Named(SpanHandshakeResponder)
	require.Len(t, spans, 2)
	ok, failed := spans[0], spans[1]
	assert.Equal(t, SpanKindServer, ok.Kind)
	assert.Equal(t, "10.0.0.2:5000", ok.Attrs[AttrCircuit])
	hop, _ := ok.Int(AttrHop)
	assert.EqualValues(t, 1, hop)
	assert.Equal(t, string(kex.AlgorithmMLKEM768), ok.Attrs[AttrAlgorithm])
	assert.Equal(t, ch.CipherSuite().String(), ok.Attrs[AttrSuite])
	assert.ErrorIs(t, failed.Err, qerrors.ErrAuthFailure)
	assert.NotContains(t, failed.Attrs, AttrAlgorithm)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuits))

	o.OnCircuitClosed("10.0.0.2:5000", channel.Stats{BytesSent: 10}, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.circuits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited.WithLabelValues("connection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited.WithLabelValues("handshake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(RoleResponder, ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.extends.WithLabelValues(protocol.ExtendExit.String(), ResultOK)))
}

// acceptedChannel returns the relay side of an ML-KEM-768 handshake for hop 1.
func acceptedChannel(t *testing.T) *channel.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := transport.NewNetwork()
	ln, err := n.Listen("relay")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		ch  *channel.Channel
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			accepted <- result{err: err}
			return
		}
		ch, err := channel.Accept(ctx, s, channel.ResponderConfig{})
		accepted <- result{ch, err}
	}()

	s, err := n.Open(ctx, "relay")
	require.NoError(t, err)
	ini, err := channel.Initiate(ctx, s, channel.InitiatorConfig{Primitive: kex.MLKEM768(), Hop: 1})
	require.NoError(t, err)
	res := <-accepted
	require.NoError(t, res.err)
	t.Cleanup(func() {
		_ = ini.Close()
		_ = res.ch.Close()
	})
	return res.ch
}
