package relay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/relay"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startRelay(t *testing.T, n *transport.Network, name string, cfg relay.Config) *relay.Server {
	t.Helper()
	ln, err := n.Listen(name)
	require.NoError(t, err)
	srv := relay.New(ln, n.Dialer(name), n.Dialer(name), cfg)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = srv.Close()
		require.NoError(t, <-done)
	})
	return srv
}

func startEcho(t *testing.T, n *transport.Network, name string) {
	t.Helper()
	ln, err := n.Listen(name)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			s, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.Close()
				for {
					f, err := s.Receive(ctx)
					if err != nil {
						return
					}
					if err := s.Send(ctx, f); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		wg.Wait()
	})
}

func dial(ctx context.Context, t *testing.T, n *transport.Network, endpoint string, cfg channel.InitiatorConfig) *channel.Channel {
	t.Helper()
	stream, err := n.Dialer("client").Open(ctx, endpoint)
	require.NoError(t, err)
	ch, err := channel.Initiate(ctx, stream, cfg)
	if err != nil {
		_ = stream.Close()
	}
	require.NoError(t, err)
	return ch
}

func extend(ctx context.Context, t *testing.T, ch *channel.Channel, kind protocol.ExtendKind, endpoint string) *protocol.Extended {
	t.Helper()
	codec := protocol.NewCodec()
	body, err := codec.EncodeExtend(&protocol.Extend{Kind: kind, Endpoint: endpoint})
	require.NoError(t, err)
	require.NoError(t, ch.SendMessage(ctx, protocol.ContentExtend, body))
	ct, reply, err := ch.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.ContentExtended, ct)
	ext, err := codec.DecodeExtended(reply)
	require.NoError(t, err)
	return ext
}

func roundTrip(ctx context.Context, t *testing.T, ch *channel.Channel, msg string) {
	t.Helper()
	require.NoError(t, ch.Send(ctx, []byte(msg)))
	got, err := ch.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

func TestExitCircuitWithRekey(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()
	startEcho(t, n, "echo")
	srv := startRelay(t, n, "r1", relay.DefaultConfig())

	ch := dial(ctx, t, n, "r1", channel.InitiatorConfig{})
	defer ch.Close()
	require.Equal(t, protocol.ExtendOK, extend(ctx, t, ch, protocol.ExtendExit, "echo").Status)
	roundTrip(ctx, t, ch, "hello")
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 5*time.Second, 10*time.Millisecond)

	rekeyed := make(chan error, 1)
	go func() { rekeyed <- ch.Rekey(ctx) }()
	for i := 0; ; i++ {
		require.Less(t, i, 200, "rekey never completed")
		roundTrip(ctx, t, ch, fmt.Sprintf("msg-%d", i))
		select {
		case err := <-rekeyed:
			require.NoError(t, err)
		default:
			continue
		}
		break
	}
	require.EqualValues(t, 1, ch.Epoch())
	roundTrip(ctx, t, ch, "after rekey")
}

func TestTwoHopCircuit(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()
	startEcho(t, n, "echo")
	r1 := startRelay(t, n, "r1", relay.DefaultConfig())
	r2 := startRelay(t, n, "r2", relay.DefaultConfig())

	outer := dial(ctx, t, n, "r1", channel.InitiatorConfig{Hop: 0})
	require.Equal(t, protocol.ExtendOK, extend(ctx, t, outer, protocol.ExtendRelay, "r2").Status)

	inner, err := channel.Initiate(ctx, outer.Stream(), channel.InitiatorConfig{Hop: 1})
	require.NoError(t, err)
	require.Equal(t, protocol.ExtendOK, extend(ctx, t, inner, protocol.ExtendExit, "echo").Status)
	roundTrip(ctx, t, inner, "through two relays")

	require.NoError(t, inner.Close())
	<-outer.Done()
	require.Eventually(t, func() bool { return r1.Active() == 0 && r2.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, r1.Served())
	require.EqualValues(t, 1, r2.Served())
}

func TestExtendUnreachable(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()
	startRelay(t, n, "r1", relay.DefaultConfig())

	ch := dial(ctx, t, n, "r1", channel.InitiatorConfig{})
	defer ch.Close()
	ext := extend(ctx, t, ch, protocol.ExtendExit, "nowhere:80")
	require.Equal(t, protocol.ExtendUnreachable, ext.Status)
	require.NotEmpty(t, ext.Reason)

	_, err := ch.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrTransportClosed)
}

type countingObserver struct {
	mu         sync.Mutex
	handshakes int
	limited    []string
	closed     int
}

func (o *countingObserver) OnConnectionRateLimit(ip string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limited = append(o.limited, "conn:"+ip)
}

func (o *countingObserver) OnHandshakeRateLimit(ip string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limited = append(o.limited, "handshake:"+ip)
}

func (o *countingObserver) OnHandshakeStart(ctx context.Context, _ string) (context.Context, func(*channel.Channel, error)) {
	return ctx, func(*channel.Channel, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.handshakes++
	}
}

func (o *countingObserver) OnExtend(protocol.ExtendKind, string, error) {}

func (o *countingObserver) OnCircuitClosed(string, channel.Stats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

func (o *countingObserver) snapshot() (int, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handshakes, append([]string(nil), o.limited...)
}

func TestHandshakeRateLimit(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()

	obs := &countingObserver{}
	cfg := relay.DefaultConfig()
	cfg.PerIPHandshakeRate = 0.001
	cfg.PerIPHandshakeBurst = 1
	cfg.Observer = obs
	startRelay(t, n, "r1", cfg)

	first := dial(ctx, t, n, "r1", channel.InitiatorConfig{})
	defer first.Close()

	stream, err := n.Dialer("client").Open(ctx, "r1")
	require.NoError(t, err)
	defer stream.Close()
	_, err = channel.Initiate(ctx, stream, channel.InitiatorConfig{})
	var alert *protocol.Alert
	require.ErrorAs(t, err, &alert)
	require.Equal(t, protocol.AlertCodeRateLimited, alert.Code)

	require.Eventually(t, func() bool {
		handshakes, limited := obs.snapshot()
		return handshakes == 1 && len(limited) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, limited := obs.snapshot()
	require.Equal(t, []string{"handshake:client"}, limited)
}

func TestCircuitCapPerIP(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()
	cfg := relay.DefaultConfig()
	cfg.MaxCircuitsPerIP = 1
	startRelay(t, n, "r1", cfg)

	first := dial(ctx, t, n, "r1", channel.InitiatorConfig{})
	defer first.Close()

	stream, err := n.Dialer("client").Open(ctx, "r1")
	require.NoError(t, err)
	defer stream.Close()
	_, err = channel.Initiate(ctx, stream, channel.InitiatorConfig{})
	var alert *protocol.Alert
	require.ErrorAs(t, err, &alert)
	require.Equal(t, protocol.AlertCodeRateLimited, alert.Code)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	ctx := testContext(t)
	n := transport.NewNetwork()
	reg := kex.NewRegistry()
	reg.Register(kex.MLKEM768())
	cfg := relay.DefaultConfig()
	cfg.Registry = reg
	startRelay(t, n, "r1", cfg)

	stream, err := n.Dialer("client").Open(ctx, "r1")
	require.NoError(t, err)
	defer stream.Close()
	_, err = channel.Initiate(ctx, stream, channel.InitiatorConfig{Primitive: kex.CHKEM()})
	var kerr *qerrors.KeyExchangeError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, string(kex.AlgorithmCHKEM), kerr.Algorithm)
}
