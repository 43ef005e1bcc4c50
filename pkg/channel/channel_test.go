package channel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tapStream records every frame sent through it and can corrupt them.
type tapStream struct {
	transport.ByteStream

	mu     sync.Mutex
	sent   [][]byte
	tamper atomic.Bool
}

func (s *tapStream) Send(ctx context.Context, frame []byte) error {
	f := append([]byte(nil), frame...)
	if s.tamper.Load() {
		f[len(f)-1] ^= 0x01
	}
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	return s.ByteStream.Send(ctx, f)
}

func (s *tapStream) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// streamPair returns two connected in-memory streams.
func streamPair(t *testing.T) (client, server transport.ByteStream) {
	t.Helper()
	ctx := testContext(t)
	n := transport.NewNetwork()
	l, err := n.Listen("relay")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted := make(chan transport.ByteStream, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()
	client, err = n.Open(ctx, "relay")
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return client, server
}

type acceptResult struct {
	ch  *channel.Channel
	err error
}

func handshake(ctx context.Context, client, server transport.ByteStream, icfg channel.InitiatorConfig, rcfg channel.ResponderConfig) (*channel.Channel, *channel.Channel, error, error) {
	res := make(chan acceptResult, 1)
	go func() {
		ch, err := channel.Accept(ctx, server, rcfg)
		res <- acceptResult{ch, err}
	}()
	ini, ierr := channel.Initiate(ctx, client, icfg)
	r := <-res
	return ini, r.ch, ierr, r.err
}

func establish(t *testing.T, wrap func(transport.ByteStream) transport.ByteStream, icfg channel.InitiatorConfig, rcfg channel.ResponderConfig) (*channel.Channel, *channel.Channel) {
	t.Helper()
	client, server := streamPair(t)
	if wrap != nil {
		client = wrap(client)
	}
	ini, resp, ierr, rerr := handshake(testContext(t), client, server, icfg, rcfg)
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	t.Cleanup(func() {
		_ = ini.Close()
		_ = resp.Close()
	})
	return ini, resp
}

func TestHandshakeRoundTrip(t *testing.T) {
	for _, alg := range kex.Default().Algorithms() {
		for _, suite := range protocol.SupportedCipherSuites() {
			t.Run(fmt.Sprintf("%s/%s", alg, suite), func(t *testing.T) {
				ctx := testContext(t)
				prim, err := kex.Lookup(alg)
				require.NoError(t, err)

				ini, resp := establish(t, nil,
					channel.InitiatorConfig{Primitive: prim, CipherSuites: []constants.CipherSuite{suite}, Hop: 2},
					channel.ResponderConfig{})

				require.Equal(t, suite, ini.CipherSuite())
				require.Equal(t, suite, resp.CipherSuite())
				require.Equal(t, alg, resp.Algorithm())
				require.Equal(t, uint8(2), resp.Hop())
				require.Equal(t, ini.KeyMaterial().SessionKey(), resp.KeyMaterial().SessionKey())

				require.NoError(t, ini.Send(ctx, []byte("ping")))
				got, err := resp.Receive(ctx)
				require.NoError(t, err)
				require.Equal(t, "ping", string(got))

				require.NoError(t, resp.Send(ctx, []byte("pong")))
				got, err = ini.Receive(ctx)
				require.NoError(t, err)
				require.Equal(t, "pong", string(got))

				require.Equal(t, uint64(4), ini.Stats().BytesSent)
				require.Equal(t, uint64(4), ini.Stats().BytesReceived)
			})
		}
	}
}

func TestTamperedRecordTearsDownChannel(t *testing.T) {
	ctx := testContext(t)
	var tap *tapStream
	ini, resp := establish(t, func(s transport.ByteStream) transport.ByteStream {
		tap = &tapStream{ByteStream: s}
		return tap
	}, channel.InitiatorConfig{}, channel.ResponderConfig{})

	tap.tamper.Store(true)
	require.NoError(t, ini.Send(ctx, []byte("payload")))

	_, err := resp.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrAuthFailure)
	require.True(t, qerrors.IsSecurityEvent(err))

	select {
	case <-resp.Done():
	default:
		t.Fatal("channel still open after auth failure")
	}
	require.Nil(t, resp.KeyMaterial())

	_, err = resp.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrAuthFailure)
	require.ErrorIs(t, resp.Send(ctx, []byte("x")), qerrors.ErrAuthFailure)

	// The peer sees its stream end.
	_, err = ini.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrTransportClosed)
}

func TestTamperedHeaderIsAuthFailure(t *testing.T) {
	fields := []struct {
		name  string
		first int
		last  int
	}{
		{"type", 0, 0},
		{"epoch", 1, 4},
		{"sequence", 5, 12},
		{"length", 13, 16},
	}
	for _, field := range fields {
		for off := field.first; off <= field.last; off++ {
			for _, mask := range []byte{0x01, 0x02, 0x80} {
				t.Run(fmt.Sprintf("%s/%d/%#x", field.name, off, mask), func(t *testing.T) {
					ctx := testContext(t)
					var tap *tapStream
					ini, resp := establish(t, func(s transport.ByteStream) transport.ByteStream {
						tap = &tapStream{ByteStream: s}
						return tap
					}, channel.InitiatorConfig{}, channel.ResponderConfig{})

					before := len(tap.frames())
					for _, msg := range []string{"one", "two", "three"} {
						require.NoError(t, ini.Send(ctx, []byte(msg)))
						_, err := resp.Receive(ctx)
						require.NoError(t, err)
					}

					f := append([]byte(nil), tap.frames()[before+1]...)
					require.Less(t, off, constants.RecordHeaderSize)
					f[off] ^= mask
					require.NoError(t, tap.ByteStream.Send(ctx, f))

					_, err := resp.Receive(ctx)
					require.ErrorIs(t, err, qerrors.ErrAuthFailure)
					require.NotErrorIs(t, err, qerrors.ErrReplayDetected)
					<-resp.Done()
				})
			}
		}
	}
}

func TestReplayedRecordIsRejected(t *testing.T) {
	ctx := testContext(t)
	var tap *tapStream
	ini, resp := establish(t, func(s transport.ByteStream) transport.ByteStream {
		tap = &tapStream{ByteStream: s}
		return tap
	}, channel.InitiatorConfig{}, channel.ResponderConfig{})

	before := len(tap.frames())
	require.NoError(t, ini.Send(ctx, []byte("one")))
	require.NoError(t, ini.Send(ctx, []byte("two")))
	for _, want := range []string{"one", "two"} {
		got, err := resp.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}

	first := tap.frames()[before]
	require.NoError(t, tap.ByteStream.Send(ctx, first))

	_, err := resp.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrReplayDetected)
	<-resp.Done()
}

func TestSequenceNumbersIncrease(t *testing.T) {
	ctx := testContext(t)
	var tap *tapStream
	ini, resp := establish(t, func(s transport.ByteStream) transport.ByteStream {
		tap = &tapStream{ByteStream: s}
		return tap
	}, channel.InitiatorConfig{}, channel.ResponderConfig{})

	before := len(tap.frames())
	for i := range 5 {
		require.NoError(t, ini.Send(ctx, []byte{byte(i)}))
		_, err := resp.Receive(ctx)
		require.NoError(t, err)
	}

	codec := protocol.NewCodec()
	var last int64 = -1
	for _, f := range tap.frames()[before:] {
		rec, _, err := codec.DecodeRecord(f)
		require.NoError(t, err)
		require.Greater(t, int64(rec.Sequence), last)
		last = int64(rec.Sequence)
	}
}

func TestRekeyUnderConcurrentTraffic(t *testing.T) {
	ctx := testContext(t)
	ini, resp := establish(t, nil, channel.InitiatorConfig{}, channel.ResponderConfig{})
	before := ini.KeyMaterial().SessionKey()

	const (
		messages = 150
		rekeys   = 3
	)
	rekeyed := make(chan struct{})

	// The last message in each direction waits for the rekeys so both
	// readers are still active when the control records arrive.
	sender := func(ch *channel.Channel, prefix string) func() error {
		return func() error {
			for i := range messages {
				if i == messages-1 {
					select {
					case <-rekeyed:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if err := ch.Send(ctx, []byte(fmt.Sprintf("%s-%d", prefix, i))); err != nil {
					return err
				}
			}
			return nil
		}
	}
	reader := func(ch *channel.Channel, prefix string) func() error {
		return func() error {
			for i := range messages {
				got, err := ch.Receive(ctx)
				if err != nil {
					return err
				}
				if want := fmt.Sprintf("%s-%d", prefix, i); string(got) != want {
					return fmt.Errorf("got %q, want %q", got, want)
				}
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(sender(ini, "up"))
	g.Go(sender(resp, "down"))
	g.Go(reader(resp, "up"))
	g.Go(reader(ini, "down"))
	g.Go(func() error {
		defer close(rekeyed)
		for range rekeys {
			if err := ini.Rekey(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	require.Equal(t, uint32(rekeys), ini.Epoch())
	require.Equal(t, uint32(rekeys), resp.Epoch())
	require.Equal(t, uint64(rekeys), ini.Stats().Rekeys)
	require.Equal(t, uint64(rekeys), resp.Stats().Rekeys)
	require.Equal(t, ini.KeyMaterial().SessionKey(), resp.KeyMaterial().SessionKey())
	require.NotEqual(t, before, ini.KeyMaterial().SessionKey())
	require.Equal(t, uint32(rekeys), ini.KeyMaterial().Epoch)
}

func TestRekeyCanceledClosesChannel(t *testing.T) {
	ini, _ := establish(t, nil, channel.InitiatorConfig{}, channel.ResponderConfig{})

	// Nobody reads on either side, so the ack never arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ini.Rekey(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	<-ini.Done()
	require.Nil(t, ini.KeyMaterial())
}

func TestOnlyInitiatorRekeys(t *testing.T) {
	_, resp := establish(t, nil, channel.InitiatorConfig{}, channel.ResponderConfig{})
	require.ErrorIs(t, resp.Rekey(testContext(t)), qerrors.ErrUnexpectedMessage)
}

func TestCloseNotifiesPeer(t *testing.T) {
	ctx := testContext(t)
	ini, resp := establish(t, nil, channel.InitiatorConfig{}, channel.ResponderConfig{})

	require.NoError(t, ini.Close())
	require.Nil(t, ini.KeyMaterial())

	_, err := resp.Receive(ctx)
	require.ErrorIs(t, err, qerrors.ErrTransportClosed)
	require.False(t, qerrors.IsSecurityEvent(err))
	<-resp.Done()
}

func TestUnknownAlgorithmIsKeyExchangeError(t *testing.T) {
	ctx := testContext(t)
	client, server := streamPair(t)

	reg := kex.NewRegistry()
	reg.Register(kex.MLKEM768())

	ini, resp, ierr, rerr := handshake(ctx, client, server,
		channel.InitiatorConfig{Primitive: kex.CHKEM()},
		channel.ResponderConfig{Registry: reg})
	require.Nil(t, ini)
	require.Nil(t, resp)
	require.ErrorIs(t, rerr, qerrors.ErrUnknownAlgorithm)

	var kerr *qerrors.KeyExchangeError
	require.True(t, errors.As(ierr, &kerr))
	require.Equal(t, string(kex.AlgorithmCHKEM), kerr.Algorithm)
}

func TestNoCommonCipherSuite(t *testing.T) {
	ctx := testContext(t)
	client, server := streamPair(t)

	_, _, ierr, rerr := handshake(ctx, client, server,
		channel.InitiatorConfig{CipherSuites: []constants.CipherSuite{constants.CipherSuiteChaCha20Poly1305}},
		channel.ResponderConfig{CipherSuites: []constants.CipherSuite{constants.CipherSuiteAES256GCM}})
	require.ErrorIs(t, rerr, qerrors.ErrUnsupportedCipherSuite)

	var alert *protocol.Alert
	require.True(t, errors.As(ierr, &alert))
	require.Equal(t, protocol.AlertCodeUnsupportedCipher, alert.Code)
}

func TestKeyMaterialExpiryRequestsRekey(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	ini, _ := establish(t, nil,
		channel.InitiatorConfig{KeyLifetime: time.Minute, Now: clock},
		channel.ResponderConfig{})

	require.False(t, ini.NeedsRekey())
	now = now.Add(2 * time.Minute)
	require.True(t, ini.NeedsRekey())
}

// TestLayeredHopKeysAreIndependent captures the outer hop's traffic and
// shows that knowing the outer hop's key exposes only the inner hop's
// ciphertext.
func TestLayeredHopKeysAreIndependent(t *testing.T) {
	ctx := testContext(t)
	var tap *tapStream
	outerC, outerS := establish(t, func(s transport.ByteStream) transport.ByteStream {
		tap = &tapStream{ByteStream: s}
		return tap
	}, channel.InitiatorConfig{Hop: 0}, channel.ResponderConfig{})

	innerC, innerS, ierr, rerr := handshake(ctx, outerC.Stream(), outerS.Stream(),
		channel.InitiatorConfig{Hop: 1}, channel.ResponderConfig{})
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	defer innerS.Close()

	outerKey := outerC.KeyMaterial().SessionKey()
	innerKey := innerC.KeyMaterial().SessionKey()
	require.NotEqual(t, outerKey, innerKey)

	require.NoError(t, innerC.Send(ctx, []byte("secret")))
	got, err := innerS.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "secret", string(got))

	frames := tap.frames()
	codec := protocol.NewCodec()
	rec, header, err := codec.DecodeRecord(frames[len(frames)-1])
	require.NoError(t, err)

	outer := initiatorCipher(t, outerKey)
	plaintext, err := outer.Open(rec.Sequence, rec.Ciphertext, header)
	require.NoError(t, err)
	ct, body, err := codec.DecodeContent(plaintext)
	require.NoError(t, err)
	require.Equal(t, protocol.ContentData, ct)
	require.NotContains(t, string(body), "secret")

	innerRec, innerHeader, err := codec.DecodeRecord(body)
	require.NoError(t, err)
	_, err = initiatorCipher(t, outerKey).Open(innerRec.Sequence, innerRec.Ciphertext, innerHeader)
	require.ErrorIs(t, err, qerrors.ErrAuthenticationFailed)

	innerPlain, err := initiatorCipher(t, innerKey).Open(innerRec.Sequence, innerRec.Ciphertext, innerHeader)
	require.NoError(t, err)
	_, innerBody, err := codec.DecodeContent(innerPlain)
	require.NoError(t, err)
	require.Equal(t, "secret", string(innerBody))

	// Closing the inner channel closes the chain beneath it.
	require.NoError(t, innerC.Close())
	<-outerC.Done()
}

func initiatorCipher(t *testing.T, sessionKey []byte) *crypto.AEAD {
	t.Helper()
	ik, rk, err := crypto.DeriveTrafficKeys(sessionKey)
	require.NoError(t, err)
	crypto.Zeroize(rk)
	a, err := crypto.NewAEAD(constants.CipherSuiteAES256GCM, ik)
	require.NoError(t, err)
	return a
}
