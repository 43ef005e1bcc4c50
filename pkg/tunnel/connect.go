package tunnel

import (
	"context"
	"errors"
	"fmt"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/kex"
	"github.com/pzverkov/pqtunnel/pkg/path"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
	"github.com/pzverkov/pqtunnel/pkg/transport"
)

// errDisconnectRequested is the cancel cause set by Disconnect while a
// handshake or rekey is in flight.
var errDisconnectRequested = errors.New("tunnel: disconnect requested")

// negotiate composes a path and keys every hop, outermost first. Hop i+1 is
// reached through an Extend sent over hop i, and its handshake runs inside
// hop i's channel. On failure everything opened so far is closed.
func (m *Manager) negotiate(ctx context.Context, t *Tunnel) ([]*hop, error) {
	relays, err := m.composer.Compose(t.cfg.Policy)
	if err != nil {
		return nil, err
	}
	prim, err := m.registry.Lookup(t.cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	entry, err := m.dialer.Open(ctx, relays[0].Endpoint)
	if err != nil {
		return nil, err
	}

	hops := make([]*hop, 0, len(relays))
	abort := func() {
		if len(hops) == 0 {
			_ = entry.Close()
			return
		}
		// Closing the innermost channel cascades outward.
		_ = hops[len(hops)-1].ch.Close()
	}

	for i, relay := range relays {
		stream := entry
		if i > 0 {
			prev := hops[i-1].ch
			if err := m.extend(ctx, prev, protocol.ExtendRelay, relay.Endpoint); err != nil {
				abort()
				return nil, err
			}
			stream = prev.Stream()
		}
		ch, err := m.handshake(ctx, t, prim, relay, i, stream)
		if err != nil {
			abort()
			return nil, err
		}
		hops = append(hops, &hop{index: i, relay: relay, ch: ch})
	}

	if err := m.extend(ctx, hops[len(hops)-1].ch, protocol.ExtendExit, t.cfg.Target); err != nil {
		abort()
		return nil, err
	}
	return hops, nil
}

func (m *Manager) handshake(ctx context.Context, t *Tunnel, prim kex.Primitive, relay path.Candidate, index int, stream transport.ByteStream) (*channel.Channel, error) {
	hctx, end := m.observer.OnHandshakeStart(ctx, t.id, index, prim.Algorithm())
	ch, err := channel.Initiate(hctx, stream, channel.InitiatorConfig{
		Primitive:    prim,
		CipherSuites: t.cfg.CipherSuites,
		Hop:          uint8(index),
		KeyLifetime:  t.cfg.RekeyInterval,
		Now:          m.now,
	})
	end(err)
	if err != nil {
		var kerr *qerrors.KeyExchangeError
		if !errors.As(err, &kerr) {
			err = fmt.Errorf("hop %d (%s): %w", index, relay.ID, err)
		}
		return nil, err
	}
	return ch, nil
}

// extend asks the relay at the end of ch to connect onward and waits for
// its answer.
func (m *Manager) extend(ctx context.Context, ch *channel.Channel, kind protocol.ExtendKind, endpoint string) error {
	body, err := m.codec.EncodeExtend(&protocol.Extend{Kind: kind, Endpoint: endpoint})
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, protocol.ContentExtend, body); err != nil {
		return err
	}
	ct, reply, err := ch.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	if ct != protocol.ContentExtended {
		return qerrors.NewProtocolError("extend", qerrors.ErrUnexpectedMessage)
	}
	ext, err := m.codec.DecodeExtended(reply)
	if err != nil {
		return qerrors.NewProtocolError("extend", err)
	}
	if ext.Status != protocol.ExtendOK {
		return fmt.Errorf("%w: %s %s: %s", qerrors.ErrExtendRejected, kind, endpoint, ext.Reason)
	}
	return nil
}

// classify maps a failed Connect or Rekey to the TunnelError kind.
func classify(ctx context.Context, err error) error {
	var perr *qerrors.PathError
	switch {
	case errors.Is(context.Cause(ctx), errDisconnectRequested):
		return qerrors.ErrCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return qerrors.ErrTimeout
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return qerrors.ErrCanceled
	case errors.As(err, &perr):
		return nil
	default:
		return qerrors.ErrHandshakeFailed
	}
}
