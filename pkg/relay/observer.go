package relay

import (
	"context"

	"github.com/pzverkov/pqtunnel/pkg/channel"
	"github.com/pzverkov/pqtunnel/pkg/protocol"
)

// Observer receives relay events. Callbacks run on circuit goroutines.
type Observer interface {
	// OnConnectionRateLimit is called when a stream is refused by the per-IP circuit cap.
	OnConnectionRateLimit(remoteIP string)
	// OnHandshakeRateLimit is called when a handshake is refused by a token bucket.
	OnHandshakeRateLimit(remoteIP string)
	// OnHandshakeStart is called when a circuit's handshake begins. The
	// returned func receives the channel, or nil and the error.
	OnHandshakeStart(ctx context.Context, remote string) (context.Context, func(*channel.Channel, error))
	OnExtend(kind protocol.ExtendKind, endpoint string, err error)
	OnCircuitClosed(remote string, stats channel.Stats, err error)
}

type nopObserver struct{}

func (nopObserver) OnConnectionRateLimit(string) {}
func (nopObserver) OnHandshakeRateLimit(string) {}
func (nopObserver) OnHandshakeStart(ctx context.Context, _ string) (context.Context, func(*channel.Channel, error)) {
	return ctx, func(*channel.Channel, error) {}
}
func (nopObserver) OnExtend(protocol.ExtendKind, string, error) {}
func (nopObserver) OnCircuitClosed(string, channel.Stats, error) {}
