package tunnel

import (
	"context"

	"github.com/pzverkov/pqtunnel/pkg/kex"
)

// Observer provides hooks for tunnel lifecycle, metrics, and tracing.
// Implementations should be lightweight; callbacks may run on hot paths and
// while a tunnel's state lock is held, so they must not call back into the
// Manager.
type Observer interface {
	OnCreated(id ID, cfg Config)
	OnStateChange(id ID, from, to State)
	OnConnectStart(ctx context.Context, id ID) (context.Context, func(error))
	OnHandshakeStart(ctx context.Context, id ID, hop int, alg kex.Algorithm) (context.Context, func(error))
	// OnRekeyStart is called before every hop of a tunnel moves to epoch.
	OnRekeyStart(ctx context.Context, id ID, epoch uint32) (context.Context, func(error))
	OnSecurityEvent(id ID, err error)
	OnTraffic(id ID, sent, received int)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnCreated(ID, Config) {}
func (NopObserver) OnStateChange(ID, State, State) {}

func (NopObserver) OnConnectStart(ctx context.Context, _ ID) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NopObserver) OnHandshakeStart(ctx context.Context, _ ID, _ int, _ kex.Algorithm) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NopObserver) OnRekeyStart(ctx context.Context, _ ID, _ uint32) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (NopObserver) OnSecurityEvent(ID, error) {}
func (NopObserver) OnTraffic(ID, int, int) {}
