package metrics

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/kex"
)

// Span names.
const (
	SpanConnect            = "pqtunnel.connect"
	SpanHandshakeInitiator = "pqtunnel.handshake.initiator"
	SpanHandshakeResponder = "pqtunnel.handshake.responder"
	SpanRekey              = "pqtunnel.rekey"
)

// Span attribute keys.
const (
	AttrTunnelID  = "pqtunnel.tunnel.id"
	AttrHop       = "pqtunnel.hop"
	AttrCircuit   = "pqtunnel.circuit"
	AttrEpoch     = "pqtunnel.epoch"
	AttrAlgorithm = "pqtunnel.kex.algorithm"
	AttrSuite     = "pqtunnel.cipher_suite"
)

// Attr is a span attribute. Values are strings or int64.
type Attr struct {
	Key   string
	Value any
}

// TunnelAttr identifies the tunnel a span belongs to.
func TunnelAttr(id uuid.UUID) Attr { return Attr{AttrTunnelID, id.String()} }

// HopAttr is the hop index, 0 for the entry relay.
func HopAttr(hop int) Attr { return Attr{AttrHop, int64(hop)} }

// CircuitAttr is the remote address of a relay circuit.
func CircuitAttr(remote string) Attr { return Attr{AttrCircuit, remote} }

// EpochAttr is the key epoch a rekey moves to.
func EpochAttr(epoch uint32) Attr { return Attr{AttrEpoch, int64(epoch)} }

// AlgorithmAttr is the key exchange algorithm.
func AlgorithmAttr(alg kex.Algorithm) Attr { return Attr{AttrAlgorithm, alg.String()} }

// SuiteAttr is the negotiated record cipher.
func SuiteAttr(cs constants.CipherSuite) Attr { return Attr{AttrSuite, cs.String()} }

// Tracer starts spans. OTelTracer exports them, RecordingTracer keeps them
// in memory and NoOpTracer drops them.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder ends a span. A non-nil err marks it failed. attrs are added
// before the span ends, for values only known once the operation is over.
type SpanEnder func(err error, attrs ...Attr)

// SpanOption configures a span at start.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind  SpanKind
	attrs []Attr
}

func newSpanConfig(opts []SpanOption) spanConfig {
	var cfg spanConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SpanKind is the role of a span in a trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// WithSpanKind sets the span kind. Default: SpanKindInternal.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttrs adds attributes at span start.
func WithAttrs(attrs ...Attr) SpanOption {
	return func(c *spanConfig) { c.attrs = append(c.attrs, attrs...) }
}

// NoOpTracer drops every span.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error, ...Attr) {}
}

// RecordedSpan is a finished span kept by a RecordingTracer.
type RecordedSpan struct {
	Name     string
	Kind     SpanKind
	ID       uuid.UUID
	Parent   uuid.UUID // uuid.Nil for a root span
	Start    time.Time
	Duration time.Duration
	Err      error
	Attrs    map[string]any
}

// Tunnel returns the tunnel id attribute, or "".
func (s RecordedSpan) Tunnel() string {
	v, _ := s.Attrs[AttrTunnelID].(string)
	return v
}

// Int returns an integer attribute such as AttrHop or AttrEpoch.
func (s RecordedSpan) Int(key string) (int64, bool) {
	v, ok := s.Attrs[key].(int64)
	return v, ok
}

// RecordingTracer keeps finished spans in memory, in the order they end.
type RecordingTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// NewRecordingTracer creates an empty RecordingTracer.
func NewRecordingTracer() *RecordingTracer {
	return &RecordingTracer{}
}

type parentKey struct{}

func (t *RecordingTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	span := RecordedSpan{
		Name:  name,
		Kind:  cfg.kind,
		ID:    uuid.New(),
		Start: time.Now(),
		Attrs: make(map[string]any, len(cfg.attrs)),
	}
	if parent, ok := ctx.Value(parentKey{}).(uuid.UUID); ok {
		span.Parent = parent
	}
	for _, a := range cfg.attrs {
		span.Attrs[a.Key] = a.Value
	}

	var once sync.Once
	return context.WithValue(ctx, parentKey{}, span.ID), func(err error, attrs ...Attr) {
		once.Do(func() {
			done := span
			done.Attrs = maps.Clone(span.Attrs)
			for _, a := range attrs {
				done.Attrs[a.Key] = a.Value
			}
			done.Duration = time.Since(done.Start)
			done.Err = err

			t.mu.Lock()
			t.spans = append(t.spans, done)
			t.mu.Unlock()
		})
	}
}

// Spans returns every finished span.
func (t *RecordingTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedSpan(nil), t.spans...)
}

// Named returns the finished spans called name.
func (t *RecordingTracer) Named(name string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range t.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops every recorded span.
func (t *RecordingTracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = nil
}

var (
	globalTracer   Tracer = NoOpTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer sets the global tracer.
func SetTracer(t Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}
