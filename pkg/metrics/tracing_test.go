package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/pqtunnel/internal/constants"
	"github.com/pzverkov/pqtunnel/pkg/kex"
)

func TestNoOpTracer(t *testing.T) {
	ctx := context.Background()
	got, end := NoOpTracer{}.StartSpan(ctx, SpanConnect, WithAttrs(HopAttr(1)))
	assert.Equal(t, ctx, got)
	end(nil)
	end(errors.New("refused"), EpochAttr(2))
}

func TestOTelTracerWithoutProvider(t *testing.T) {
	tracer := NewOTelTracer("")
	_, end := tracer.StartSpan(context.Background(), SpanHandshakeResponder,
		WithSpanKind(SpanKindServer),
		WithAttrs(CircuitAttr("10.0.0.2:5000")))
	end(nil, HopAttr(1), AlgorithmAttr(kex.AlgorithmCHKEM), SuiteAttr(constants.CipherSuiteAES256GCM))
}

func TestRecordingTracerAttributes(t *testing.T) {
	tracer := NewRecordingTracer()
	id := uuid.New()
	_, end := tracer.StartSpan(context.Background(), SpanRekey,
		WithSpanKind(SpanKindClient),
		WithAttrs(TunnelAttr(id), EpochAttr(3)))
	time.Sleep(5 * time.Millisecond)
	boom := errors.New("rekey failed")
	end(boom, HopAttr(2))
	end(nil)

	spans := tracer.Spans()
	require.Len(t, spans, 1, "a span ends once")
	span := spans[0]
	assert.Equal(t, SpanRekey, span.Name)
	assert.Equal(t, SpanKindClient, span.Kind)
	assert.GreaterOrEqual(t, span.Duration, 5*time.Millisecond)
	assert.Equal(t, boom, span.Err)
	assert.Equal(t, id.String(), span.Tunnel())
	epoch, ok := span.Int(AttrEpoch)
	require.True(t, ok)
	assert.EqualValues(t, 3, epoch)
	hop, ok := span.Int(AttrHop)
	require.True(t, ok, "attributes passed at end are recorded")
	assert.EqualValues(t, 2, hop)
	_, ok = span.Int(AttrCircuit)
	assert.False(t, ok)

	tracer.Reset()
	assert.Empty(t, tracer.Spans())
}

func TestRecordingTracerNesting(t *testing.T) {
	tracer := NewRecordingTracer()
	ctx, endConnect := tracer.StartSpan(context.Background(), SpanConnect)
	_, endHop := tracer.StartSpan(ctx, SpanHandshakeInitiator, WithAttrs(HopAttr(0)))
	endHop(nil)
	endConnect(nil)

	spans := tracer.Spans()
	require.Len(t, spans, 2)
	hop, connect := spans[0], spans[1]
	assert.Equal(t, connect.ID, hop.Parent)
	assert.Equal(t, uuid.Nil, connect.Parent)
	assert.Len(t, tracer.Named(SpanHandshakeInitiator), 1)
	assert.Empty(t, tracer.Named(SpanRekey))
}

func TestGlobalTracer(t *testing.T) {
	_, ok := GetTracer().(NoOpTracer)
	require.True(t, ok, "default tracer is a no-op")

	rec := NewRecordingTracer()
	SetTracer(rec)
	t.Cleanup(func() { SetTracer(NoOpTracer{}) })

	_, end := GetTracer().StartSpan(context.Background(), SpanConnect)
	end(nil)
	assert.Len(t, rec.Spans(), 1)
}

func TestRecordingTracerConcurrency(t *testing.T) {
	tracer := NewRecordingTracer()
	var wg sync.WaitGroup
	for hop := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, end := tracer.StartSpan(context.Background(), SpanHandshakeInitiator, WithAttrs(HopAttr(hop)))
				end(nil)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, tracer.Named(SpanHandshakeInitiator), 1000)
}
