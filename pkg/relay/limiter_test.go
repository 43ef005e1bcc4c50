package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnLimiter(t *testing.T) {
	l := NewConnLimiter(2)
	ip := "192.168.1.1"

	require.True(t, l.Acquire(ip))
	require.True(t, l.Acquire(ip))
	require.False(t, l.Acquire(ip), "third circuit from the same IP")
	require.True(t, l.Acquire("192.168.1.2"))

	l.Release(ip)
	require.True(t, l.Acquire(ip))

	l.Release(ip)
	l.Release(ip)
	l.Release(ip)
	require.Empty(t, l.connections)
}

func TestConnLimiterDisabled(t *testing.T) {
	l := NewConnLimiter(0)
	for range 100 {
		require.True(t, l.Acquire("10.0.0.1"))
	}
}

func TestHandshakeLimiterPerIP(t *testing.T) {
	l := NewHandshakeLimiter(0, 0, 0.001, 2)

	for range 2 {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok)
	}
	ok, global := l.Allow("10.0.0.1")
	require.False(t, ok)
	assert.False(t, global)

	ok, _ = l.Allow("10.0.0.2")
	require.True(t, ok, "other sources keep their own bucket")
}

func TestHandshakeLimiterGlobal(t *testing.T) {
	l := NewHandshakeLimiter(0.001, 3, 0, 0)
	for i := range 3 {
		ok, _ := l.Allow("10.0.0." + string(rune('1'+i)))
		require.True(t, ok)
	}
	ok, global := l.Allow("10.0.0.9")
	require.False(t, ok)
	assert.True(t, global)
}

func TestHandshakeLimiterDisabled(t *testing.T) {
	l := NewHandshakeLimiter(0, 0, 0, 0)
	for range 1000 {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok)
	}
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "127.0.0.1", hostOf("127.0.0.1:4433"))
	assert.Equal(t, "::1", hostOf("[::1]:4433"))
	assert.Equal(t, "relay-a", hostOf("relay-a"))
}
