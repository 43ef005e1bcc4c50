package relay

import (
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the number of per-IP token buckets kept in memory.
const maxTrackedIPs = 4096

// ConnLimiter caps concurrent circuits per source IP.
type ConnLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxPerIP    int
}

// NewConnLimiter creates a limiter. maxPerIP <= 0 disables it.
func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// Acquire reserves a slot for ip.
func (l *ConnLimiter) Acquire(ip string) bool {
	if l.maxPerIP <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[ip] >= l.maxPerIP {
		return false
	}
	l.connections[ip]++
	return true
}

// Release frees a slot reserved by Acquire.
func (l *ConnLimiter) Release(ip string) {
	if l.maxPerIP <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[ip] > 0 {
		l.connections[ip]--
		if l.connections[ip] == 0 {
			delete(l.connections, ip)
		}
	}
}

// HandshakeLimiter applies a global token bucket and one bucket per source IP
// to incoming hop handshakes.
type HandshakeLimiter struct {
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int
	perIP      *lru.Cache[string, *rate.Limiter]
	mu         sync.Mutex
}

// NewHandshakeLimiter creates a limiter. A rate <= 0 disables that bucket.
func NewHandshakeLimiter(globalRate float64, globalBurst int, perIPRate float64, perIPBurst int) *HandshakeLimiter {
	l := &HandshakeLimiter{}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), max(globalBurst, 1))
	}
	if perIPRate > 0 {
		l.perIPRate = rate.Limit(perIPRate)
		l.perIPBurst = max(perIPBurst, 1)
		// Only fails for a non-positive size.
		l.perIP, _ = lru.New[string, *rate.Limiter](maxTrackedIPs)
	}
	return l
}

// Allow reports whether a handshake from ip may start now. global reports
// which bucket refused it.
func (l *HandshakeLimiter) Allow(ip string) (ok, global bool) {
	if l.perIP != nil && !l.bucket(ip).Allow() {
		return false, false
	}
	if l.global != nil && !l.global.Allow() {
		return false, true
	}
	return true, false
}

func (l *HandshakeLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.perIP.Get(ip); ok {
		return b
	}
	b := rate.NewLimiter(l.perIPRate, l.perIPBurst)
	l.perIP.Add(ip, b)
	return b
}

// hostOf strips the port from a remote address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
