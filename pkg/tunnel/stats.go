package tunnel

import (
	"sync/atomic"
	"time"
)

// Stats summarizes the traffic of one tunnel.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	// Blocked counts payloads refused by the leak guard.
	Blocked uint64
	Rekeys  uint64
	// Uptime is the time spent established, up to now or to the end.
	Uptime time.Duration
}

// counters collects per-tunnel statistics.
// All fields use atomic operations for thread safety.
type counters struct {
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	blocked     atomic.Uint64
	rekeys      atomic.Uint64
}

func (c *counters) recordSend(n int) {
	c.bytesSent.Add(uint64(n))
	c.packetsSent.Add(1)
}

func (c *counters) recordReceive(n int) {
	c.bytesRecv.Add(uint64(n))
	c.packetsRecv.Add(1)
}

func (c *counters) snapshot(uptime time.Duration) Stats {
	return Stats{
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesRecv.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsRecv.Load(),
		Blocked:         c.blocked.Load(),
		Rekeys:          c.rekeys.Load(),
		Uptime:          max(uptime, 0),
	}
}
