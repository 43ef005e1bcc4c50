package tunnel

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is the diagnostic trace of a tunnel that has ended. It never holds
// key material.
type Record struct {
	ID            ID
	Config        Config
	Hops          []string
	State         State
	Err           error
	CreatedAt     time.Time
	EstablishedAt time.Time
	EndedAt       time.Time
	Stats         Stats
}

// history keeps the most recent terminal tunnels.
type history struct {
	cache *lru.Cache[ID, Record]
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 1
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[ID, Record](size)
	return &history{cache: cache}
}

func (h *history) add(r Record) {
	h.cache.Add(r.ID, r)
}

func (h *history) get(id ID) (Record, bool) {
	return h.cache.Peek(id)
}

func (h *history) contains(id ID) bool {
	return h.cache.Contains(id)
}

// records returns the retained records, oldest first.
func (h *history) records() []Record {
	keys := h.cache.Keys()
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := h.cache.Peek(k); ok {
			out = append(out, r)
		}
	}
	return out
}
