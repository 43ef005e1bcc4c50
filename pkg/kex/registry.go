package kex

import (
	"slices"
	"sync"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// Registry maps algorithm selectors to primitives. Tunnel configuration only
// carries the selector, so new primitives can be registered without touching
// the tunnel manager.
type Registry struct {
	mu         sync.RWMutex
	primitives map[Algorithm]Primitive
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{primitives: make(map[Algorithm]Primitive)}
}

// NewDefaultRegistry returns a registry holding every built-in primitive.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(chkem{})
	r.Register(MLKEM768())
	r.Register(MLKEM1024())
	r.Register(XWing())
	return r
}

var defaultRegistry = NewDefaultRegistry()

// Register adds or replaces a primitive.
func (r *Registry) Register(p Primitive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primitives[p.Algorithm()] = p
}

// Lookup returns the primitive for alg.
func (r *Registry) Lookup(alg Algorithm) (Primitive, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	r.mu.RLock()
	p, ok := r.primitives[alg]
	r.mu.RUnlock()
	if !ok {
		return nil, qerrors.NewKeyExchangeError(string(alg), "lookup", qerrors.ErrUnknownAlgorithm)
	}
	return p, nil
}

// Algorithms lists the registered selectors in sorted order.
func (r *Registry) Algorithms() []Algorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	algs := make([]Algorithm, 0, len(r.primitives))
	for alg := range r.primitives {
		algs = append(algs, alg)
	}
	slices.Sort(algs)
	return algs
}

// Default returns the process-wide registry of built-in primitives.
func Default() *Registry {
	return defaultRegistry
}

// Lookup resolves alg in the default registry.
func Lookup(alg Algorithm) (Primitive, error) {
	return defaultRegistry.Lookup(alg)
}

// CHKEM returns the X25519 + ML-KEM-1024 primitive.
func CHKEM() Primitive {
	return chkem{}
}
