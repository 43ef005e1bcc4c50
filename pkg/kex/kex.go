// Package kex is the key exchange module of the tunnel engine.
//
// It consumes post-quantum KEMs as a capability (generate, encapsulate,
// decapsulate), selected by an Algorithm string carried in tunnel
// configuration, and binds every shared secret to the circuit, hop and epoch
// it was negotiated for. Private keys are opaque outside this package. They
// hold only seeds or raw scalars, which are zeroized as soon as the shared
// secret has been recovered; the expanded keys the KEM libraries build during
// decapsulation are temporaries left to the garbage collector.
package kex

import (
	"strings"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// Algorithm selects a key encapsulation mechanism.
type Algorithm string

const (
	// AlgorithmCHKEM combines X25519 and ML-KEM-1024 (default).
	AlgorithmCHKEM Algorithm = "ch-kem-1024"

	// AlgorithmMLKEM768 is FIPS 203 ML-KEM-768.
	AlgorithmMLKEM768 Algorithm = "ml-kem-768"

	// AlgorithmMLKEM1024 is FIPS 203 ML-KEM-1024.
	AlgorithmMLKEM1024 Algorithm = "ml-kem-1024"

	// AlgorithmXWing is the X-Wing hybrid (X25519 + ML-KEM-768).
	AlgorithmXWing Algorithm = "x-wing"

	// DefaultAlgorithm is used when a config leaves the selector empty.
	DefaultAlgorithm = AlgorithmCHKEM
)

// ParseAlgorithm normalizes a selector string.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultAlgorithm, nil
	}
	alg := Algorithm(s)
	if _, err := Lookup(alg); err != nil {
		return "", err
	}
	return alg, nil
}

func (a Algorithm) String() string {
	return string(a)
}

// PublicKey is the serialized public key of a KEM keypair.
type PublicKey []byte

// Ciphertext is the serialized output of Encapsulate.
type Ciphertext []byte

// Primitive is the capability a KEM offers to the tunnel engine.
type Primitive interface {
	Algorithm() Algorithm
	GenerateKeyPair() (PublicKey, *PrivateKey, error)
	Encapsulate(peer PublicKey) (Ciphertext, []byte, error)
	Decapsulate(ct Ciphertext, sk *PrivateKey) ([]byte, error)
}

// PrivateKey is an opaque decapsulation key. Its contents are only reachable
// from the primitive that generated it.
type PrivateKey struct {
	alg   Algorithm
	inner privateKey
}

type privateKey interface {
	zeroize()
}

// Algorithm returns the algorithm the key belongs to.
func (k *PrivateKey) Algorithm() Algorithm {
	if k == nil {
		return ""
	}
	return k.alg
}

// Zeroize wipes the key's seed material. Further use fails with
// ErrInvalidPrivateKey.
func (k *PrivateKey) Zeroize() {
	if k == nil || k.inner == nil {
		return
	}
	k.inner.zeroize()
	k.inner = nil
}

// Valid reports whether the key is still usable.
func (k *PrivateKey) Valid() bool {
	return k != nil && k.inner != nil
}

// String never prints key material.
func (k *PrivateKey) String() string {
	return "kex.PrivateKey(" + string(k.Algorithm()) + ")"
}

func checkPrivate(alg Algorithm, sk *PrivateKey) error {
	if !sk.Valid() {
		return qerrors.NewKeyExchangeError(string(alg), "decapsulate", qerrors.ErrInvalidPrivateKey)
	}
	if sk.alg != alg {
		return qerrors.NewKeyExchangeError(string(alg), "decapsulate", qerrors.ErrAlgorithmMismatch)
	}
	return nil
}
