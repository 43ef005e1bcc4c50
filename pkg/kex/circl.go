package kex

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/kem/xwing"

	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

// schemePrimitive adapts a circl kem.Scheme to Primitive.
type schemePrimitive struct {
	alg    Algorithm
	scheme kem.Scheme
}

// schemePrivate holds only the key seed. The expanded key is rebuilt for
// each decapsulation.
type schemePrivate struct {
	seed []byte
}

func (p *schemePrivate) zeroize() {
	crypto.Zeroize(p.seed)
	p.seed = nil
}

func newSchemePrimitive(alg Algorithm, scheme kem.Scheme) Primitive {
	return &schemePrimitive{alg: alg, scheme: scheme}
}

// MLKEM768 returns the ML-KEM-768 primitive.
func MLKEM768() Primitive { return newSchemePrimitive(AlgorithmMLKEM768, mlkem768.Scheme()) }

// MLKEM1024 returns the ML-KEM-1024 primitive.
func MLKEM1024() Primitive { return newSchemePrimitive(AlgorithmMLKEM1024, mlkem1024.Scheme()) }

// XWing returns the X-Wing hybrid primitive.
func XWing() Primitive { return newSchemePrimitive(AlgorithmXWing, xwing.Scheme()) }

func (s *schemePrimitive) Algorithm() Algorithm { return s.alg }

func (s *schemePrimitive) GenerateKeyPair() (PublicKey, *PrivateKey, error) {
	seed, err := crypto.SecureRandomBytes(s.scheme.SeedSize())
	if err != nil {
		return nil, nil, s.fail("generate", qerrors.ErrKeyGenerationFailed)
	}
	pk, _ := s.scheme.DeriveKeyPair(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		crypto.Zeroize(seed)
		return nil, nil, s.fail("generate", qerrors.ErrKeyGenerationFailed)
	}
	return pub, &PrivateKey{alg: s.alg, inner: &schemePrivate{seed: seed}}, nil
}

func (s *schemePrimitive) Encapsulate(peer PublicKey) (Ciphertext, []byte, error) {
	if len(peer) != s.scheme.PublicKeySize() {
		return nil, nil, s.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}
	pk, err := s.scheme.UnmarshalBinaryPublicKey(peer)
	if err != nil {
		return nil, nil, s.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}
	ct, ss, err := s.scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, s.fail("encapsulate", qerrors.ErrEncapsulationFailed)
	}
	return ct, ss, nil
}

func (s *schemePrimitive) Decapsulate(ct Ciphertext, sk *PrivateKey) ([]byte, error) {
	if err := checkPrivate(s.alg, sk); err != nil {
		return nil, err
	}
	if len(ct) != s.scheme.CiphertextSize() {
		return nil, s.fail("decapsulate", qerrors.ErrInvalidCiphertext)
	}
	_, key := s.scheme.DeriveKeyPair(sk.inner.(*schemePrivate).seed)
	ss, err := s.scheme.Decapsulate(key, ct)
	if err != nil {
		return nil, s.fail("decapsulate", qerrors.ErrDecapsulationFailed)
	}
	return ss, nil
}

func (s *schemePrimitive) fail(op string, err error) error {
	return qerrors.NewKeyExchangeError(string(s.alg), op, err)
}
