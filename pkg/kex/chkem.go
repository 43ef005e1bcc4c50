package kex

import (
	"crypto/ecdh"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

// chkem is the Cascaded Hybrid KEM: an X25519 exchange and an ML-KEM-1024
// encapsulation whose secrets are combined with SHAKE-256. The result stays
// secure while either component is unbroken.
//
//	pk = x25519_pk || mlkem_pk
//	ct = x25519_ephemeral || mlkem_ct
//	ss = SHAKE-256(ss_x25519 || ss_mlkem || H(pk || ct))
type chkem struct{}

// chkemPrivate holds the raw X25519 scalar and the ML-KEM key seed. Both
// are expanded again for each decapsulation.
type chkemPrivate struct {
	x25519    []byte
	mlkemSeed []byte
	public    []byte
}

func (p *chkemPrivate) zeroize() {
	crypto.ZeroizeMultiple(p.x25519, p.mlkemSeed, p.public)
	p.x25519, p.mlkemSeed, p.public = nil, nil, nil
}

func (chkem) Algorithm() Algorithm { return AlgorithmCHKEM }

func (c chkem) GenerateKeyPair() (PublicKey, *PrivateKey, error) {
	xsk, err := ecdh.X25519().GenerateKey(crypto.Reader)
	if err != nil {
		return nil, nil, c.fail("generate", qerrors.ErrKeyGenerationFailed)
	}

	mseed, err := crypto.SecureRandomBytes(mlkem1024.KeySeedSize)
	if err != nil {
		return nil, nil, c.fail("generate", qerrors.ErrKeyGenerationFailed)
	}
	mpk, _ := mlkem1024.NewKeyFromSeed(mseed)

	pub := make([]byte, constants.CHKEMPublicKeySize)
	copy(pub, xsk.PublicKey().Bytes())
	mpk.Pack(pub[constants.X25519PublicKeySize:])

	sk := &PrivateKey{
		alg:   AlgorithmCHKEM,
		inner: &chkemPrivate{x25519: xsk.Bytes(), mlkemSeed: mseed, public: append([]byte(nil), pub...)},
	}
	return pub, sk, nil
}

func (c chkem) Encapsulate(peer PublicKey) (Ciphertext, []byte, error) {
	if len(peer) != constants.CHKEMPublicKeySize {
		return nil, nil, c.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}

	xpk, err := ecdh.X25519().NewPublicKey(peer[:constants.X25519PublicKeySize])
	if err != nil {
		return nil, nil, c.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}
	var mpk mlkem1024.PublicKey
	if err := mpk.Unpack(peer[constants.X25519PublicKeySize:]); err != nil {
		return nil, nil, c.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}

	eph, err := ecdh.X25519().GenerateKey(crypto.Reader)
	if err != nil {
		return nil, nil, c.fail("encapsulate", qerrors.ErrEncapsulationFailed)
	}
	xss, err := eph.ECDH(xpk)
	if err != nil {
		return nil, nil, c.fail("encapsulate", qerrors.ErrInvalidPublicKey)
	}

	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if err := crypto.SecureRandom(seed); err != nil {
		return nil, nil, c.fail("encapsulate", qerrors.ErrEncapsulationFailed)
	}
	ct := make([]byte, constants.CHKEMCiphertextSize)
	copy(ct, eph.PublicKey().Bytes())
	mss := make([]byte, mlkem1024.SharedKeySize)
	mpk.EncapsulateTo(ct[constants.X25519PublicKeySize:], mss, seed)
	crypto.Zeroize(seed)

	ss, err := crypto.DeriveCHKEMSecret(xss, mss, crypto.TranscriptHash(peer, ct))
	crypto.ZeroizeMultiple(xss, mss)
	if err != nil {
		return nil, nil, c.fail("encapsulate", err)
	}
	return ct, ss, nil
}

func (c chkem) Decapsulate(ct Ciphertext, sk *PrivateKey) ([]byte, error) {
	if err := checkPrivate(AlgorithmCHKEM, sk); err != nil {
		return nil, err
	}
	if len(ct) != constants.CHKEMCiphertextSize {
		return nil, c.fail("decapsulate", qerrors.ErrInvalidCiphertext)
	}
	priv := sk.inner.(*chkemPrivate)

	eph, err := ecdh.X25519().NewPublicKey(ct[:constants.X25519PublicKeySize])
	if err != nil {
		return nil, c.fail("decapsulate", qerrors.ErrInvalidCiphertext)
	}
	xsk, err := ecdh.X25519().NewPrivateKey(priv.x25519)
	if err != nil {
		return nil, c.fail("decapsulate", qerrors.ErrInvalidPrivateKey)
	}
	xss, err := xsk.ECDH(eph)
	if err != nil {
		return nil, c.fail("decapsulate", qerrors.ErrDecapsulationFailed)
	}

	_, msk := mlkem1024.NewKeyFromSeed(priv.mlkemSeed)
	mss := make([]byte, mlkem1024.SharedKeySize)
	msk.DecapsulateTo(mss, ct[constants.X25519PublicKeySize:])

	ss, err := crypto.DeriveCHKEMSecret(xss, mss, crypto.TranscriptHash(priv.public, ct))
	crypto.ZeroizeMultiple(xss, mss)
	if err != nil {
		return nil, c.fail("decapsulate", err)
	}
	return ss, nil
}

func (chkem) fail(op string, err error) error {
	return qerrors.NewKeyExchangeError(string(AlgorithmCHKEM), op, err)
}
