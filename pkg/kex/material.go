package kex

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

// ContextInfo identifies the channel a session key belongs to. Every hop of a
// tunnel uses its own random circuit ID and hop index, and every rekey bumps
// the epoch, so no two channels ever derive from the same context.
type ContextInfo struct {
	CircuitID  [constants.CircuitIDSize]byte
	Hop        uint8
	Epoch      uint32
	Transcript []byte
}

// Encode returns the unambiguous byte form fed to the KDF.
func (c ContextInfo) Encode() []byte {
	buf := make([]byte, 0, len(constants.ProtocolName)+constants.CircuitIDSize+1+4+4+len(c.Transcript)+2)
	buf = append(buf, byte(len(constants.ProtocolName)))
	buf = append(buf, constants.ProtocolName...)
	buf = append(buf, c.CircuitID[:]...)
	buf = append(buf, c.Hop)
	buf = binary.BigEndian.AppendUint32(buf, c.Epoch)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Transcript)))
	buf = append(buf, c.Transcript...)
	return buf
}

// DeriveSessionKey binds a shared secret to a channel context.
func DeriveSessionKey(sharedSecret []byte, info ContextInfo) ([]byte, error) {
	key, err := crypto.DeriveSessionKey(sharedSecret, info.Encode())
	if err != nil {
		return nil, qerrors.NewKeyExchangeError("", "derive", err)
	}
	return key, nil
}

// KeyMaterial is the key state of one hop for one epoch.
//
// LocalPublic and PeerPublic hold the public KEM contributions of each side
// (a public key for the initiator, a ciphertext for the responder). The
// session key is only reachable through SessionKey and is wiped by Zeroize.
type KeyMaterial struct {
	Algorithm   Algorithm
	LocalPublic []byte
	PeerPublic  []byte
	Epoch       uint32
	CreatedAt   time.Time
	ExpiresAt   time.Time

	sessionKey []byte
}

// SessionKey returns a copy of the derived symmetric key.
func (m *KeyMaterial) SessionKey() []byte {
	if m == nil || m.sessionKey == nil {
		return nil
	}
	return append([]byte(nil), m.sessionKey...)
}

// Zeroize wipes the session key.
func (m *KeyMaterial) Zeroize() {
	if m == nil {
		return
	}
	crypto.Zeroize(m.sessionKey)
	m.sessionKey = nil
}

// Wiped reports whether the session key has been destroyed.
func (m *KeyMaterial) Wiped() bool {
	return m == nil || m.sessionKey == nil
}

// Expired reports whether the key has outlived its lifetime.
func (m *KeyMaterial) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Fingerprint identifies the exchange by its public contributions only.
func (m *KeyMaterial) Fingerprint() string {
	h := crypto.TranscriptHash([]byte(m.Algorithm), m.LocalPublic, m.PeerPublic)
	return hex.EncodeToString(h[:8])
}

func newKeyMaterial(alg Algorithm, local, peer, secret []byte, info ContextInfo, lifetime time.Duration, now time.Time) (*KeyMaterial, error) {
	key, err := DeriveSessionKey(secret, info)
	if err != nil {
		return nil, err
	}
	m := &KeyMaterial{
		Algorithm:   alg,
		LocalPublic: append([]byte(nil), local...),
		PeerPublic:  append([]byte(nil), peer...),
		Epoch:       info.Epoch,
		CreatedAt:   now,
		sessionKey:  key,
	}
	if lifetime > 0 {
		m.ExpiresAt = now.Add(lifetime)
	}
	return m, nil
}

// Initiator is the side of one exchange that generates the ephemeral keypair.
type Initiator struct {
	prim Primitive
	pub  PublicKey
	priv *PrivateKey
}

// NewInitiator generates a fresh keypair for one exchange.
func NewInitiator(p Primitive) (*Initiator, error) {
	pub, priv, err := p.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Initiator{prim: p, pub: pub, priv: priv}, nil
}

// PublicKey returns the public key to send to the responder.
func (i *Initiator) PublicKey() PublicKey {
	return i.pub
}

// Finish decapsulates the responder's ciphertext and derives the session key
// for info. The private key is destroyed whether or not Finish succeeds.
func (i *Initiator) Finish(ct Ciphertext, info ContextInfo, lifetime time.Duration, now time.Time) (*KeyMaterial, error) {
	defer i.Abort()

	secret, err := i.prim.Decapsulate(ct, i.priv)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(secret)

	return newKeyMaterial(i.prim.Algorithm(), i.pub, ct, secret, info, lifetime, now)
}

// Abort destroys the private key without deriving anything.
func (i *Initiator) Abort() {
	i.priv.Zeroize()
}

// Responder is the side of one exchange that encapsulates to the initiator.
type Responder struct {
	prim   Primitive
	peer   PublicKey
	ct     Ciphertext
	secret []byte
}

// NewResponder encapsulates a fresh secret to peer.
func NewResponder(p Primitive, peer PublicKey) (*Responder, error) {
	ct, secret, err := p.Encapsulate(peer)
	if err != nil {
		return nil, err
	}
	return &Responder{prim: p, peer: peer, ct: ct, secret: secret}, nil
}

// Ciphertext returns the ciphertext to send to the initiator.
func (r *Responder) Ciphertext() Ciphertext {
	return r.ct
}

// Finish derives the session key for info and wipes the shared secret.
func (r *Responder) Finish(info ContextInfo, lifetime time.Duration, now time.Time) (*KeyMaterial, error) {
	defer r.Abort()
	if r.secret == nil {
		return nil, qerrors.NewKeyExchangeError(string(r.prim.Algorithm()), "derive", qerrors.ErrInvalidPrivateKey)
	}
	return newKeyMaterial(r.prim.Algorithm(), r.ct, r.peer, r.secret, info, lifetime, now)
}

// Abort wipes the shared secret.
func (r *Responder) Abort() {
	crypto.Zeroize(r.secret)
	r.secret = nil
}
