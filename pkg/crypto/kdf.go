// Package crypto implements the symmetric building blocks of the tunnel engine:
// SHAKE-256 key derivation, AEAD record protection and secure randomness.
//
// All derivations use SHAKE-256 (FIPS 202) with length-prefixed inputs so that
// distinct (domain, inputs) tuples can never encode to the same byte string:
//
//	output = SHAKE-256(len(domain) || domain || n || len(in_1) || in_1 || ... , L)
//
// Every key in the system is reached through a distinct domain separator, and
// session keys additionally bind the circuit, hop index and epoch they belong to.
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

const maxDeriveOutput = 1 << 20

// DeriveKey derives outputLen bytes from a single input under domain.
func DeriveKey(domain string, input []byte, outputLen int) ([]byte, error) {
	return DeriveKeyMultiple(domain, [][]byte{input}, outputLen)
}

// DeriveKeyMultiple derives outputLen bytes from an ordered list of inputs.
//
// The input count and each input length are absorbed as 4-byte big-endian
// prefixes, so ("ab", "c") and ("a", "bc") produce unrelated output.
func DeriveKeyMultiple(domain string, inputs [][]byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > maxDeriveOutput {
		return nil, qerrors.NewCryptoError("DeriveKeyMultiple", qerrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(domain)))
	h.Write(lenBuf[:])
	h.Write([]byte(domain))

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(inputs)))
	h.Write(lenBuf[:])

	for _, input := range inputs {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(input)))
		h.Write(lenBuf[:])
		h.Write(input)
	}

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// TranscriptHash computes a SHA3-256 hash over ordered handshake components.
func TranscriptHash(components ...[]byte) []byte {
	h := sha3.New256()
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(components)))
	h.Write(lenBuf[:])

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(component)))
		h.Write(lenBuf[:])
		h.Write(component)
	}

	return h.Sum(nil)
}

// DeriveCHKEMSecret combines the X25519 and ML-KEM secrets of a CH-KEM
// exchange. The output is indistinguishable from random as long as either
// component secret is.
//
//	K = SHAKE-256(K_x25519 || K_mlkem || binding, 256)
func DeriveCHKEMSecret(x25519Secret, mlkemSecret, binding []byte) ([]byte, error) {
	if len(x25519Secret) != constants.X25519SharedSecretSize {
		return nil, qerrors.NewCryptoError("DeriveCHKEMSecret", qerrors.ErrInvalidKeySize)
	}
	if len(mlkemSecret) != constants.MLKEMSharedSecretSize {
		return nil, qerrors.NewCryptoError("DeriveCHKEMSecret", qerrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorCHKEM,
		[][]byte{x25519Secret, mlkemSecret, binding},
		constants.CHKEMSharedSecretSize,
	)
}

// DeriveSessionKey binds a KEM shared secret to an encoded context.
// Two different contexts never yield related keys, which keeps the key of one
// hop (or epoch) from revealing anything about another.
func DeriveSessionKey(sharedSecret, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, qerrors.NewCryptoError("DeriveSessionKey", qerrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorSession,
		[][]byte{sharedSecret, context},
		constants.KDFOutputSize,
	)
}

// DeriveHandshakeKeys derives the keys protecting the Finished messages.
func DeriveHandshakeKeys(sessionKey []byte) (initiatorKey, responderKey []byte, err error) {
	return deriveDirectional("DeriveHandshakeKeys", constants.DomainSeparatorHandshake, sessionKey)
}

// DeriveTrafficKeys derives the per-direction record keys of a channel.
// Traffic keys are independent from handshake keys through domain separation.
func DeriveTrafficKeys(sessionKey []byte) (initiatorKey, responderKey []byte, err error) {
	return deriveDirectional("DeriveTrafficKeys", constants.DomainSeparatorTraffic, sessionKey)
}

func deriveDirectional(op, domain string, sessionKey []byte) ([]byte, []byte, error) {
	if len(sessionKey) != constants.KDFOutputSize {
		return nil, nil, qerrors.NewCryptoError(op, qerrors.ErrInvalidKeySize)
	}

	keyMaterial, err := DeriveKey(domain, sessionKey, 2*constants.AESKeySize)
	if err != nil {
		return nil, nil, err
	}

	return keyMaterial[:constants.AESKeySize], keyMaterial[constants.AESKeySize:], nil
}

// DeriveVerifyData computes Finished verify data for one side of a handshake.
func DeriveVerifyData(sessionKey []byte, label string, transcriptHash []byte) ([]byte, error) {
	return DeriveKeyMultiple(
		constants.DomainSeparatorFinished,
		[][]byte{sessionKey, []byte(label), transcriptHash},
		constants.KDFOutputSize,
	)
}
