// aead.go implements Authenticated Encryption with Associated Data (AEAD)
// for tunnel records.
//
// Two suites are supported:
//   - AES-256-GCM: hardware-accelerated on modern CPUs
//   - ChaCha20-Poly1305: fast without hardware support
//
// Nonces are derived from the record sequence number, which the channel
// guarantees to be unique per direction, and a fixed per-direction salt:
//
//	nonce = salt[0:4] || (salt[4:12] XOR seq)
//
// A (key, nonce) pair is therefore never used twice as long as sequence
// numbers never repeat under one key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
)

// AEAD is a record cipher bound to one key and one direction.
type AEAD struct {
	cipher cipher.AEAD
	suite  constants.CipherSuite
	salt   [constants.AEADNonceSize]byte

	records atomic.Uint64
	bytes   atomic.Uint64
}

// NewAEAD creates a record cipher. The key is consumed: it is zeroized before
// NewAEAD returns, successful or not.
func NewAEAD(suite constants.CipherSuite, key []byte) (*AEAD, error) {
	defer Zeroize(key)

	if len(key) != constants.AESKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}

	var (
		aeadCipher cipher.AEAD
		err        error
	)

	switch suite {
	case constants.CipherSuiteAES256GCM:
		block, berr := aes.NewCipher(key)
		if berr != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", berr)
		}
		aeadCipher, err = cipher.NewGCM(block)
	case constants.CipherSuiteChaCha20Poly1305:
		aeadCipher, err = chacha20poly1305.New(key)
	default:
		return nil, qerrors.ErrUnsupportedCipherSuite
	}
	if err != nil {
		return nil, qerrors.NewCryptoError("NewAEAD", err)
	}

	a := &AEAD{cipher: aeadCipher, suite: suite}
	saltSrc, err := DeriveKey("nonce-salt", key, constants.AEADNonceSize)
	if err != nil {
		return nil, err
	}
	copy(a.salt[:], saltSrc)
	Zeroize(saltSrc)

	return a, nil
}

func (a *AEAD) nonce(seq uint64) []byte {
	nonce := make([]byte, constants.AEADNonceSize)
	copy(nonce, a.salt[:])
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	for i := range seqBuf {
		nonce[4+i] ^= seqBuf[i]
	}
	return nonce
}

// Seal encrypts plaintext as record seq, authenticating additionalData.
// The returned slice is ciphertext || tag.
func (a *AEAD) Seal(seq uint64, plaintext, additionalData []byte) ([]byte, error) {
	if a.records.Load() >= constants.MaxRecordsBeforeRekey {
		return nil, qerrors.ErrNonceExhausted
	}

	out := a.cipher.Seal(nil, a.nonce(seq), plaintext, additionalData)
	a.records.Add(1)
	a.bytes.Add(uint64(len(plaintext)))

	return out, nil
}

// Open verifies and decrypts record seq.
func (a *AEAD) Open(seq uint64, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < constants.AEADTagSize {
		return nil, qerrors.ErrCiphertextTooShort
	}

	plaintext, err := a.cipher.Open(nil, a.nonce(seq), ciphertext, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}
	a.records.Add(1)
	a.bytes.Add(uint64(len(plaintext)))

	return plaintext, nil
}

// NeedsRekey returns true once 90% of the record or byte budget is used.
func (a *AEAD) NeedsRekey() bool {
	records := a.records.Load()
	bytes := a.bytes.Load()
	return records >= constants.MaxRecordsBeforeRekey*constants.RekeyThresholdPercent/100 ||
		bytes >= constants.MaxBytesBeforeRekey*constants.RekeyThresholdPercent/100
}

// Records returns the number of records processed under this key.
func (a *AEAD) Records() uint64 {
	return a.records.Load()
}

// Suite returns the cipher suite identifier.
func (a *AEAD) Suite() constants.CipherSuite {
	return a.suite
}

// Overhead returns the number of bytes added to each record.
func (a *AEAD) Overhead() int {
	return a.cipher.Overhead()
}

// Destroy clears the nonce salt. The expanded key schedule lives inside the
// standard library cipher and is released with the AEAD.
func (a *AEAD) Destroy() {
	Zeroize(a.salt[:])
}
