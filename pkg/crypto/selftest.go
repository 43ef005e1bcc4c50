package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pzverkov/pqtunnel/internal/constants"
)

const rngSampleSize = 32

// RNGHealthCheck draws two samples from the CSPRNG and rejects output that
// is constant or repeats.
func RNGHealthCheck() error {
	var a, b [rngSampleSize]byte
	if err := SecureRandom(a[:]); err != nil {
		return err
	}
	if err := SecureRandom(b[:]); err != nil {
		return err
	}
	for i, s := range [][]byte{a[:], b[:]} {
		if bytes.Count(s, s[:1]) == len(s) {
			return fmt.Errorf("crypto: rng sample %d has no variation", i+1)
		}
	}
	if a == b {
		return errors.New("crypto: rng produced identical consecutive samples")
	}
	return nil
}

// AEADSelfTest seals and opens one record under a fresh key and checks that
// a flipped ciphertext bit is rejected.
func AEADSelfTest(suite constants.CipherSuite) error {
	key, err := SecureRandomBytes(constants.AESKeySize)
	if err != nil {
		return err
	}
	peerKey := bytes.Clone(key)
	sealer, err := NewAEAD(suite, key)
	if err != nil {
		return err
	}
	defer sealer.Destroy()
	opener, err := NewAEAD(suite, peerKey)
	if err != nil {
		return err
	}
	defer opener.Destroy()

	plaintext := []byte("pqtunnel-aead-self-test")
	aad := []byte{0x17, 0, 0, 0, 1}
	ct, err := sealer.Seal(7, plaintext, aad)
	if err != nil {
		return fmt.Errorf("crypto: %s seal: %w", suite, err)
	}
	got, err := opener.Open(7, ct, aad)
	if err != nil {
		return fmt.Errorf("crypto: %s open: %w", suite, err)
	}
	if !bytes.Equal(got, plaintext) {
		return fmt.Errorf("crypto: %s round trip mismatch", suite)
	}
	ct[0] ^= 0x01
	if _, err := opener.Open(7, ct, aad); err == nil {
		return fmt.Errorf("crypto: %s accepted a modified record", suite)
	}
	return nil
}
