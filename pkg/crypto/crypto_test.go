package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pzverkov/pqtunnel/internal/constants"
	qerrors "github.com/pzverkov/pqtunnel/internal/errors"
	"github.com/pzverkov/pqtunnel/pkg/crypto"
)

func TestSecureRandomBytes(t *testing.T) {
	for _, size := range []int{16, 32, 64} {
		buf, err := crypto.SecureRandomBytes(size)
		require.NoError(t, err)
		require.Len(t, buf, size)
		require.NotEqual(t, make([]byte, size), buf)
	}
}

func TestConstantTimeCompare(t *testing.T) {
	require.True(t, crypto.ConstantTimeCompare([]byte("hello"), []byte("hello")))
	require.False(t, crypto.ConstantTimeCompare([]byte("hello"), []byte("hellp")))
	require.False(t, crypto.ConstantTimeCompare([]byte("hello"), []byte("hell")))
}

func TestZeroize(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	crypto.ZeroizeMultiple(a, b)
	require.Equal(t, []byte{0, 0, 0}, a)
	require.Equal(t, []byte{0, 0}, b)
}

func TestDeriveKeyMultipleIsLengthPrefixed(t *testing.T) {
	k1, err := crypto.DeriveKeyMultiple("domain", [][]byte{[]byte("ab"), []byte("c")}, 32)
	require.NoError(t, err)
	k2, err := crypto.DeriveKeyMultiple("domain", [][]byte{[]byte("a"), []byte("bc")}, 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	k3, err := crypto.DeriveKeyMultiple("other", [][]byte{[]byte("ab"), []byte("c")}, 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	_, err = crypto.DeriveKey("domain", nil, 0)
	require.ErrorIs(t, err, qerrors.ErrInvalidKeySize)
}

func TestDeriveSessionKeyBindsContext(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)

	hop0, err := crypto.DeriveSessionKey(secret, []byte("circuit|hop0"))
	require.NoError(t, err)
	hop1, err := crypto.DeriveSessionKey(secret, []byte("circuit|hop1"))
	require.NoError(t, err)
	again, err := crypto.DeriveSessionKey(secret, []byte("circuit|hop0"))
	require.NoError(t, err)

	require.Len(t, hop0, constants.KDFOutputSize)
	require.NotEqual(t, hop0, hop1)
	require.Equal(t, hop0, again)

	_, err = crypto.DeriveSessionKey(nil, []byte("x"))
	require.Error(t, err)
}

func TestDirectionalKeysAreIndependent(t *testing.T) {
	session := bytes.Repeat([]byte{1}, 32)

	hi, hr, err := crypto.DeriveHandshakeKeys(session)
	require.NoError(t, err)
	ti, tr, err := crypto.DeriveTrafficKeys(session)
	require.NoError(t, err)

	keys := [][]byte{hi, hr, ti, tr}
	for i := range keys {
		require.Len(t, keys[i], constants.AESKeySize)
		for j := i + 1; j < len(keys); j++ {
			require.NotEqual(t, keys[i], keys[j])
		}
	}

	_, _, err = crypto.DeriveTrafficKeys([]byte("short"))
	require.ErrorIs(t, err, qerrors.ErrInvalidKeySize)
}

func TestTranscriptHash(t *testing.T) {
	h1 := crypto.TranscriptHash([]byte("a"), []byte("b"))
	h2 := crypto.TranscriptHash([]byte("ab"))
	require.Len(t, h1, constants.TranscriptHashSize)
	require.NotEqual(t, h1, h2)
}

func newAEADPair(t *testing.T, suite constants.CipherSuite) (*crypto.AEAD, *crypto.AEAD) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, constants.AESKeySize)

	sealer, err := crypto.NewAEAD(suite, bytes.Clone(key))
	require.NoError(t, err)
	opener, err := crypto.NewAEAD(suite, bytes.Clone(key))
	require.NoError(t, err)
	return sealer, opener
}

func TestAEADRoundTrip(t *testing.T) {
	for _, suite := range []constants.CipherSuite{constants.CipherSuiteAES256GCM, constants.CipherSuiteChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			sealer, opener := newAEADPair(t, suite)
			aad := []byte("header")

			ct, err := sealer.Seal(5, []byte("payload"), aad)
			require.NoError(t, err)
			require.Len(t, ct, len("payload")+sealer.Overhead())

			pt, err := opener.Open(5, ct, aad)
			require.NoError(t, err)
			require.Equal(t, []byte("payload"), pt)

			_, err = opener.Open(6, ct, aad)
			require.ErrorIs(t, err, qerrors.ErrAuthenticationFailed)

			_, err = opener.Open(5, ct, []byte("other"))
			require.ErrorIs(t, err, qerrors.ErrAuthenticationFailed)

			ct[0] ^= 0x01
			_, err = opener.Open(5, ct, aad)
			require.ErrorIs(t, err, qerrors.ErrAuthenticationFailed)

			_, err = opener.Open(5, []byte{1, 2}, aad)
			require.ErrorIs(t, err, qerrors.ErrCiphertextTooShort)
		})
	}
}

func TestNewAEADConsumesKey(t *testing.T) {
	key := bytes.Repeat([]byte{9}, constants.AESKeySize)
	_, err := crypto.NewAEAD(constants.CipherSuiteAES256GCM, key)
	require.NoError(t, err)
	require.Equal(t, make([]byte, constants.AESKeySize), key)

	_, err = crypto.NewAEAD(constants.CipherSuiteAES256GCM, []byte("short"))
	require.ErrorIs(t, err, qerrors.ErrInvalidKeySize)

	_, err = crypto.NewAEAD(constants.CipherSuite(0x99), bytes.Repeat([]byte{1}, 32))
	require.ErrorIs(t, err, qerrors.ErrUnsupportedCipherSuite)
}

func TestAEADCounters(t *testing.T) {
	sealer, _ := newAEADPair(t, constants.CipherSuiteAES256GCM)
	for i := range 3 {
		_, err := sealer.Seal(uint64(i), []byte("x"), nil)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), sealer.Records())
	require.False(t, sealer.NeedsRekey())
	require.Equal(t, constants.CipherSuiteAES256GCM, sealer.Suite())
}

func TestRNGHealthCheck(t *testing.T) {
	require.NoError(t, crypto.RNGHealthCheck())
}

func TestAEADSelfTest(t *testing.T) {
	for _, suite := range []constants.CipherSuite{
		constants.CipherSuiteAES256GCM,
		constants.CipherSuiteChaCha20Poly1305,
	} {
		t.Run(suite.String(), func(t *testing.T) {
			require.NoError(t, crypto.AEADSelfTest(suite))
		})
	}
	require.ErrorIs(t, crypto.AEADSelfTest(0x7f), qerrors.ErrUnsupportedCipherSuite)
}

func TestFIPSApprovedSuites(t *testing.T) {
	require.True(t, constants.CipherSuiteAES256GCM.IsFIPSApproved())
	require.False(t, constants.CipherSuiteChaCha20Poly1305.IsFIPSApproved())
}
