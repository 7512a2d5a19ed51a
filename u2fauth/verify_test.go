package u2fauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerForTest(t *testing.T) (*Authenticator, *Registration) {
	t.Helper()
	auth := newTestAuthenticator(newSoftToken(t))
	reg, err := auth.Register(testApplication, testTimeout, testChallenge)
	require.NoError(t, err)
	return auth, reg
}

func TestVerifyRegistrationRejectsMutations(t *testing.T) {
	auth, reg := registerForTest(t)

	mutations := map[string]func(r *Registration){
		"public key tag":        func(r *Registration) { r.PublicKey[0] = 0x02 },
		"public key coordinate": func(r *Registration) { r.PublicKey[30] ^= 0x01 },
		"key handle":            func(r *Registration) { r.KeyHandle[3] ^= 0x01 },
		"certificate":           func(r *Registration) { r.AttestationCertificate[7] ^= 0x01 },
		"signature":             func(r *Registration) { r.Signature[len(r.Signature)-1] ^= 0x01 },
		"truncated certificate": func(r *Registration) { r.AttestationCertificate = r.AttestationCertificate[:10] },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			mutated := &Registration{
				PublicKey:              append(URLEncodedBase64(nil), reg.PublicKey...),
				KeyHandle:              append(URLEncodedBase64(nil), reg.KeyHandle...),
				AttestationCertificate: append(URLEncodedBase64(nil), reg.AttestationCertificate...),
				Signature:              append(URLEncodedBase64(nil), reg.Signature...),
			}
			mutate(mutated)

			_, err := auth.VerifyRegistration(testApplication, testChallenge, mutated)
			require.Error(t, err, "a mutated registration must never verify")
		})
	}
}

func TestVerifyRegistrationWrongChallenge(t *testing.T) {
	auth, reg := registerForTest(t)

	_, err := auth.VerifyRegistration(testApplication, "different challenge", reg)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRegistrationGarbageCertificate(t *testing.T) {
	auth, reg := registerForTest(t)
	reg.AttestationCertificate = URLEncodedBase64{0xde, 0xad, 0xbe, 0xef}

	_, err := auth.VerifyRegistration(testApplication, testChallenge, reg)
	require.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestVerifySignatureWrongPublicKey(t *testing.T) {
	tok := newSoftToken(t)
	auth := newTestAuthenticator(tok)

	reg, err := auth.Register(testApplication, testTimeout, testChallenge)
	require.NoError(t, err)
	assertion, err := auth.Sign(testApplication, testTimeout, testChallenge, reg.KeyHandle)
	require.NoError(t, err)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherPub := elliptic.Marshal(elliptic.P256(), otherKey.X, otherKey.Y)

	_, err = auth.VerifySignature(testApplication, testChallenge, assertion, reg.KeyHandle, otherPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureMutations(t *testing.T) {
	tok := newSoftToken(t)
	auth := newTestAuthenticator(tok)

	reg, err := auth.Register(testApplication, testTimeout, testChallenge)
	require.NoError(t, err)
	assertion, err := auth.Sign(testApplication, testTimeout, testChallenge, reg.KeyHandle)
	require.NoError(t, err)

	t.Run("signature bit flip", func(t *testing.T) {
		mutated := *assertion
		mutated.Signature = append(URLEncodedBase64(nil), assertion.Signature...)
		mutated.Signature[len(mutated.Signature)-1] ^= 0x01

		_, err := auth.VerifySignature(testApplication, testChallenge, &mutated, reg.KeyHandle, reg.PublicKey)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("counter tamper", func(t *testing.T) {
		mutated := *assertion
		mutated.Counter++

		_, err := auth.VerifySignature(testApplication, testChallenge, &mutated, reg.KeyHandle, reg.PublicKey)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("presence tamper", func(t *testing.T) {
		mutated := *assertion
		mutated.UserPresence = 0x00

		_, err := auth.VerifySignature(testApplication, testChallenge, &mutated, reg.KeyHandle, reg.PublicKey)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong challenge", func(t *testing.T) {
		_, err := auth.VerifySignature(testApplication, "other", assertion, reg.KeyHandle, reg.PublicKey)
		require.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestVerifySignatureBadPublicKey(t *testing.T) {
	auth := newTestAuthenticator(newSoftToken(t))
	assertion := &Assertion{Counter: 1, UserPresence: 1, Signature: URLEncodedBase64{0x30, 0x00}}

	for name, key := range map[string][]byte{
		"nil":       nil,
		"short":     make([]byte, 64),
		"wrong tag": append([]byte{0x02}, make([]byte, 64)...),
		"not on curve": func() []byte {
			k := make([]byte, 65)
			k[0] = 0x04
			for i := 1; i < 65; i++ {
				k[i] = 0xff
			}
			return k
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.VerifySignature(testApplication, testChallenge, assertion, nil, key)
			require.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestVerifySignatureCounterEcho(t *testing.T) {
	tok := newSoftToken(t)
	tok.counter = 41
	auth := newTestAuthenticator(tok)

	reg, err := auth.Register(testApplication, testTimeout, testChallenge)
	require.NoError(t, err)
	assertion, err := auth.Sign(testApplication, testTimeout, testChallenge, reg.KeyHandle)
	require.NoError(t, err)
	require.Equal(t, uint32(42), assertion.Counter)

	counter, err := auth.VerifySignature(testApplication, testChallenge, assertion, reg.KeyHandle, reg.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), counter)
}
