package x509tools

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPkixDigestAlgorithm(t *testing.T) {
	alg, ok := PkixDigestAlgorithm(crypto.SHA256)
	require.True(t, ok)
	assert.True(t, alg.Algorithm.Equal(OidDigestSHA256))
	// openssl compatibility requires an explicit NULL
	assert.Equal(t, 5, alg.Parameters.Tag)

	hash, ok := PkixDigestToHash(alg)
	require.True(t, ok)
	assert.Equal(t, crypto.SHA256, hash)

	_, ok = PkixDigestAlgorithm(crypto.BLAKE2b_256)
	assert.False(t, ok)
}

func TestPkixPublicKeyAlgorithm(t *testing.T) {
	_, edpub := mustEd25519(t)
	alg, ok := PkixPublicKeyAlgorithm(edpub)
	require.True(t, ok)
	assert.True(t, alg.Algorithm.Equal(OidPublicKeyEd25519))
	assert.Empty(t, alg.Parameters.FullBytes)
}

func TestVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	message := []byte("add wings to caterpillars")
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	assert.NoError(t, Verify(key.Public(), crypto.SHA256, message, digest[:], sig))
	digest[0] ^= 0xff
	assert.Error(t, Verify(key.Public(), crypto.SHA256, message, digest[:], sig))
}

func TestVerifyECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	message := []byte("placeholder")
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)
	assert.NoError(t, Verify(key.Public(), crypto.SHA256, message, digest[:], sig))
	digest[0] ^= 0xff
	assert.Error(t, Verify(key.Public(), crypto.SHA256, message, digest[:], sig))
}

func TestVerifyEd25519(t *testing.T) {
	priv, pub := mustEd25519(t)
	message := []byte("signed directly, no prehash")
	digest := sha256.Sum256(message)
	sig := ed25519.Sign(priv, message)
	assert.NoError(t, Verify(pub, crypto.SHA256, message, digest[:], sig))
	assert.Error(t, Verify(pub, crypto.SHA256, []byte("other"), digest[:], sig))
}

func mustEd25519(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv, pub
}
