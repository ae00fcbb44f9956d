package csblob

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/x509tools"
)

func TestKnownCertificates(t *testing.T) {
	root := CertAppleRoot.Certificate()
	require.NotNil(t, root)
	wwdr := CertWWDRG3.Certificate()
	require.NotNil(t, wwdr)
	assert.Equal(t, "Apple Root CA", root.Subject.CommonName)
	assert.Contains(t, wwdr.Subject.CommonName, "Worldwide Developer Relations")
	// the stored intermediate really was issued by the stored root
	require.NoError(t, wwdr.CheckSignatureFrom(root))

	assert.Equal(t, CertAppleRoot, IdentifyCertificate(root))
	assert.Equal(t, CertWWDRG3, IdentifyCertificate(wwdr))
	assert.True(t, CertAppleRoot.IsRoot())
	assert.False(t, CertWWDRG3.IsRoot())
	assert.Nil(t, UnknownCertificate.Certificate())

	other := selfSignedCert(t, "Not Apple")
	assert.Equal(t, UnknownCertificate, IdentifyCertificate(other))
}

func TestKnownRoots(t *testing.T) {
	pool := KnownRoots()
	require.NotNil(t, pool)
	// the intermediate should chain to the pool on its own
	chains, err := CertWWDRG3.Certificate().Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	require.NoError(t, err)
	require.NotEmpty(t, chains)
}

func TestCompleteChain(t *testing.T) {
	wwdr := CertWWDRG3.Certificate()
	chain := CompleteChain([]*x509.Certificate{wwdr})
	require.Len(t, chain, 2)
	assert.Equal(t, CertAppleRoot, IdentifyCertificate(chain[1]))

	// an already complete chain stays as it is
	again := CompleteChain(chain)
	assert.Len(t, again, 2)

	// chains ending outside the registry stay as they are
	other := selfSignedCert(t, "Standalone")
	assert.Len(t, CompleteChain([]*x509.Certificate{other}), 1)

	assert.Nil(t, CompleteChain(nil))
}

func TestPurpose(t *testing.T) {
	devID := testSigningCert(t).Leaf
	assert.Equal(t, PurposeDeveloperID, Purpose(devID))
	assert.Equal(t, "Developer ID", Purpose(devID).String())

	plain := selfSignedCert(t, "No Markers")
	assert.Equal(t, PurposeUnknown, Purpose(plain))

	store := selfSignedCertExt(t, "Store", pkix.Extension{
		Id:    CodeSignMacAppStore,
		Value: []byte{0x05, 0x00},
	})
	assert.Equal(t, PurposeAppStore, Purpose(store))

	dev := selfSignedCertExt(t, "Dev", pkix.Extension{
		Id:    CodeSignMacDev,
		Value: []byte{0x05, 0x00},
	})
	assert.Equal(t, PurposeDevelopment, Purpose(dev))
}

func selfSignedCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	return selfSignedCertExt(t, cn)
}

func selfSignedCertExt(t *testing.T, cn string, exts ...pkix.Extension) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:    x509tools.MakeSerial(),
		Subject:         pkix.Name{CommonName: cn},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
