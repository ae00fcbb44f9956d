package csblob

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/x509tools"
)

func TestDefaultRequirement(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: x509tools.MakeSerial(),
		Subject:      pkix.Name{CommonName: "Unit Test Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	req, err := DefaultRequirement("com.example.app", []*x509.Certificate{leaf})
	require.NoError(t, err)
	text := formatDesignated(t, req)
	assert.Equal(t, `identifier "com.example.app" and anchor apple generic and certificate leaf[subject.CN] = "Unit Test Signing"`, text)
}

func TestDefaultRequirementIntermediate(t *testing.T) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          x509tools.MakeSerial(),
		Subject:               pkix.Name{CommonName: "Unit Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{{
			Id:    asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 6},
			Value: []byte{0x05, 0x00},
		}},
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: x509tools.MakeSerial(),
		Subject:      pkix.Name{CommonName: "Unit Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, leafKey.Public(), caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	req, err := DefaultRequirement("com.example.app", []*x509.Certificate{leaf, ca})
	require.NoError(t, err)
	text := formatDesignated(t, req)
	assert.Equal(t, `identifier "com.example.app" and anchor apple generic and certificate leaf[subject.CN] = "Unit Test Leaf" and certificate 1[field.1.2.840.113635.100.6.2.6] /* exists */`, text)
}

func TestDefaultRequirementBareIdentifier(t *testing.T) {
	// identifiers without dots still print quoted
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: x509tools.MakeSerial(),
		Subject:      pkix.Name{CommonName: "Unit Test Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	req, err := DefaultRequirement("libextra", []*x509.Certificate{leaf})
	require.NoError(t, err)
	text := formatDesignated(t, req)
	assert.Equal(t, `identifier "libextra" and anchor apple generic and certificate leaf[subject.CN] = "Unit Test Signing"`, text)
}

func TestDefaultRequirementNoCert(t *testing.T) {
	_, err := DefaultRequirement("com.example.app", nil)
	assert.Error(t, err)
}

func formatDesignated(t *testing.T, reqSet []byte) string {
	t.Helper()
	sig := &SigBlob{RawRequirements: reqSet}
	reqs, err := sig.Requirements()
	require.NoError(t, err)
	dr := reqs[DesignatedRequirement]
	require.NotNil(t, dr)
	text, err := dr.Format()
	require.NoError(t, err)
	return text
}
