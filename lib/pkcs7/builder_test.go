//
// Copyright © Cachet Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package pkcs7

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSerial int64 = 100

func makeCert(t *testing.T, key crypto.Signer, name string, parent *x509.Certificate, parentKey crypto.Signer, isCA bool) *x509.Certificate {
	t.Helper()
	testSerial++
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(testSerial),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if isCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = template
		parentKey = key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestBuilderRoundTrip(t *testing.T) {
	content := []byte("clear is better than clever")
	tests := []struct {
		name string
		gen  func() (crypto.Signer, error)
	}{
		{"rsa", func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, 2048) }},
		{"ecdsa-p256", func() (crypto.Signer, error) { return ecdsa.GenerateKey(elliptic.P256(), rand.Reader) }},
		{"ecdsa-p384", func() (crypto.Signer, error) { return ecdsa.GenerateKey(elliptic.P384(), rand.Reader) }},
		{"ecdsa-p521", func() (crypto.Signer, error) { return ecdsa.GenerateKey(elliptic.P521(), rand.Reader) }},
		{"ed25519", func() (crypto.Signer, error) {
			_, key, err := ed25519.GenerateKey(rand.Reader)
			return key, err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, err := tc.gen()
			require.NoError(t, err)
			cert := makeCert(t, key, "signer-"+tc.name, nil, nil, false)

			builder := NewBuilder(key, []*x509.Certificate{cert}, crypto.SHA256)
			require.NoError(t, builder.SetContentData(content))
			require.NoError(t, builder.AddAuthenticatedAttribute(OidAttributeSigningTime, time.Now().UTC()))
			psd, err := builder.Sign()
			require.NoError(t, err)

			blob, err := psd.Marshal()
			require.NoError(t, err)
			parsed, err := Unmarshal(blob)
			require.NoError(t, err)

			sig, err := parsed.Content.Verify(nil, false)
			require.NoError(t, err)
			assert.Equal(t, cert.SerialNumber, sig.Certificate.SerialNumber)

			attrs := sig.SignerInfo.AuthenticatedAttributes
			assert.True(t, attrs.Exists(OidAttributeContentType))
			assert.True(t, attrs.Exists(OidAttributeMessageDigest))
			// the explicitly added signing time must not be duplicated
			var signingTime time.Time
			require.NoError(t, attrs.GetOne(OidAttributeSigningTime, &signingTime))

			embedded, err := parsed.Content.ContentInfo.Bytes()
			require.NoError(t, err)
			assert.Equal(t, content, embedded)
		})
	}
}

func TestBuilderDetached(t *testing.T) {
	content := []byte("errors are values")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := makeCert(t, key, "detached-signer", nil, nil, false)

	digest := sha256.Sum256(content)
	builder := NewBuilder(key, []*x509.Certificate{cert}, crypto.SHA256)
	require.NoError(t, builder.SetDetachedContent(OidData, digest[:]))
	psd, err := builder.Sign()
	require.NoError(t, err)

	blob, err := psd.Marshal()
	require.NoError(t, err)
	parsed, err := Unmarshal(blob)
	require.NoError(t, err)

	assert.True(t, parsed.Content.ContentInfo.IsDetached())
	embedded, err := parsed.Content.ContentInfo.Bytes()
	require.NoError(t, err)
	assert.Nil(t, embedded)

	// missing external content is an error
	_, err = parsed.Content.Verify(nil, false)
	assert.Error(t, err)

	_, err = parsed.Content.Verify(content, false)
	require.NoError(t, err)

	// tampered content fails the digest check
	_, err = parsed.Content.Verify(append(content, '!'), false)
	assert.Error(t, err)
}

func TestBuilderDetachAfterSigning(t *testing.T) {
	content := []byte("a little copying")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := makeCert(t, key, "detach-signer", nil, nil, false)

	builder := NewBuilder(key, []*x509.Certificate{cert}, crypto.SHA256)
	require.NoError(t, builder.SetContentData(content))
	psd, err := builder.Sign()
	require.NoError(t, err)
	require.NoError(t, psd.Detach())

	blob, err := psd.Marshal()
	require.NoError(t, err)
	parsed, err := Unmarshal(blob)
	require.NoError(t, err)
	_, err = parsed.Content.Verify(content, false)
	require.NoError(t, err)
}

func TestBuilderEmptyContent(t *testing.T) {
	// signing without content covers the digest of the empty string
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := makeCert(t, key, "empty-signer", nil, nil, false)

	builder := NewBuilder(key, []*x509.Certificate{cert}, crypto.SHA256)
	psd, err := builder.Sign()
	require.NoError(t, err)
	_, err = psd.Content.Verify(nil, false)
	require.NoError(t, err)
}

func TestCertificateOrder(t *testing.T) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	root := makeCert(t, rootKey, "order-root", nil, nil, true)
	inter := makeCert(t, interKey, "order-inter", root, rootKey, true)
	leaf := makeCert(t, leafKey, "order-leaf", inter, interKey, false)

	builder := NewBuilder(leafKey, []*x509.Certificate{leaf, inter, root}, crypto.SHA256)
	require.NoError(t, builder.SetContentData([]byte("chain")))
	psd, err := builder.Sign()
	require.NoError(t, err)

	certs, err := psd.Content.Certificates.Parse()
	require.NoError(t, err)
	require.Len(t, certs, 3)
	// issuers come before the certificates they issued
	assert.Equal(t, root.SerialNumber, certs[0].SerialNumber)
	assert.Equal(t, inter.SerialNumber, certs[1].SerialNumber)
	assert.Equal(t, leaf.SerialNumber, certs[2].SerialNumber)
}

func TestParseCertificates(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := makeCert(t, key, "bag-signer", nil, nil, false)

	builder := NewBuilder(key, []*x509.Certificate{cert}, crypto.SHA256)
	require.NoError(t, builder.SetContentData([]byte("bag")))
	psd, err := builder.Sign()
	require.NoError(t, err)
	blob, err := psd.Marshal()
	require.NoError(t, err)

	certs, err := ParseCertificates(blob)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, cert.Raw, certs[0].Raw)
}
