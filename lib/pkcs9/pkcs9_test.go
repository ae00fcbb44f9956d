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

package pkcs9

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/x509tools"
)

func makeCert(t *testing.T, key crypto.Signer, name string, eku x509.ExtKeyUsage) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber:          x509tools.MakeSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{eku},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func generalizedTime(t time.Time) asn1.RawValue {
	return asn1.RawValue{
		Class: asn1.ClassUniversal,
		Tag:   asn1.TagGeneralizedTime,
		Bytes: []byte(t.UTC().Format("20060102150405Z")),
	}
}

func makeToken(t *testing.T, key crypto.Signer, cert *x509.Certificate, hash crypto.Hash, imprint []byte, nonce *big.Int) *pkcs7.ContentInfoSignedData {
	t.Helper()
	alg, ok := x509tools.PkixDigestAlgorithm(hash)
	require.True(t, ok)
	info := TSTInfo{
		Version: 1,
		Policy:  asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 99, 1},
		MessageImprint: MessageImprint{
			HashAlgorithm: alg,
			HashedMessage: imprint,
		},
		SerialNumber: x509tools.MakeSerial(),
		GenTime:      generalizedTime(time.Now()),
		Nonce:        nonce,
	}
	infobytes, err := asn1.Marshal(info)
	require.NoError(t, err)

	builder := pkcs7.NewBuilder(key, []*x509.Certificate{cert}, hash)
	contentInfo, err := pkcs7.NewContentInfo(OidTSTInfo, infobytes)
	require.NoError(t, err)
	require.NoError(t, builder.SetContentInfo(contentInfo))
	token, err := builder.Sign()
	require.NoError(t, err)
	return token
}

type testTSA struct {
	t    *testing.T
	key  crypto.Signer
	cert *x509.Certificate
}

func (ts testTSA) Timestamp(ctx context.Context, req *Request) (*pkcs7.ContentInfoSignedData, error) {
	d := req.Hash.New()
	d.Write(req.EncryptedDigest)
	return makeToken(ts.t, ts.key, ts.cert, req.Hash, d.Sum(nil), nil), nil
}

func TestTimestampAndMarshal(t *testing.T) {
	signerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signerCert := makeCert(t, signerKey, "ts-signer", x509.ExtKeyUsageCodeSigning)
	tsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tsaCert := makeCert(t, tsaKey, "ts-authority", x509.ExtKeyUsageTimeStamping)

	builder := pkcs7.NewBuilder(signerKey, []*x509.Certificate{signerCert}, crypto.SHA256)
	require.NoError(t, builder.SetContentData([]byte("timestamped content")))
	psd, err := builder.Sign()
	require.NoError(t, err)

	tsig, err := TimestampAndMarshal(context.Background(), psd, testTSA{t, tsaKey, tsaCert})
	require.NoError(t, err)
	require.NotNil(t, tsig.CounterSignature)
	assert.WithinDuration(t, time.Now(), tsig.CounterSignature.SigningTime, time.Minute)
	require.NotEmpty(t, tsig.Raw)

	// the marshaled document must verify end to end
	parsed, err := pkcs7.Unmarshal(tsig.Raw)
	require.NoError(t, err)
	sig, err := parsed.Content.Verify(nil, false)
	require.NoError(t, err)
	tsig2, err := VerifyOptionalTimestamp(sig)
	require.NoError(t, err)
	require.NotNil(t, tsig2.CounterSignature)

	roots := x509.NewCertPool()
	roots.AddCert(signerCert)
	roots.AddCert(tsaCert)
	require.NoError(t, tsig2.VerifyChain(roots, nil, x509.ExtKeyUsageCodeSigning))
}

func TestTimestampMissing(t *testing.T) {
	signerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signerCert := makeCert(t, signerKey, "bare-signer", x509.ExtKeyUsageCodeSigning)

	builder := pkcs7.NewBuilder(signerKey, []*x509.Certificate{signerCert}, crypto.SHA256)
	require.NoError(t, builder.SetContentData([]byte("no timestamp")))
	psd, err := builder.Sign()
	require.NoError(t, err)
	sig, err := psd.Content.Verify(nil, false)
	require.NoError(t, err)

	tsig, err := VerifyOptionalTimestamp(sig)
	require.NoError(t, err)
	assert.Nil(t, tsig.CounterSignature)
}

func TestParseResponse(t *testing.T) {
	tsaKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tsaCert := makeCert(t, tsaKey, "resp-authority", x509.ExtKeyUsageTimeStamping)

	digest := sha256.Sum256([]byte("imprinted data"))
	msg, httpReq, err := NewRequest("http://tsa.invalid/ts", crypto.SHA256, digest[:])
	require.NoError(t, err)
	assert.Equal(t, "POST", httpReq.Method)
	assert.Equal(t, "application/timestamp-query", httpReq.Header.Get("Content-Type"))

	granted := func(token *pkcs7.ContentInfoSignedData) []byte {
		body, err := asn1.Marshal(TimeStampResp{
			Status:         PKIStatusInfo{Status: StatusGranted},
			TimeStampToken: *token,
		})
		require.NoError(t, err)
		return body
	}

	t.Run("granted", func(t *testing.T) {
		token := makeToken(t, tsaKey, tsaCert, crypto.SHA256, digest[:], msg.Nonce)
		got, err := msg.ParseResponse(granted(token))
		require.NoError(t, err)
		info, err := UnpackTokenInfo(got)
		require.NoError(t, err)
		assert.Equal(t, digest[:], info.MessageImprint.HashedMessage)
	})
	t.Run("denied", func(t *testing.T) {
		body, err := asn1.Marshal(TimeStampResp{Status: PKIStatusInfo{Status: StatusRejection}})
		require.NoError(t, err)
		_, err = msg.ParseResponse(body)
		assert.ErrorContains(t, err, "denied")
	})
	t.Run("nonce mismatch", func(t *testing.T) {
		token := makeToken(t, tsaKey, tsaCert, crypto.SHA256, digest[:], big.NewInt(42))
		_, err := msg.ParseResponse(granted(token))
		assert.ErrorContains(t, err, "nonce")
	})
	t.Run("imprint mismatch", func(t *testing.T) {
		wrong := sha256.Sum256([]byte("other data"))
		token := makeToken(t, tsaKey, tsaCert, crypto.SHA256, wrong[:], msg.Nonce)
		_, err := msg.ParseResponse(granted(token))
		assert.ErrorContains(t, err, "imprint")
	})
}

func TestGenTimeFraction(t *testing.T) {
	info := &TSTInfo{GenTime: asn1.RawValue{
		Class: asn1.ClassUniversal,
		Tag:   asn1.TagGeneralizedTime,
		Bytes: []byte("20250825120000.5Z"),
	}}
	tm, err := info.SigningTime()
	require.NoError(t, err)
	assert.Equal(t, 2025, tm.Year())
	assert.Equal(t, 500*time.Millisecond, time.Duration(tm.Nanosecond()))
}
