package csblob

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/x509tools"
)

const testInfoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>CFBundleExecutable</key><string>unit</string>
<key>CFBundleIdentifier</key><string>com.example.unit</string>
</dict></plist>`

const testEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict><key>get-task-allow</key><true/></dict></plist>`

func testSigningCert(t *testing.T) *certloader.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: x509tools.MakeSerial(),
		Subject: pkix.Name{
			CommonName:         "Developer ID Application: Unit Test",
			OrganizationalUnit: []string{"UNITTEST99"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{{
			Id:       CodeSignDevIDExecute,
			Critical: true,
			Value:    []byte{0x05, 0x00},
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &certloader.Certificate{
		Leaf:         leaf,
		Certificates: []*x509.Certificate{leaf},
		PrivateKey:   key,
	}
}

func testCode(size int) []byte {
	code := make([]byte, size)
	for i := range code {
		code[i] = byte(i * 7)
	}
	return code
}

func TestSignVerify(t *testing.T) {
	cert := testSigningCert(t)
	code := testCode(3 * 4096)
	params := &SignatureParams{
		Pages:       bytes.NewReader(code),
		HashFunc:    crypto.SHA256,
		InfoPlist:   []byte(testInfoPlist),
		Entitlement: []byte(testEntitlements),
		Flags:       FlagRuntime,
	}
	blob, tsig, err := Sign(context.Background(), cert, params)
	require.NoError(t, err)
	require.NotNil(t, tsig)

	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	result, err := Verify(blob, VerifyParams{
		InfoPlist:    []byte(testInfoPlist),
		TrustedRoots: roots,
	})
	require.NoError(t, err)
	require.NoError(t, result.Err())
	require.NotNil(t, result.Signature)

	require.Len(t, result.Blob.Directories, 1)
	dir := result.Blob.Directories[0]
	assert.Equal(t, "com.example.unit", dir.SigningIdentity)
	assert.Equal(t, "UNITTEST99", dir.TeamIdentifier)
	assert.Equal(t, FlagRuntime, dir.Header.Flags)
	assert.Equal(t, crypto.SHA256, result.HashFunc)
	// the DER entitlements were derived from the xml automatically
	assert.NotNil(t, result.Blob.EntitlementDER)

	problems, err := result.Blob.VerifyPages(bytes.NewReader(code))
	require.NoError(t, err)
	assert.Empty(t, problems)

	reqs, err := result.Blob.Requirements()
	require.NoError(t, err)
	dr := reqs[DesignatedRequirement]
	require.NotNil(t, dr)
	text, err := dr.Format()
	require.NoError(t, err)
	assert.Contains(t, text, `identifier "com.example.unit"`)
	assert.Contains(t, text, "anchor apple generic")
}

func TestVerifyPagesTampered(t *testing.T) {
	cert := testSigningCert(t)
	code := testCode(2*4096 + 100)
	blob, _, err := Sign(context.Background(), cert, &SignatureParams{
		Pages:    bytes.NewReader(code),
		HashFunc: crypto.SHA256,
	})
	require.NoError(t, err)
	result, err := Verify(blob, VerifyParams{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	tampered := append([]byte{}, code...)
	tampered[4096+17] ^= 0x40
	problems, err := result.Blob.VerifyPages(bytes.NewReader(tampered))
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, CodeDigestMismatch, problems[0].Kind)
	assert.Equal(t, 1, problems[0].Page)

	// the last, partial page is tracked too
	tampered2 := append([]byte{}, code...)
	tampered2[2*4096+99] ^= 0x40
	problems, err = result.Blob.VerifyPages(bytes.NewReader(tampered2))
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, 2, problems[0].Page)
}

func TestVerifyWrongInfoPlist(t *testing.T) {
	cert := testSigningCert(t)
	code := testCode(4096)
	blob, _, err := Sign(context.Background(), cert, &SignatureParams{
		Pages:     bytes.NewReader(code),
		HashFunc:  crypto.SHA256,
		InfoPlist: []byte(testInfoPlist),
	})
	require.NoError(t, err)
	result, err := Verify(blob, VerifyParams{InfoPlist: []byte("tampered")})
	require.NoError(t, err)
	require.Error(t, result.Err())
	require.Len(t, result.Problems, 1)
	assert.Equal(t, SlotDigestMismatch, result.Problems[0].Kind)
	assert.Equal(t, cdInfoSlot, result.Problems[0].Slot)
}

func TestVerifyTamperedDirectory(t *testing.T) {
	cert := testSigningCert(t)
	code := testCode(4096)
	blob, _, err := Sign(context.Background(), cert, &SignatureParams{
		Pages:     bytes.NewReader(code),
		HashFunc:  crypto.SHA256,
		InfoPlist: []byte(testInfoPlist),
	})
	require.NoError(t, err)

	// flip a byte of the identity inside the code directory; the CMS
	// signature no longer covers what is on disk
	idx := bytes.Index(blob, []byte("com.example.unit"))
	require.GreaterOrEqual(t, idx, 0)
	tampered := append([]byte{}, blob...)
	tampered[idx] ^= 1
	result, err := Verify(tampered, VerifyParams{InfoPlist: []byte(testInfoPlist)})
	require.NoError(t, err)
	require.Error(t, result.Err())
	require.Len(t, result.Problems, 1)
	assert.Equal(t, SignatureInvalid, result.Problems[0].Kind)
	assert.Nil(t, result.Signature)
}

func TestVerifyTicketRequired(t *testing.T) {
	cert := testSigningCert(t)
	code := testCode(4096)
	blob, _, err := Sign(context.Background(), cert, &SignatureParams{
		Pages:    bytes.NewReader(code),
		HashFunc: crypto.SHA256,
	})
	require.NoError(t, err)

	result, err := Verify(blob, VerifyParams{RequireTicket: true})
	require.NoError(t, err)
	require.Len(t, result.Problems, 1)
	assert.Equal(t, TicketMissing, result.Problems[0].Kind)

	stapled, err := StapleTicket(blob, []byte("test-ticket"))
	require.NoError(t, err)
	result, err = Verify(stapled, VerifyParams{RequireTicket: true})
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, []byte("test-ticket"), result.Blob.NotaryTicket)
}

func TestSignSinglePage(t *testing.T) {
	cert := testSigningCert(t)
	// disk image payloads are hashed as a single slot
	payload := testCode(100000)
	rep := []byte("koly block")
	blob, _, err := Sign(context.Background(), cert, &SignatureParams{
		Pages:       bytes.NewReader(payload),
		HashFunc:    crypto.SHA256,
		RepSpecific: rep,
	})
	require.NoError(t, err)
	result, err := Verify(blob, VerifyParams{RepSpecific: rep})
	require.NoError(t, err)
	require.NoError(t, result.Err())
	dir := result.Blob.Directories[0]
	assert.EqualValues(t, 0, dir.Header.PageSizeLog2)
	require.Len(t, dir.CodeHashes, 1)

	problems, err := result.Blob.VerifyPages(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Empty(t, problems)

	// wrong rep-specific data has to show up
	result, err = Verify(blob, VerifyParams{RepSpecific: []byte("other")})
	require.NoError(t, err)
	require.Len(t, result.Problems, 1)
	assert.Equal(t, SlotDigestMismatch, result.Problems[0].Kind)
	assert.Equal(t, cdRepSpecificSlot, result.Problems[0].Slot)
}
