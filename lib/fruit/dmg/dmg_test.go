package dmg

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

func testCert(t *testing.T) *certloader.Certificate {
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
			Id:       csblob.CodeSignDevIDExecute,
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

// buildTestImage lays out a minimal unsigned disk image: a data fork, the
// XML plist describing it, and the koly trailer.
func buildTestImage(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 4000)
	for i := range data {
		data[i] = byte(i * 5)
	}
	xml := []byte(`<?xml version="1.0"?><plist><dict/></plist>`)
	trailer := udifTrailer{
		Magic:          kolyMagic,
		Version:        4,
		HeaderSize:     trailerSize,
		DataForkLength: int64(len(data)),
		XMLOffset:      int64(len(data)),
		XMLLength:      int64(len(xml)),
		ImageVariant:   2,
		SectorCount:    8,
	}
	var b bytes.Buffer
	b.Write(data)
	b.Write(xml)
	require.NoError(t, binary.Write(&b, binary.BigEndian, trailer))
	require.Len(t, b.Bytes(), len(data)+len(xml)+trailerSize)
	return b.Bytes()
}

func writeImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.dmg")
	require.NoError(t, os.WriteFile(path, img, 0o600))
	return path
}

func openImage(t *testing.T, img []byte) *DMG {
	t.Helper()
	f, err := os.Open(writeImage(t, img))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	d, err := Open(f)
	require.NoError(t, err)
	return d
}

func applyPatch(t *testing.T, patch *binpatch.PatchSet, orig []byte) []byte {
	t.Helper()
	path := writeImage(t, orig)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, patch.Apply(f, ""))
	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	return patched
}

func signImage(t *testing.T, img []byte, params *SignatureParams) []byte {
	t.Helper()
	cert := testCert(t)
	patch, tsig, err := Sign(context.Background(), img[len(img)-trailerSize:], bytes.NewReader(img), cert, params)
	require.NoError(t, err)
	require.NotNil(t, tsig)
	return applyPatch(t, patch, img)
}

func TestOpen(t *testing.T) {
	f, err := os.Open(writeImage(t, []byte("short")))
	require.NoError(t, err)
	defer f.Close()
	_, err = Open(f)
	assert.ErrorContains(t, err, "too small")

	f, err = os.Open(writeImage(t, bytes.Repeat([]byte{0xaa}, 600)))
	require.NoError(t, err)
	defer f.Close()
	_, err = Open(f)
	assert.ErrorContains(t, err, "magic")

	d := openImage(t, buildTestImage(t))
	assert.Nil(t, d.SignatureBlob())
	_, err = d.Verify(csblob.VerifyParams{}, false)
	var notSigned sigerrors.NotSignedError
	require.ErrorAs(t, err, &notSigned)
	assert.Equal(t, "dmg", notSigned.Type)
}

func TestSignImage(t *testing.T) {
	img := buildTestImage(t)
	cert := testCert(t)
	params := &SignatureParams{
		HashFunc:        crypto.SHA256,
		SigningIdentity: "com.example.disk",
	}
	patch, tsig, err := Sign(context.Background(), img[len(img)-trailerSize:], bytes.NewReader(img), cert, params)
	require.NoError(t, err)
	require.NotNil(t, tsig)
	// derived values are reported back for auditing
	assert.Equal(t, "UNITTEST99", params.TeamIdentifier)
	assert.NotNil(t, params.Requirements)
	signed := applyPatch(t, patch, img)
	require.Greater(t, len(signed), len(img))

	d := openImage(t, signed)
	sig, err := d.Verify(csblob.VerifyParams{}, false)
	require.NoError(t, err)
	require.NoError(t, sig.Err())
	dir := sig.Blob.Directories[0]
	assert.Equal(t, "com.example.disk", dir.SigningIdentity)
	assert.Equal(t, "UNITTEST99", dir.TeamIdentifier)
	// the whole image is digested as one slot
	assert.EqualValues(t, 0, dir.Header.PageSizeLog2)
	require.Len(t, dir.CodeHashes, 1)
	assert.EqualValues(t, len(img)-trailerSize, sig.Blob.CodeSize())

	// damage to the contents shows up as a digest finding
	tampered := append([]byte{}, signed...)
	tampered[123] ^= 1
	d = openImage(t, tampered)
	sig, err = d.Verify(csblob.VerifyParams{}, false)
	require.NoError(t, err)
	require.Error(t, sig.Err())
	require.Len(t, sig.Problems, 1)
	assert.Equal(t, csblob.CodeDigestMismatch, sig.Problems[0].Kind)

	// unless digest checking is skipped
	sig, err = d.Verify(csblob.VerifyParams{}, true)
	require.NoError(t, err)
	require.NoError(t, sig.Err())

	_, _, err = Sign(context.Background(), make([]byte, trailerSize), bytes.NewReader(img), cert, params)
	assert.ErrorContains(t, err, "magic")
}

func TestResignImage(t *testing.T) {
	img := buildTestImage(t)
	signed := signImage(t, img, &SignatureParams{
		HashFunc:        crypto.SHA256,
		SigningIdentity: "com.example.disk",
	})

	cert := testCert(t)
	params := &SignatureParams{
		HashFunc:        crypto.SHA256,
		SigningIdentity: "com.example.disk",
	}
	patch, _, err := Sign(context.Background(), signed[len(signed)-trailerSize:], bytes.NewReader(signed), cert, params)
	require.NoError(t, err)
	resigned := applyPatch(t, patch, signed)

	d := openImage(t, resigned)
	sig, err := d.Verify(csblob.VerifyParams{}, false)
	require.NoError(t, err)
	require.NoError(t, sig.Err())

	// a signature that does not sit flush against the contents is rejected
	// rather than leaving a gap or overlap behind
	var trailer udifTrailer
	require.NoError(t, binary.Read(bytes.NewReader(signed[len(signed)-trailerSize:]), binary.BigEndian, &trailer))
	trailer.SignatureOffset += 4
	var crooked bytes.Buffer
	require.NoError(t, binary.Write(&crooked, binary.BigEndian, trailer))
	_, _, err = Sign(context.Background(), crooked.Bytes(), bytes.NewReader(signed), cert, params)
	assert.ErrorContains(t, err, "abut")
}

func TestStapleTicket(t *testing.T) {
	img := buildTestImage(t)
	signed := signImage(t, img, &SignatureParams{
		HashFunc:        crypto.SHA256,
		SigningIdentity: "com.example.disk",
	})

	d := openImage(t, signed)
	sig, err := d.Verify(csblob.VerifyParams{RequireTicket: true}, false)
	require.NoError(t, err)
	require.Error(t, sig.Err())

	ticket := []byte("notary ticket bytes")
	patch, err := d.StapleTicket(ticket)
	require.NoError(t, err)
	stapled := applyPatch(t, patch, signed)

	d = openImage(t, stapled)
	sig, err = d.Verify(csblob.VerifyParams{RequireTicket: true}, false)
	require.NoError(t, err)
	require.NoError(t, sig.Err())
	assert.Equal(t, ticket, sig.Blob.NotaryTicket)

	name, err := d.TicketRecordName()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "2/2/"), name)
	assert.Len(t, name, 4+40)

	// an unsigned image has nothing to attach the ticket to
	unsigned := openImage(t, img)
	_, err = unsigned.StapleTicket(ticket)
	var notSigned sigerrors.NotSignedError
	assert.ErrorAs(t, err, &notSigned)
	_, err = unsigned.TicketRecordName()
	assert.ErrorAs(t, err, &notSigned)
}
