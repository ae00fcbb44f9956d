package xar

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
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

func makeCert(t *testing.T, key crypto.Signer) *certloader.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: x509tools.MakeSerial(),
		Subject: pkix.Name{
			CommonName:         "Developer ID Installer: Unit Test",
			OrganizationalUnit: []string{"UNITTEST99"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{{
			Id:       csblob.CodeSignDevIDInstall,
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

func testCert(t *testing.T) *certloader.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return makeCert(t, key)
}

func testRSACert(t *testing.T) *certloader.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return makeCert(t, key)
}

// buildTestXar lays out a minimal unsigned archive: a header, a zlib TOC
// naming one payload file, and a heap holding the TOC checksum and the
// payload.
func buildTestXar(t *testing.T) []byte {
	t.Helper()
	payload := []byte("payload bytes standing in for a compressed cpio archive")
	payloadSum := sha1.Sum(payload)
	tocXML := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		`<xar><toc><creation-time>2026-01-02T03:04:05</creation-time>`+
		`<checksum style="sha1"><offset>0</offset><size>20</size></checksum>`+
		`<file id="1"><name>Payload</name><type>file</type>`+
		`<data><archived-checksum style="sha1">%x</archived-checksum>`+
		`<extracted-checksum style="sha1">%x</extracted-checksum>`+
		`<encoding style="application/octet-stream"/>`+
		`<size>%d</size><offset>20</offset><length>%d</length></data>`+
		`</file></toc></xar>`,
		payloadSum, payloadSum, len(payload), len(payload))
	var ztoc bytes.Buffer
	zw := zlib.NewWriter(&ztoc)
	_, err := zw.Write([]byte(tocXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.BigEndian, xarHeader{
		Magic:            xarMagic,
		HeaderSize:       headerLen,
		Version:          1,
		CompressedSize:   int64(ztoc.Len()),
		UncompressedSize: int64(len(tocXML)),
		HashAlg:          hashSHA1,
	}))
	tocSum := sha1.Sum(ztoc.Bytes())
	b.Write(ztoc.Bytes())
	b.Write(tocSum[:])
	b.Write(payload)
	return b.Bytes()
}

func applyPatch(t *testing.T, patch *binpatch.PatchSet, orig []byte) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.pkg")
	require.NoError(t, os.WriteFile(path, orig, 0o600))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, patch.Apply(f, ""))
	patched, err := os.ReadFile(path)
	require.NoError(t, err)
	return patched
}

func signArchive(t *testing.T, img []byte, cert *certloader.Certificate, hashFunc crypto.Hash) []byte {
	t.Helper()
	patch, tsig, err := Sign(context.Background(), bytes.NewReader(img), cert, hashFunc)
	require.NoError(t, err)
	require.NotNil(t, tsig)
	return applyPatch(t, patch, img)
}

func TestOpenArchive(t *testing.T) {
	img := buildTestXar(t)
	x, err := Open(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA1, x.HashFunc)
	assert.Nil(t, x.ClassicSignature)
	assert.Nil(t, x.CMSSignature)
	assert.Nil(t, x.NotaryTicket)
	_, err = x.Verify(false)
	var notSigned sigerrors.NotSignedError
	require.ErrorAs(t, err, &notSigned)
	assert.Equal(t, "xar", notSigned.Type)

	// damage the stored TOC checksum
	ztocSize := int64(binary.BigEndian.Uint64(img[8:16]))
	bad := append([]byte{}, img...)
	bad[28+ztocSize] ^= 1
	_, err = Open(bytes.NewReader(bad), int64(len(bad)))
	assert.ErrorContains(t, err, "checksum mismatch")

	bad = append([]byte{}, img...)
	bad[0] = 'y'
	_, err = Open(bytes.NewReader(bad), int64(len(bad)))
	assert.ErrorContains(t, err, "magic")

	_, err = Open(bytes.NewReader([]byte("xar!")), 4)
	assert.Error(t, err)
}

func TestSignArchive(t *testing.T) {
	img := buildTestXar(t)
	cert := testCert(t)
	signed := signArchive(t, img, cert, crypto.SHA256)
	require.Greater(t, len(signed), len(img))

	x, err := Open(bytes.NewReader(signed), int64(len(signed)))
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, x.HashFunc)
	require.NotNil(t, x.CMSSignature)
	// ECDSA keys get no classic RSA signature slot
	assert.Nil(t, x.ClassicSignature)

	sig, err := x.Verify(false)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, sig.HashFunc)
	assert.Equal(t, "Developer ID Installer: Unit Test", sig.Signature.Certificate.Subject.CommonName)
	assert.Nil(t, sig.NotaryTicket)

	// damage to the payload shows up unless digests are skipped
	tampered := append([]byte{}, signed...)
	tampered[len(tampered)-1] ^= 1
	x, err = Open(bytes.NewReader(tampered), int64(len(tampered)))
	require.NoError(t, err)
	_, err = x.Verify(false)
	require.ErrorContains(t, err, "digest mismatch")
	_, err = x.Verify(true)
	require.NoError(t, err)
}

func TestSignArchiveRSA(t *testing.T) {
	img := buildTestXar(t)
	cert := testRSACert(t)
	signed := signArchive(t, img, cert, crypto.SHA1)

	x, err := Open(bytes.NewReader(signed), int64(len(signed)))
	require.NoError(t, err)
	require.NotNil(t, x.ClassicSignature)
	require.NotNil(t, x.CMSSignature)
	require.Len(t, x.Certificates, 1)
	_, err = x.Verify(false)
	require.NoError(t, err)

	// older packages carry only the classic signature
	x.CMSSignature = nil
	sig, err := x.Verify(false)
	require.NoError(t, err)
	assert.Equal(t, "Developer ID Installer: Unit Test", sig.Signature.Certificate.Subject.CommonName)
}

func TestStapleTicket(t *testing.T) {
	img := buildTestXar(t)
	cert := testCert(t)
	signed := signArchive(t, img, cert, crypto.SHA256)

	x, err := Open(bytes.NewReader(signed), int64(len(signed)))
	require.NoError(t, err)
	ticket := []byte("notary ticket bytes")
	patch, err := x.StapleTicket(ticket)
	require.NoError(t, err)
	stapled := applyPatch(t, patch, signed)
	require.Len(t, stapled, len(signed)+2*trailerSize+len(ticket))

	x, err = Open(bytes.NewReader(stapled), int64(len(stapled)))
	require.NoError(t, err)
	assert.Equal(t, ticket, x.NotaryTicket)
	sig, err := x.Verify(false)
	require.NoError(t, err)
	assert.Equal(t, ticket, sig.NotaryTicket)

	// tickets are published under the stored checksum
	name, err := x.TicketRecordName()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("2/2/%x", x.TOCHash), name)

	// re-stapling replaces the ticket instead of stacking trailers
	patch, err = x.StapleTicket([]byte("fresh ticket"))
	require.NoError(t, err)
	restapled := applyPatch(t, patch, stapled)
	x, err = Open(bytes.NewReader(restapled), int64(len(restapled)))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh ticket"), x.NotaryTicket)

	// re-signing drops the now stale ticket
	patch2, _, err := Sign(context.Background(), bytes.NewReader(restapled), cert, crypto.SHA256)
	require.NoError(t, err)
	resigned := applyPatch(t, patch2, restapled)
	x, err = Open(bytes.NewReader(resigned), int64(len(resigned)))
	require.NoError(t, err)
	assert.Nil(t, x.NotaryTicket)
	_, err = x.Verify(false)
	require.NoError(t, err)

	// an unsigned archive cannot take a ticket
	xu, err := Open(bytes.NewReader(img), int64(len(img)))
	require.NoError(t, err)
	_, err = xu.StapleTicket(ticket)
	var notSigned sigerrors.NotSignedError
	assert.ErrorAs(t, err, &notSigned)
	_, err = xu.TicketRecordName()
	assert.ErrorAs(t, err, &notSigned)
}
