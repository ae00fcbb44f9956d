package notary

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"debug/macho"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/bundle"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/machos"
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

// testImage lays out a minimal unsigned 64-bit executable.
func testImage(t *testing.T) []byte {
	t.Helper()
	const (
		textSize    = 4096
		linkEditLen = 256
	)
	var hdr bytes.Buffer
	bo := binary.LittleEndian
	require.NoError(t, binary.Write(&hdr, bo, macho.FileHeader{
		Magic: macho.Magic64,
		Cpu:   macho.CpuAmd64,
		Type:  macho.TypeExec,
		Ncmd:  2,
		Cmdsz: 144,
	}))
	hdr.Write(make([]byte, 4)) // reserved
	text := macho.Segment64{
		Cmd:     macho.LoadCmdSegment64,
		Len:     72,
		Addr:    0x100000000,
		Memsz:   textSize,
		Filesz:  textSize,
		Maxprot: 7,
		Prot:    5,
	}
	copy(text.Name[:], "__TEXT")
	require.NoError(t, binary.Write(&hdr, bo, text))
	linkEdit := macho.Segment64{
		Cmd:     macho.LoadCmdSegment64,
		Len:     72,
		Addr:    0x100001000,
		Memsz:   4096,
		Offset:  textSize,
		Filesz:  linkEditLen,
		Maxprot: 7,
		Prot:    1,
	}
	copy(linkEdit.Name[:], "__LINKEDIT")
	require.NoError(t, binary.Write(&hdr, bo, linkEdit))
	img := make([]byte, textSize+linkEditLen)
	copy(img, hdr.Bytes())
	for i := textSize; i < len(img); i++ {
		img[i] = byte(i * 7)
	}
	return img
}

func writeTestFile(t *testing.T, path string, content []byte, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, perm))
}

// signedBundle signs a minimal app bundle and returns its path.
func signedBundle(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "Demo.app")
	info := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>CFBundleIdentifier</key><string>com.example.app</string>
<key>CFBundleExecutable</key><string>demo</string>
</dict></plist>`)
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "demo"), testImage(t), 0o755)
	signer, err := bundle.NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))
	return dest
}

// ticketServer serves a single published ticket, making sure every lookup
// asks for the expected record. A nil ticket means nothing was published.
func ticketServer(t *testing.T, recordName string, ticket []byte) *TicketClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ticketLookupRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) && assert.Len(t, req.Records, 1) {
			assert.Equal(t, recordName, req.Records[0].RecordName)
		}
		if ticket == nil {
			fmt.Fprintf(w, `{"records":[{"recordName":%q,"serverErrorCode":"NOT_FOUND","reason":"Record not found"}]}`, recordName)
			return
		}
		fmt.Fprintf(w, `{"records":[{"recordName":%q,"fields":{"signedTicket":{"value":%q,"type":"BYTES"}}}]}`,
			recordName, base64.StdEncoding.EncodeToString(ticket))
	}))
	t.Cleanup(srv.Close)
	return &TicketClient{HTTPClient: srv.Client(), LookupURL: srv.URL}
}

func TestStapleBundle(t *testing.T) {
	dest := signedBundle(t)
	exe, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "demo"))
	require.NoError(t, err)
	info, err := machos.ReadSignedInfo(exe)
	require.NoError(t, exe.Close())
	require.NoError(t, err)

	ticket := []byte("signed ticket for a bundle")
	cli := ticketServer(t, info.TicketRecordName(), ticket)
	require.NoError(t, cli.StapleFile(context.Background(), dest))

	stapled, err := os.ReadFile(filepath.Join(dest, "Contents", "CodeResources"))
	require.NoError(t, err)
	assert.Equal(t, ticket, stapled)

	// the ticket reads back as bundle furniture, not sealed content
	b, err := bundle.Open(dest)
	require.NoError(t, err)
	files, err := b.Files(false)
	require.NoError(t, err)
	var foundTicket bool
	for _, f := range files {
		if f.IsNotarizationTicket() {
			foundTicket = true
			assert.Equal(t, "Contents/CodeResources", f.RelPath)
		}
	}
	assert.True(t, foundTicket)
}

func TestStapleBundleNoTicket(t *testing.T) {
	dest := signedBundle(t)
	exe, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "demo"))
	require.NoError(t, err)
	info, err := machos.ReadSignedInfo(exe)
	require.NoError(t, exe.Close())
	require.NoError(t, err)

	cli := ticketServer(t, info.TicketRecordName(), nil)
	err = cli.StapleFile(context.Background(), dest)
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.NoFileExists(t, filepath.Join(dest, "Contents", "CodeResources"))
}

func TestStapleUnsignedBundle(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Demo.app")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>CFBundleExecutable</key><string>demo</string>
</dict></plist>`), 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "demo"), testImage(t), 0o755)

	cli := ticketServer(t, "unused", nil)
	err := cli.StapleFile(context.Background(), src)
	var notSigned sigerrors.NotSignedError
	assert.ErrorAs(t, err, &notSigned)
}

func TestStapleRejectsMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo")
	writeTestFile(t, path, testImage(t), 0o755)

	cli := ticketServer(t, "unused", nil)
	err := cli.StapleFile(context.Background(), path)
	assert.ErrorContains(t, err, "staple the enclosing")
}

func TestStapleUnsignedDiskImage(t *testing.T) {
	// bare koly trailer with no signature region
	img := make([]byte, 4512)
	binary.BigEndian.PutUint32(img[4000:], 0x6b6f6c79)
	path := filepath.Join(t.TempDir(), "plain.dmg")
	writeTestFile(t, path, img, 0o644)

	cli := ticketServer(t, "unused", nil)
	err := cli.StapleFile(context.Background(), path)
	var notSigned sigerrors.NotSignedError
	require.ErrorAs(t, err, &notSigned)
	assert.Equal(t, "dmg", notSigned.Type)
}

func TestStapleTruncatedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pkg")
	writeTestFile(t, path, []byte("xar!oops"), 0o644)

	cli := ticketServer(t, "unused", nil)
	err := cli.StapleFile(context.Background(), path)
	assert.Error(t, err)
}
