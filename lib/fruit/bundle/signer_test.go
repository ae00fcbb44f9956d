package bundle

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"debug/macho"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/machos"
	"github.com/cachetsign/cachet/lib/x509tools"
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

// testImage lays out a minimal unsigned 64-bit executable, optionally
// declaring a minimum macOS version through LC_VERSION_MIN_MACOSX.
func testImage(t *testing.T, minVersion uint32) []byte {
	t.Helper()
	const (
		textSize    = 4096
		linkEditLen = 256
	)
	ncmd := uint32(2)
	cmdsz := uint32(144)
	if minVersion != 0 {
		ncmd++
		cmdsz += 16
	}
	var hdr bytes.Buffer
	bo := binary.LittleEndian
	require.NoError(t, binary.Write(&hdr, bo, macho.FileHeader{
		Magic: macho.Magic64,
		Cpu:   macho.CpuAmd64,
		Type:  macho.TypeExec,
		Ncmd:  ncmd,
		Cmdsz: cmdsz,
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
	if minVersion != 0 {
		require.NoError(t, binary.Write(&hdr, bo, []uint32{0x24, 16, minVersion, minVersion}))
	}
	img := make([]byte, textSize+linkEditLen)
	copy(img, hdr.Bytes())
	for i := textSize; i < len(img); i++ {
		img[i] = byte(i * 7)
	}
	return img
}

func TestSignBundle(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Demo.app")
	info := testPlist("CFBundleIdentifier", "com.example.app", "CFBundleExecutable", "demo")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "demo"), testImage(t, 0), 0o755)
	writeTestFile(t, filepath.Join(src, "Contents", "Resources", "data.txt"), []byte("hello resources"), 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "Resources", "en.lproj", "app.strings"), []byte("strings"), 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "Resources", ".DS_Store"), []byte("junk"), 0o644)
	require.NoError(t, os.Symlink("data.txt", filepath.Join(src, "Contents", "Resources", "alias")))

	signer, err := NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))

	sealBlob, err := os.ReadFile(filepath.Join(dest, "Contents", "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	res, err := ParseResources(sealBlob)
	require.NoError(t, err)

	sum1 := sha1.Sum([]byte("hello resources"))
	assert.Equal(t, sum1[:], res.Files["Resources/data.txt"].Hash)
	sum2 := sha256.Sum256([]byte("hello resources"))
	assert.Equal(t, sum2[:], res.Files2["Resources/data.txt"].Hash2)
	assert.True(t, res.Files["Resources/en.lproj/app.strings"].Optional)
	assert.True(t, res.Files2["Resources/en.lproj/app.strings"].Optional)
	assert.Equal(t, "data.txt", res.Files2["Resources/alias"].SymlinkTarget)
	// the junk file is omitted from files2 but the v1 table has no rule
	// for it
	assert.NotContains(t, res.Files2, "Resources/.DS_Store")
	assert.Contains(t, res.Files, "Resources/.DS_Store")
	assert.NotContains(t, res.Files, "Info.plist")
	assert.NotContains(t, res.Files2, "Info.plist")
	assert.NotContains(t, res.Files2, "MacOS/demo")

	// omitted files still land in the output
	assert.FileExists(t, filepath.Join(dest, "Contents", "Resources", ".DS_Store"))
	target, err := os.Readlink(filepath.Join(dest, "Contents", "Resources", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "data.txt", target)
	fi, err := os.Stat(filepath.Join(dest, "Contents", "MacOS", "demo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	exe, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "demo"))
	require.NoError(t, err)
	defer exe.Close()
	result, err := machos.Verify(exe, csblob.VerifyParams{InfoPlist: info, Resources: sealBlob}, false)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	require.Len(t, result.Blob.Directories, 1)
	assert.Equal(t, "com.example.app", result.Blob.Directories[0].SigningIdentity)
}

func TestSignBundleNested(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Demo.app")
	info := testPlist("CFBundleIdentifier", "com.example.app", "CFBundleExecutable", "demo")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "demo"), testImage(t, 0), 0o755)
	fwInfo := testPlist("CFBundleIdentifier", "com.example.fw", "CFBundleExecutable", "My")
	writeTestFile(t, filepath.Join(src, "Contents", "Frameworks", "My.framework", "Resources", "Info.plist"), fwInfo, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "Frameworks", "My.framework", "My"), testImage(t, 0), 0o755)
	writeTestFile(t, filepath.Join(src, "Contents", "Frameworks", "libextra.dylib"), testImage(t, 0), 0o755)

	signer, err := NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))

	fwDir := filepath.Join(dest, "Contents", "Frameworks", "My.framework")
	fwSeal, err := os.ReadFile(filepath.Join(fwDir, "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	fwRes, err := ParseResources(fwSeal)
	require.NoError(t, err)
	assert.Contains(t, fwRes.Files, "Resources/Info.plist")
	assert.Contains(t, fwRes.Files2, "Resources/Info.plist")

	fwExe, err := os.Open(filepath.Join(fwDir, "My"))
	require.NoError(t, err)
	defer fwExe.Close()
	fwSigned, err := machos.ReadSignedInfo(fwExe)
	require.NoError(t, err)
	assert.Contains(t, fwSigned.Requirement, `identifier "com.example.fw"`)

	dylib, err := os.Open(filepath.Join(dest, "Contents", "Frameworks", "libextra.dylib"))
	require.NoError(t, err)
	defer dylib.Close()
	dylibSigned, err := machos.ReadSignedInfo(dylib)
	require.NoError(t, err)
	assert.Contains(t, dylibSigned.Requirement, `identifier "libextra"`)

	sealBlob, err := os.ReadFile(filepath.Join(dest, "Contents", "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	res, err := ParseResources(sealBlob)
	require.NoError(t, err)
	assert.Equal(t, fwSigned.CDHash(), res.Files2["Frameworks/My.framework"].CDHash)
	assert.Contains(t, res.Files2["Frameworks/My.framework"].Requirement, "com.example.fw")
	assert.Equal(t, dylibSigned.CDHash(), res.Files2["Frameworks/libextra.dylib"].CDHash)
	// framework internals are covered by the framework's own entry, not
	// digested into the outer seal
	assert.NotContains(t, res.Files2, "Frameworks/My.framework/My")
	assert.NotContains(t, res.Files2, "Frameworks/My.framework/Resources/Info.plist")

	exe, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "demo"))
	require.NoError(t, err)
	defer exe.Close()
	result, err := machos.Verify(exe, csblob.VerifyParams{InfoPlist: info, Resources: sealBlob}, false)
	require.NoError(t, err)
	assert.NoError(t, result.Err())
}

func TestSignBundleMissingIdentifier(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Demo.app")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"),
		testPlist("CFBundleExecutable", "demo"), 0o644)
	signer, err := NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Demo.app")
	err = signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil)
	assert.ErrorContains(t, err, "CFBundleIdentifier")
}

func TestExcludedBundle(t *testing.T) {
	fwSrc := filepath.Join(t.TempDir(), "My.framework")
	fwInfo := testPlist("CFBundleIdentifier", "com.example.fw", "CFBundleExecutable", "My")
	writeTestFile(t, filepath.Join(fwSrc, "Resources", "Info.plist"), fwInfo, 0o644)
	writeTestFile(t, filepath.Join(fwSrc, "My"), testImage(t, 0), 0o755)
	fwSigner, err := NewSigner(fwSrc)
	require.NoError(t, err)
	fwDest := filepath.Join(t.TempDir(), "My.framework")
	require.NoError(t, fwSigner.WriteSignedBundle(context.Background(), fwDest, testCert(t), nil))
	signedExe, err := os.ReadFile(filepath.Join(fwDest, "My"))
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "Demo.app")
	info := testPlist("CFBundleIdentifier", "com.example.app", "CFBundleExecutable", "demo")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "demo"), testImage(t, 0), 0o755)
	require.NoError(t, copyTree(fwDest, filepath.Join(src, "Contents", "Frameworks", "My.framework"), nil))

	signer, err := NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Demo.app")
	settings := &SigningSettings{Exclude: []string{"Contents/Frameworks/My.framework"}}
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), settings))

	// the excluded framework came through byte for byte
	destExe, err := os.ReadFile(filepath.Join(dest, "Contents", "Frameworks", "My.framework", "My"))
	require.NoError(t, err)
	assert.Equal(t, signedExe, destExe)

	sealBlob, err := os.ReadFile(filepath.Join(dest, "Contents", "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	res, err := ParseResources(sealBlob)
	require.NoError(t, err)
	fwSigned, err := machos.ReadSignedInfo(bytes.NewReader(signedExe))
	require.NoError(t, err)
	assert.Equal(t, fwSigned.CDHash(), res.Files2["Frameworks/My.framework"].CDHash)
}

func TestVersionedFramework(t *testing.T) {
	src := filepath.Join(t.TempDir(), "My.framework")
	fwInfo := testPlist("CFBundleIdentifier", "com.example.fw", "CFBundleExecutable", "My")
	writeTestFile(t, filepath.Join(src, "Versions", "A", "Resources", "Info.plist"), fwInfo, 0o644)
	writeTestFile(t, filepath.Join(src, "Versions", "A", "My"), testImage(t, 0), 0o755)
	require.NoError(t, os.Symlink("A", filepath.Join(src, "Versions", "Current")))
	require.NoError(t, os.Symlink("Versions/Current/My", filepath.Join(src, "My")))
	require.NoError(t, os.Symlink("Versions/Current/Resources", filepath.Join(src, "Resources")))

	signer, err := NewSigner(src)
	require.NoError(t, err)
	assert.Equal(t, Framework, signer.Bundle().Type)
	dest := filepath.Join(t.TempDir(), "My.framework")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))

	assert.FileExists(t, filepath.Join(dest, "Versions", "A", "_CodeSignature", "CodeResources"))
	assert.NoFileExists(t, filepath.Join(dest, "_CodeSignature", "CodeResources"))
	target, err := os.Readlink(filepath.Join(dest, "Versions", "Current"))
	require.NoError(t, err)
	assert.Equal(t, "A", target)
	target, err = os.Readlink(filepath.Join(dest, "My"))
	require.NoError(t, err)
	assert.Equal(t, "Versions/Current/My", target)

	exe, err := os.Open(filepath.Join(dest, "Versions", "A", "My"))
	require.NoError(t, err)
	defer exe.Close()
	info, err := machos.ReadSignedInfo(exe)
	require.NoError(t, err)
	assert.Contains(t, info.Requirement, "com.example.fw")
}

func TestDigestEscalation(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Old.app")
	info := testPlist("CFBundleIdentifier", "com.example.old", "CFBundleExecutable", "old")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	// deployment target predating SHA-256 signature support
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "old"), testImage(t, 0x000a0a00), 0o755)
	signer, err := NewSigner(src)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "Old.app")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))

	sealBlob, err := os.ReadFile(filepath.Join(dest, "Contents", "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	exe, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "old"))
	require.NoError(t, err)
	defer exe.Close()
	result, err := machos.Verify(exe, csblob.VerifyParams{InfoPlist: info, Resources: sealBlob}, false)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	require.Len(t, result.Blob.Directories, 2)
	assert.Equal(t, crypto.SHA1, result.Blob.Directories[0].HashFunc)
	assert.Equal(t, crypto.SHA256, result.Blob.Directories[1].HashFunc)

	src = filepath.Join(t.TempDir(), "New.app")
	info = testPlist("CFBundleIdentifier", "com.example.new", "CFBundleExecutable", "new")
	writeTestFile(t, filepath.Join(src, "Contents", "Info.plist"), info, 0o644)
	writeTestFile(t, filepath.Join(src, "Contents", "MacOS", "new"), testImage(t, 0x000a0c00), 0o755)
	signer, err = NewSigner(src)
	require.NoError(t, err)
	dest = filepath.Join(t.TempDir(), "New.app")
	require.NoError(t, signer.WriteSignedBundle(context.Background(), dest, testCert(t), nil))

	sealBlob, err = os.ReadFile(filepath.Join(dest, "Contents", "_CodeSignature", "CodeResources"))
	require.NoError(t, err)
	exe2, err := os.Open(filepath.Join(dest, "Contents", "MacOS", "new"))
	require.NoError(t, err)
	defer exe2.Close()
	result, err = machos.Verify(exe2, csblob.VerifyParams{InfoPlist: info, Resources: sealBlob}, false)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	// modern deployment targets stay single digest
	assert.Len(t, result.Blob.Directories, 1)
	assert.Equal(t, crypto.SHA256, result.Blob.Directories[0].HashFunc)
}
