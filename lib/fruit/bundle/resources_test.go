package bundle

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/machos"
)

func TestResourcesRoundTrip(t *testing.T) {
	res := newCodeResources(DefaultRules(), DefaultRules2())
	res.Files["Resources/plain.txt"] = FileSeal{Hash: bytes.Repeat([]byte{0x11}, 20)}
	res.Files["Resources/en.lproj/app.strings"] = FileSeal{Hash: bytes.Repeat([]byte{0x22}, 20), Optional: true}
	res.Files2["Resources/plain.txt"] = FileSeal{Hash2: bytes.Repeat([]byte{0x33}, 32)}
	res.Files2["Frameworks/My.framework"] = FileSeal{
		CDHash:      bytes.Repeat([]byte{0x44}, 20),
		Requirement: `identifier "com.example.fw" and anchor apple generic`,
	}
	res.Files2["Resources/alias"] = FileSeal{SymlinkTarget: "plain.txt"}

	blob, err := res.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(blob), "<key>files2</key>")

	parsed, err := ParseResources(blob)
	require.NoError(t, err)
	assert.Equal(t, res.Files, parsed.Files)
	assert.Equal(t, res.Files2, parsed.Files2)
	assert.Equal(t, res.Rules, parsed.Rules)
	assert.Equal(t, res.Rules2, parsed.Rules2)

	_, err = ParseResources(blob[:len(blob)/2])
	assert.Error(t, err)

	badRule := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>rules</key><dict><key>^.*</key><false/></dict>
</dict></plist>`)
	_, err = ParseResources(badRule)
	assert.ErrorContains(t, err, "rule")

	badSeal := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>files</key><dict><key>x.txt</key><integer>3</integer></dict>
</dict></plist>`)
	_, err = ParseResources(badSeal)
	assert.ErrorContains(t, err, "unexpected value")
}

func TestRuleMatching(t *testing.T) {
	rs2, err := compileRules(DefaultRules2())
	require.NoError(t, err)

	rule := rs2.match("Resources/en.lproj/app.strings")
	require.NotNil(t, rule)
	assert.True(t, rule.Optional)
	assert.Equal(t, float64(1000), rule.Weight)

	rule = rs2.match("Resources/Base.lproj/app.strings")
	require.NotNil(t, rule)
	assert.False(t, rule.Optional)
	assert.Equal(t, float64(1010), rule.Weight)

	rule = rs2.match("Resources/fr.lproj/locversion.plist")
	require.NotNil(t, rule)
	assert.True(t, rule.Omit)

	for _, relPath := range []string{
		"Frameworks/My.framework/Versions/A/My",
		"MacOS/helper",
		"libfoo.dylib",
	} {
		rule = rs2.match(relPath)
		require.NotNil(t, rule, relPath)
		assert.True(t, rule.Nested, relPath)
	}

	for _, relPath := range []string{"Info.plist", "PkgInfo", "Resources/.DS_Store"} {
		rule = rs2.match(relPath)
		require.NotNil(t, rule, relPath)
		assert.True(t, rule.Omit, relPath)
	}

	rule = rs2.match("Resources/img.png")
	require.NotNil(t, rule)
	assert.False(t, rule.Omit)
	assert.False(t, rule.Nested)
	assert.Equal(t, float64(20), rule.Weight)

	rule = rs2.match("embedded.provisionprofile")
	require.NotNil(t, rule)
	assert.False(t, rule.Omit)
	assert.Equal(t, float64(20), rule.Weight)

	rs1, err := compileRules(DefaultRules())
	require.NoError(t, err)
	assert.NotNil(t, rs1.match("version.plist"))
	// the dot in the version.plist pattern is unescaped and matches anything
	assert.NotNil(t, rs1.match("versionXplist"))
	assert.Nil(t, rs1.match("MacOS/demo"))
	rule = rs1.match("Resources/en.lproj/app.strings")
	require.NotNil(t, rule)
	assert.False(t, rule.Omit)
	assert.True(t, rule.Optional)
}

type recordingHandler struct {
	installed []string
	signed    []string
	info      *machos.SignedInfo
}

func (h *recordingHandler) InstallFile(f *File) error {
	h.installed = append(h.installed, f.RelPath)
	return nil
}

func (h *recordingHandler) SignAndInstallMachO(f *File) (*machos.SignedInfo, error) {
	h.signed = append(h.signed, f.RelPath)
	if h.info == nil {
		h.info = &machos.SignedInfo{
			Directory:   &csblob.CodeDirectory{CDHash: bytes.Repeat([]byte{0x7a}, 20)},
			Requirement: `identifier "libx"`,
		}
	}
	return h.info, nil
}

func TestBuilderSealing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Thing.bundle")
	writeTestFile(t, filepath.Join(root, "Info.plist"),
		testPlist("CFBundleIdentifier", "com.example.thing"), 0o644)
	writeTestFile(t, filepath.Join(root, "docs", "notes.txt"), []byte("plain notes"), 0o644)
	writeTestFile(t, filepath.Join(root, "libx.dylib"), []byte("dylib"), 0o755)
	require.NoError(t, os.Symlink("docs/notes.txt", filepath.Join(root, "alias")))
	writeTestFile(t, filepath.Join(root, "_CodeSignature", "CodeResources"), []byte("stale"), 0o644)

	b, err := Open(root)
	require.NoError(t, err)
	files, err := b.Files(true)
	require.NoError(t, err)

	builder, err := NewResourcesBuilder(NoResourcesRules(), NoResourcesRules2(), true)
	require.NoError(t, err)
	require.NoError(t, builder.AddExclusion("^_CodeSignature/"))

	handler := new(recordingHandler)
	for _, f := range files {
		require.NoError(t, builder.ProcessFile(f, handler))
	}
	res := builder.Resources()

	sum1 := sha1.Sum([]byte("plain notes"))
	assert.Equal(t, sum1[:], res.Files["docs/notes.txt"].Hash)
	// v1 seals Info.plist, v2 leaves it out
	assert.Contains(t, res.Files, "Info.plist")
	assert.NotContains(t, res.Files2, "Info.plist")
	sum2 := sha256.Sum256([]byte("plain notes"))
	assert.Equal(t, sum2[:], res.Files2["docs/notes.txt"].Hash2)
	// the alias matches the root-level nested rule, but symlinks stay symlinks
	assert.Equal(t, "docs/notes.txt", res.Files2["alias"].SymlinkTarget)
	assert.NotContains(t, res.Files, "alias")
	assert.Equal(t, handler.info.CDHash(), res.Files2["libx.dylib"].CDHash)
	assert.Equal(t, `identifier "libx"`, res.Files2["libx.dylib"].Requirement)
	assert.NotContains(t, res.Files, "_CodeSignature/CodeResources")
	assert.NotContains(t, res.Files2, "_CodeSignature/CodeResources")
	assert.Equal(t, []string{"Info.plist", "alias", "docs/notes.txt"}, handler.installed)
	assert.Equal(t, []string{"libx.dylib"}, handler.signed)

	builder.SealBytes("docs/generated.txt", []byte("generated"))
	sum2 = sha256.Sum256([]byte("generated"))
	assert.Equal(t, sum2[:], builder.Resources().Files2["docs/generated.txt"].Hash2)

	subRoot := filepath.Join(t.TempDir(), "Sub.bundle")
	writeTestFile(t, filepath.Join(subRoot, "Info.plist"),
		testPlist("CFBundleIdentifier", "com.example.sub"), 0o644)
	writeTestFile(t, filepath.Join(subRoot, "notes.txt"), []byte("notes"), 0o644)
	sub, err := Open(subRoot)
	require.NoError(t, err)
	subFiles, err := sub.Files(true)
	require.NoError(t, err)
	for _, f := range subFiles {
		require.NoError(t, builder.SealInstalledFile("Sub.bundle/"+f.RelPath, f))
	}
	sum2 = sha256.Sum256([]byte("notes"))
	assert.Equal(t, sum2[:], builder.Resources().Files2["Sub.bundle/notes.txt"].Hash2)

	// paths matching a nested rule get code directory hash entries, never
	// content digests
	require.NoError(t, builder.SealInstalledFile("enclosed.dylib", subFiles[0]))
	assert.NotContains(t, builder.Resources().Files2, "enclosed.dylib")

	builder.SealNestedBundle("Sub.bundle", handler.info)
	assert.Equal(t, handler.info.CDHash(), builder.Resources().Files2["Sub.bundle"].CDHash)
}
