package bundle

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/machos"
)

// releases before macOS 10.11.4 verify only SHA-1 code directories
const sha256MinVersion = 0x000a0b04

// Signer writes signed copies of a bundle and of the bundles nested inside
// it.
type Signer struct {
	root   *Bundle
	nested []NestedBundle
}

// NewSigner opens the bundle at root and enumerates everything inside it
// that needs a signature of its own.
func NewSigner(root string) (*Signer, error) {
	b, err := Open(root)
	if err != nil {
		return nil, err
	}
	nested, err := b.NestedBundles(true)
	if err != nil {
		return nil, err
	}
	return &Signer{root: b, nested: nested}, nil
}

// Bundle returns the bundle being signed.
func (s *Signer) Bundle() *Bundle { return s.root }

// WriteSignedBundle signs the bundle into a new tree at dest. Nested bundles
// are signed leaf first so that every seal covers the final content of what
// it encloses, and each bundle's main executable is signed last with the
// Info.plist and resources seal bound into its signature.
func (s *Signer) WriteSignedBundle(ctx context.Context, dest string, cert *certloader.Certificate, settings *SigningSettings) error {
	if settings == nil {
		settings = &SigningSettings{}
	}
	order := make([]NestedBundle, len(s.nested))
	copy(order, s.nested)
	sort.SliceStable(order, func(i, j int) bool {
		return len(order[i].RelPath) > len(order[j].RelPath)
	})
	for _, n := range order {
		if ancestorExcluded(settings, n.RelPath) {
			// the verbatim copy of the enclosing excluded bundle covers it
			continue
		}
		destDir := filepath.Join(dest, filepath.FromSlash(n.RelPath))
		switch {
		case settings.Excluded(n.RelPath):
			if err := copyTree(n.Bundle.Root, destDir, nil); err != nil {
				return fmt.Errorf("copying excluded bundle %s: %w", n.RelPath, err)
			}
		case n.Bundle.Type == Framework && hasVersions(n.Bundle):
			if err := copyFrameworkShell(n.Bundle, destDir); err != nil {
				return fmt.Errorf("copying framework %s: %w", n.RelPath, err)
			}
		default:
			if err := signSingleBundle(ctx, n.Bundle, destDir, cert, settings.NarrowedTo(n.RelPath)); err != nil {
				return fmt.Errorf("signing nested bundle %s: %w", n.RelPath, err)
			}
		}
	}
	if s.root.Type == Framework && hasVersions(s.root) {
		return copyFrameworkShell(s.root, dest)
	}
	return signSingleBundle(ctx, s.root, dest, cert, settings)
}

// signSingleBundle seals and signs one bundle, not descending into nested
// bundles except to enclose their already signed content in the seal.
func signSingleBundle(ctx context.Context, b *Bundle, dest string, cert *certloader.Certificate, settings *SigningSettings) error {
	if b.Identifier() == "" && settings.Identifier == "" {
		return fmt.Errorf("%s: bundle has no CFBundleIdentifier", b.Root)
	}
	files, err := b.Files(false)
	if err != nil {
		return err
	}
	nested, err := b.NestedBundles(false)
	if err != nil {
		return err
	}
	rules, rules2 := bundleRules(b)
	builder, err := NewResourcesBuilder(rules, rules2, b.Shallow)
	if err != nil {
		return err
	}
	if err := builder.AddExclusion("^_CodeSignature/"); err != nil {
		return err
	}
	if err := builder.AddExclusion("^CodeResources$"); err != nil {
		return err
	}
	handler := &installer{ctx: ctx, dest: dest, cert: cert, settings: settings}
	infoPlist := b.InfoPlist()
	if settings.InfoPlist != nil {
		infoPlist = settings.InfoPlist
	}
	var mainExe *File
	for _, f := range files {
		switch {
		case f.IsMainExecutable():
			// signed last, once the seal is complete
			mainExe = f
		case f.IsInfoPlist():
			destPath := handler.destPath(f)
			if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(destPath, infoPlist, 0644); err != nil {
				return err
			}
			builder.SealBytes(f.RelPath, infoPlist)
		default:
			if err := builder.ProcessFile(f, handler); err != nil {
				return err
			}
		}
	}
	if len(nested) > 0 {
		if err := sealNestedContent(b, dest, builder); err != nil {
			return err
		}
	}
	var extraDigests []crypto.Hash
	if mainExe != nil && settings.hashFunc() == crypto.SHA256 {
		exe, err := os.Open(mainExe.Path())
		if err != nil {
			return err
		}
		version, err := machos.TargetVersion(exe)
		exe.Close()
		if err == nil && version != 0 && version < sha256MinVersion {
			extraDigests = []crypto.Hash{crypto.SHA1}
		}
	}
	resources, err := builder.Resources().Marshal()
	if err != nil {
		return err
	}
	sigDir := filepath.Join(contentDest(b, dest), "_CodeSignature")
	if err := os.MkdirAll(sigDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(sigDir, "CodeResources"), resources, 0644); err != nil {
		return err
	}
	if mainExe == nil {
		return nil
	}
	destPath := filepath.Join(dest, filepath.FromSlash(mainExe.RelPath))
	src, err := openForSigning(mainExe.Path(), destPath)
	if err != nil {
		return err
	}
	defer src.Close()
	params := &csblob.SignatureParams{
		HashFunc:        settings.hashFunc(),
		ExtraDigests:    extraDigests,
		InfoPlist:       infoPlist,
		Resources:       resources,
		Flags:           settings.Flags,
		Entitlement:     settings.Entitlements,
		SigningIdentity: settings.Identifier,
	}
	if params.SigningIdentity == "" {
		params.SigningIdentity = b.Identifier()
	}
	patch, _, err := machos.Sign(ctx, src, signingCert(cert, settings), params)
	if err != nil {
		return fmt.Errorf("signing %s: %w", mainExe.RelPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	if err := patch.Apply(src, destPath); err != nil {
		return err
	}
	fi, err := os.Stat(mainExe.Path())
	if err != nil {
		return err
	}
	return os.Chmod(destPath, fi.Mode().Perm())
}

// sealNestedContent re-reads the written output and encloses the content of
// nested bundles in the seal, so that enclosed digests cover signed bytes.
// Bundles outside the nested code directories have their files digested
// individually; everything else is covered by a code directory hash entry
// for the bundle itself, which frameworks are known not to record.
func sealNestedContent(b *Bundle, dest string, builder *ResourcesBuilder) error {
	destBundle, err := Open(dest)
	if err != nil {
		return fmt.Errorf("reading signed output: %w", err)
	}
	installed, err := destBundle.NestedBundles(false)
	if err != nil {
		return fmt.Errorf("reading signed output: %w", err)
	}
	for _, n := range installed {
		nestedFiles, err := n.Bundle.Files(true)
		if err != nil {
			return err
		}
		for _, f := range nestedFiles {
			if err := builder.SealInstalledFile(path.Join(n.RelPath, f.RelPath), f); err != nil {
				return err
			}
		}
	}
	if b.Type == Framework {
		return nil
	}
	for _, n := range installed {
		exePath := n.Bundle.ExecutablePath()
		if exePath == "" {
			continue
		}
		exe, err := os.Open(filepath.Join(n.Bundle.Root, filepath.FromSlash(exePath)))
		if err != nil {
			return fmt.Errorf("reading nested bundle signature %s: %w", n.RelPath, err)
		}
		info, err := machos.ReadSignedInfo(exe)
		exe.Close()
		if err != nil {
			return fmt.Errorf("reading nested bundle signature %s: %w", n.RelPath, err)
		}
		builder.SealNestedBundle(n.RelPath, info)
	}
	return nil
}

// installer copies sealed files into the output tree and signs the bare
// code objects the resource rules mark as nested.
type installer struct {
	ctx      context.Context
	dest     string
	cert     *certloader.Certificate
	settings *SigningSettings
}

func (in *installer) destPath(f *File) string {
	return filepath.Join(in.dest, filepath.FromSlash(f.RelPath))
}

func (in *installer) InstallFile(f *File) error {
	target := in.destPath(f)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if f.IsSymlink() {
		return copySymlink(f.Path(), target)
	}
	fi, err := os.Stat(f.Path())
	if err != nil {
		return err
	}
	return copyFile(f.Path(), target, fi.Mode().Perm())
}

func (in *installer) SignAndInstallMachO(f *File) (*machos.SignedInfo, error) {
	target := in.destPath(f)
	src, err := openForSigning(f.Path(), target)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	params := &csblob.SignatureParams{
		HashFunc:        in.settings.hashFunc(),
		Flags:           in.settings.Flags,
		SigningIdentity: identifierFor(f, in.settings),
	}
	if override := in.settings.Nested[f.RelPath]; override != nil {
		if override.Entitlements != nil {
			params.Entitlement = override.Entitlements
		}
		if override.Flags != 0 {
			params.Flags = override.Flags
		}
		if override.HashFunc != 0 {
			params.HashFunc = override.HashFunc
		}
	}
	patch, _, err := machos.Sign(in.ctx, src, signingCert(in.cert, in.settings), params)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}
	if err := patch.Apply(src, target); err != nil {
		return nil, err
	}
	fi, err := os.Stat(f.Path())
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(target, fi.Mode().Perm()); err != nil {
		return nil, err
	}
	signed, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	defer signed.Close()
	return machos.ReadSignedInfo(signed)
}

// openForSigning opens a code file for reading, or read-write when the
// signed output will be patched over the input itself.
func openForSigning(src, dest string) (*os.File, error) {
	if src == dest {
		return os.OpenFile(src, os.O_RDWR, 0)
	}
	return os.Open(src)
}

// identifierFor returns the signing identifier of a bare code file, which
// takes its name with any .dylib suffix stripped unless overridden.
func identifierFor(f *File, settings *SigningSettings) string {
	if override := settings.Nested[f.RelPath]; override != nil && override.Identifier != "" {
		return override.Identifier
	}
	return strings.TrimSuffix(path.Base(f.RelPath), ".dylib")
}

// signingCert drops the timestamper from the certificate when settings call
// for untimestamped signatures.
func signingCert(cert *certloader.Certificate, settings *SigningSettings) *certloader.Certificate {
	if settings.NoTimestamp && cert != nil && cert.Timestamper != nil {
		clone := *cert
		clone.Timestamper = nil
		return &clone
	}
	return cert
}

// bundleRules picks the rulesets a bundle seals with. Deep bundles and
// bundles holding a Resources/ directory use the default rules, anything
// else the no-resources variant.
func bundleRules(b *Bundle) (rules, rules2 map[string]Rule) {
	if !b.Shallow {
		return DefaultRules(), DefaultRules2()
	}
	if fi, err := os.Stat(filepath.Join(b.Root, "Resources")); err == nil && fi.IsDir() {
		return DefaultRules(), DefaultRules2()
	}
	return NoResourcesRules(), NoResourcesRules2()
}

func contentDest(b *Bundle, dest string) string {
	if b.Shallow {
		return dest
	}
	return filepath.Join(dest, "Contents")
}

func hasVersions(b *Bundle) bool {
	fi, err := os.Stat(filepath.Join(b.Root, "Versions"))
	return err == nil && fi.IsDir()
}

// ancestorExcluded reports whether an enclosing path of relPath is excluded,
// in which case the verbatim copy of that ancestor already produced this
// bundle.
func ancestorExcluded(settings *SigningSettings, relPath string) bool {
	for {
		i := strings.LastIndex(relPath, "/")
		if i < 0 {
			return false
		}
		relPath = relPath[:i]
		if settings.Excluded(relPath) {
			return true
		}
	}
}

// copyFrameworkShell copies everything of a versioned framework except the
// versions themselves, which are signed separately. The Current symlink and
// the link farm at the framework root are preserved as links.
func copyFrameworkShell(b *Bundle, dest string) error {
	versions, err := b.FrameworkVersions()
	if err != nil {
		return err
	}
	skip := make([]string, 0, len(versions))
	for _, v := range versions {
		skip = append(skip, "Versions/"+v)
	}
	return copyTree(b.Root, dest, skip)
}

func copyTree(src, dest string, skip []string) error {
	return filepath.WalkDir(src, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, fpath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, s := range skip {
			if rel == s {
				return fs.SkipDir
			}
		}
		target := dest
		if rel != "." {
			target = filepath.Join(dest, filepath.FromSlash(rel))
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			return copySymlink(fpath, target)
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(fpath, target, info.Mode().Perm())
		}
	})
}

func copySymlink(src, dest string) error {
	if src == dest {
		return nil
	}
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dest); errors.Is(err, fs.ErrExist) {
		if err := os.Remove(dest); err != nil {
			return err
		}
		return os.Symlink(target, dest)
	} else if err != nil {
		return err
	}
	return nil
}

func copyFile(src, dest string, perm fs.FileMode) error {
	if src == dest {
		// signing a tree over itself
		return os.Chmod(dest, perm)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dest, perm)
}
