package bundle

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/machos"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// VerifyParams control how strictly a bundle is checked.
type VerifyParams struct {
	// TrustedRoots anchors the certificate chain check of the main
	// executable's signature. Leave nil to skip chain checking.
	TrustedRoots *x509.CertPool
	// RequireTicket makes the absence of a notarization ticket a problem. A
	// ticket stapled beside the signature directory satisfies it, as does one
	// embedded in the executable's signature.
	RequireTicket bool
	// SkipDigests skips recomputing content digests, checking only that the
	// seal and the bundle agree on what exists.
	SkipDigests bool
}

// VerifyResult is the accumulated outcome of checking one bundle.
type VerifyResult struct {
	// Bundle is the bundle that was checked. For a versioned framework this
	// is the current version, not the framework root.
	Bundle *Bundle
	// Signature holds the verified signature of the main executable, or nil
	// when the bundle declares no executable.
	Signature *csblob.VerifiedBlob
	// Ticket is the stapled notarization ticket, if present.
	Ticket []byte
	// Problems collects every finding, the main executable's own problems
	// included.
	Problems []csblob.Problem
}

// Err flattens the problem list into a single error, or nil when the bundle
// verified clean.
func (r *VerifyResult) Err() error {
	if len(r.Problems) == 0 {
		return nil
	}
	errs := make([]error, len(r.Problems))
	for i, p := range r.Problems {
		errs[i] = p
	}
	return errors.Join(errs...)
}

// Verify checks the signed bundle at root against its resources seal: sealed
// files are digested again, nested code is compared to its recorded code
// directory hash, and the main executable's signature is verified with the
// Info.plist and the seal bound in. Findings accumulate on the result rather
// than aborting, so a damaged bundle gets reported in full. Bundles nested
// inside this one are vouched for by their sealed code identity and are not
// themselves re-verified.
func Verify(root string, params VerifyParams) (*VerifyResult, error) {
	b, err := Open(root)
	if err != nil {
		return nil, err
	}
	if b.Type == Framework && hasVersions(b) {
		// the seal and signature live inside each version
		current, err := currentVersion(b)
		if err != nil {
			return nil, err
		}
		if b, err = Open(current); err != nil {
			return nil, err
		}
	}
	return VerifyBundle(b, params)
}

// VerifyBundle is like Verify for a bundle that is already open.
func VerifyBundle(b *Bundle, params VerifyParams) (*VerifyResult, error) {
	sealBlob, err := os.ReadFile(filepath.Join(b.ContentRoot(), "_CodeSignature", "CodeResources"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, sigerrors.NotSignedError{Type: "bundle"}
	} else if err != nil {
		return nil, err
	}
	resources, err := ParseResources(sealBlob)
	if err != nil {
		return nil, err
	}
	v := &verifier{
		bundle:    b,
		resources: resources,
		params:    params,
		result:    &VerifyResult{Bundle: b},
		seen:      make(map[string]bool),
		seen1:     make(map[string]bool),
	}
	// the version 1 ruleset is not needed for checking but must still parse
	if _, err := compileRules(resources.Rules); err != nil {
		return nil, err
	}
	if v.rules2, err = compileRules(resources.Rules2); err != nil {
		return nil, err
	}
	ticket, err := os.ReadFile(filepath.Join(b.Root, filepath.FromSlash(b.TicketPath())))
	if err == nil {
		v.result.Ticket = ticket
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := v.checkExecutable(sealBlob); err != nil {
		return nil, err
	}
	if err := v.checkFiles(); err != nil {
		return nil, err
	}
	if err := v.checkNestedBundles(); err != nil {
		return nil, err
	}
	v.checkLeftovers()
	return v.result, nil
}

type verifier struct {
	bundle    *Bundle
	resources *CodeResources
	rules2    *ruleSet
	params    VerifyParams
	result    *VerifyResult
	seen      map[string]bool
	seen1     map[string]bool
}

func (v *verifier) problem(p csblob.Problem) {
	v.result.Problems = append(v.result.Problems, p)
}

// checkExecutable verifies the signature embedded in the main executable,
// binding in the manifest and seal that checkFiles leaves alone.
func (v *verifier) checkExecutable(sealBlob []byte) error {
	exePath := v.bundle.ExecutablePath()
	if exePath == "" {
		return nil
	}
	exe, err := os.Open(filepath.Join(v.bundle.Root, filepath.FromSlash(exePath)))
	if errors.Is(err, fs.ErrNotExist) {
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceMissing,
			Path:   exePath,
			Detail: fmt.Sprintf("main executable %s is missing", exePath),
		})
		return nil
	} else if err != nil {
		return err
	}
	defer exe.Close()
	sig, err := machos.Verify(exe, csblob.VerifyParams{
		InfoPlist:     v.bundle.InfoPlist(),
		Resources:     sealBlob,
		TrustedRoots:  v.params.TrustedRoots,
		RequireTicket: v.params.RequireTicket && len(v.result.Ticket) == 0,
	}, v.params.SkipDigests)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", exePath, err)
	}
	v.result.Signature = sig
	v.result.Problems = append(v.result.Problems, sig.Problems...)
	return nil
}

// checkFiles walks the bundle's own files, leaving nested bundle trees for
// checkNestedBundles.
func (v *verifier) checkFiles() error {
	files, err := v.bundle.Files(false)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsMainExecutable() || f.IsSignatureMember() || f.IsNotarizationTicket() {
			continue
		}
		if err := v.checkFile(f); err != nil {
			return err
		}
	}
	return nil
}

// checkFile compares one file to its seal. The entry's own shape decides the
// check: a code directory hash reads the file's signature back, a symlink
// target compares the link, and anything else digests content. A file with no
// entry is a problem only when the sealed rules say it should have one.
func (v *verifier) checkFile(f *File) error {
	sealPath := sealPathFor(v.bundle, f.RelPath)
	seal2, ok2 := v.resources.Files2[sealPath]
	seal1, ok1 := v.resources.Files[sealPath]
	if ok2 {
		v.seen[sealPath] = true
	}
	if ok1 {
		v.seen1[sealPath] = true
	}
	if !ok1 && !ok2 {
		if rule := v.rules2.match(sealPath); rule != nil && !rule.Omit {
			v.problem(csblob.Problem{
				Kind:   csblob.ResourceAdded,
				Path:   sealPath,
				Detail: fmt.Sprintf("%s is present but not sealed", sealPath),
			})
		}
		return nil
	}
	if f.IsSymlink() {
		target, err := os.Readlink(f.Path())
		if err != nil {
			return err
		}
		if ok2 && seal2.SymlinkTarget != target {
			v.problem(csblob.Problem{
				Kind:   csblob.ResourceDigestMismatch,
				Path:   sealPath,
				Detail: fmt.Sprintf("symlink %s: expected target %q, got %q", sealPath, seal2.SymlinkTarget, target),
			})
		}
		return nil
	}
	if ok2 && len(seal2.CDHash) > 0 {
		return v.checkSealedCode(sealPath, f.Path(), seal2)
	}
	if v.params.SkipDigests {
		return nil
	}
	blob, err := os.ReadFile(f.Path())
	if err != nil {
		return err
	}
	if ok2 && len(seal2.Hash2) > 0 {
		digest := sha256.Sum256(blob)
		if !bytes.Equal(digest[:], seal2.Hash2) {
			v.problem(csblob.Problem{
				Kind:   csblob.ResourceDigestMismatch,
				Path:   sealPath,
				Detail: fmt.Sprintf("%s: digest mismatch: expected %x, got %x", sealPath, seal2.Hash2, digest),
			})
		}
	}
	if ok1 && len(seal1.Hash) > 0 {
		digest := sha1.Sum(blob)
		if !bytes.Equal(digest[:], seal1.Hash) {
			v.problem(csblob.Problem{
				Kind:   csblob.ResourceDigestMismatch,
				Path:   sealPath,
				Detail: fmt.Sprintf("%s: version 1 digest mismatch: expected %x, got %x", sealPath, seal1.Hash, digest),
			})
		}
	}
	return nil
}

// checkSealedCode reads the signature of independently signed code and
// compares its identity to the seal. A missing or unreadable signature is a
// finding about the bundle, not a hard failure.
func (v *verifier) checkSealedCode(sealPath, fpath string, seal FileSeal) error {
	exe, err := os.Open(fpath)
	if err != nil {
		return err
	}
	defer exe.Close()
	info, err := machos.ReadSignedInfo(exe)
	if err != nil {
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceDigestMismatch,
			Path:   sealPath,
			Detail: fmt.Sprintf("%s: reading nested code signature: %s", sealPath, err),
		})
		return nil
	}
	if !bytes.Equal(info.CDHash(), seal.CDHash) {
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceDigestMismatch,
			Path:   sealPath,
			Detail: fmt.Sprintf("%s: code directory hash mismatch: expected %x, got %x", sealPath, seal.CDHash, info.CDHash()),
		})
	}
	if seal.Requirement != "" && info.Requirement != seal.Requirement {
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceDigestMismatch,
			Path:   sealPath,
			Detail: fmt.Sprintf("%s: designated requirement does not match seal", sealPath),
		})
	}
	return nil
}

// checkNestedBundles covers the content of directly nested bundles the same
// way sealing did: files inside the nested code directories are vouched for
// by the enclosing code directory hash entry, everything else is digested
// individually, and the bundle itself is compared to its sealed code identity
// when the seal records one.
func (v *verifier) checkNestedBundles() error {
	nested, err := v.bundle.NestedBundles(false)
	if err != nil {
		return err
	}
	for _, n := range nested {
		files, err := n.Bundle.Files(true)
		if err != nil {
			return err
		}
		for _, f := range files {
			relPath := path.Join(n.RelPath, f.RelPath)
			sealPath := sealPathFor(v.bundle, relPath)
			if rule := v.rules2.match(sealPath); rule != nil && rule.Nested {
				continue
			}
			if err := v.checkFile(&File{Bundle: v.bundle, RelPath: relPath, mode: f.mode}); err != nil {
				return err
			}
		}
		sealPath := sealPathFor(v.bundle, n.RelPath)
		seal, ok := v.resources.Files2[sealPath]
		if !ok || len(seal.CDHash) == 0 {
			continue
		}
		v.seen[sealPath] = true
		exePath := n.Bundle.ExecutablePath()
		if exePath == "" {
			v.problem(csblob.Problem{
				Kind:   csblob.ResourceDigestMismatch,
				Path:   sealPath,
				Detail: fmt.Sprintf("%s: sealed as code but declares no executable", sealPath),
			})
			continue
		}
		if err := v.checkSealedCode(sealPath, filepath.Join(n.Bundle.Root, filepath.FromSlash(exePath)), seal); err != nil {
			return err
		}
	}
	return nil
}

// checkLeftovers reports seal entries that no file on disk claimed.
func (v *verifier) checkLeftovers() {
	for _, sealPath := range sortedKeys(v.resources.Files2) {
		if v.seen[sealPath] || v.resources.Files2[sealPath].Optional {
			continue
		}
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceMissing,
			Path:   sealPath,
			Detail: fmt.Sprintf("sealed file %s is missing", sealPath),
		})
	}
	for _, sealPath := range sortedKeys(v.resources.Files) {
		if v.seen1[sealPath] || v.resources.Files[sealPath].Optional {
			continue
		}
		if _, ok := v.resources.Files2[sealPath]; ok {
			// already reported against the version 2 seal
			continue
		}
		v.problem(csblob.Problem{
			Kind:   csblob.ResourceMissing,
			Path:   sealPath,
			Detail: fmt.Sprintf("sealed file %s is missing (version 1 seal)", sealPath),
		})
	}
}

func sealPathFor(b *Bundle, relPath string) string {
	if b.Shallow {
		return relPath
	}
	return strings.TrimPrefix(relPath, "Contents/")
}

// currentVersion resolves the active version directory of a versioned
// framework, preferring the Current link. The link must be resolved to a real
// directory or the verification walk would stop at the link itself.
func currentVersion(b *Bundle) (string, error) {
	current, err := filepath.EvalSymlinks(filepath.Join(b.Root, "Versions", "Current"))
	if err == nil {
		return current, nil
	}
	versions, err := b.FrameworkVersions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%s: framework has no versions", b.Root)
	}
	return filepath.Join(b.Root, "Versions", versions[0]), nil
}

func sortedKeys(m map[string]FileSeal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
