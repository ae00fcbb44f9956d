package bundle

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"strings"

	"howett.net/plist"

	"github.com/cachetsign/cachet/lib/fruit/machos"
)

// FileSeal is the seal of a single file in a CodeResources manifest.
type FileSeal struct {
	// Hash is the SHA-1 digest recorded in the version 1 files dict
	Hash []byte
	// Hash2 is the SHA-256 digest recorded in files2
	Hash2 []byte
	// CDHash is the truncated code directory hash of a nested code object
	CDHash []byte
	// Requirement is the designated requirement of a nested code object
	Requirement string
	// SymlinkTarget is the literal target of a symbolic link
	SymlinkTarget string
	// Optional marks files that may be absent at verification time
	Optional bool
}

// CodeResources is the parsed form of a bundle's resources seal.
type CodeResources struct {
	Files  map[string]FileSeal
	Files2 map[string]FileSeal
	Rules  map[string]Rule
	Rules2 map[string]Rule
}

func newCodeResources(rules, rules2 map[string]Rule) *CodeResources {
	return &CodeResources{
		Files:  make(map[string]FileSeal),
		Files2: make(map[string]FileSeal),
		Rules:  rules,
		Rules2: rules2,
	}
}

// ParseResources parses the plist form of a CodeResources manifest.
func ParseResources(blob []byte) (*CodeResources, error) {
	var doc struct {
		Files  map[string]interface{} `plist:"files"`
		Files2 map[string]interface{} `plist:"files2"`
		Rules  map[string]interface{} `plist:"rules"`
		Rules2 map[string]interface{} `plist:"rules2"`
	}
	if _, err := plist.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("parsing resources: %w", err)
	}
	res := &CodeResources{
		Files:  make(map[string]FileSeal, len(doc.Files)),
		Files2: make(map[string]FileSeal, len(doc.Files2)),
		Rules:  make(map[string]Rule, len(doc.Rules)),
		Rules2: make(map[string]Rule, len(doc.Rules2)),
	}
	for relPath, v := range doc.Files {
		seal, err := parseSeal(v)
		if err != nil {
			return nil, fmt.Errorf("sealed file %q: %w", relPath, err)
		}
		res.Files[relPath] = seal
	}
	for relPath, v := range doc.Files2 {
		seal, err := parseSeal(v)
		if err != nil {
			return nil, fmt.Errorf("sealed file %q: %w", relPath, err)
		}
		res.Files2[relPath] = seal
	}
	for pattern, v := range doc.Rules {
		rule, err := parseRule(v)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", pattern, err)
		}
		res.Rules[pattern] = rule
	}
	for pattern, v := range doc.Rules2 {
		rule, err := parseRule(v)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", pattern, err)
		}
		res.Rules2[pattern] = rule
	}
	return res, nil
}

func parseSeal(v interface{}) (FileSeal, error) {
	switch v := v.(type) {
	case []byte:
		// v1 entries with no attributes are a bare digest
		return FileSeal{Hash: v}, nil
	case map[string]interface{}:
		var seal FileSeal
		for key, value := range v {
			switch key {
			case "hash":
				seal.Hash, _ = value.([]byte)
			case "hash2":
				seal.Hash2, _ = value.([]byte)
			case "cdhash":
				seal.CDHash, _ = value.([]byte)
			case "requirement":
				seal.Requirement, _ = value.(string)
			case "symlink":
				seal.SymlinkTarget, _ = value.(string)
			case "optional":
				seal.Optional, _ = value.(bool)
			}
		}
		return seal, nil
	default:
		return FileSeal{}, fmt.Errorf("unexpected value of type %T", v)
	}
}

func parseRule(v interface{}) (Rule, error) {
	switch v := v.(type) {
	case bool:
		if !v {
			return Rule{}, fmt.Errorf("rule value must be true or a dict")
		}
		return Rule{}, nil
	case map[string]interface{}:
		var rule Rule
		for key, value := range v {
			switch key {
			case "weight":
				switch value := value.(type) {
				case float64:
					rule.Weight = value
				case uint64:
					rule.Weight = float64(value)
				case int64:
					rule.Weight = float64(value)
				}
			case "omit":
				rule.Omit, _ = value.(bool)
			case "optional":
				rule.Optional, _ = value.(bool)
			case "nested":
				rule.Nested, _ = value.(bool)
			}
		}
		return rule, nil
	default:
		return Rule{}, fmt.Errorf("unexpected value of type %T", v)
	}
}

// Marshal renders the manifest in the tab-indented XML form that Apple's
// tools emit.
func (r *CodeResources) Marshal() ([]byte, error) {
	doc := map[string]interface{}{
		"files":  sealsDict(r.Files),
		"files2": sealsDict(r.Files2),
		"rules":  rulesDict(r.Rules),
		"rules2": rulesDict(r.Rules2),
	}
	return plist.MarshalIndent(doc, plist.XMLFormat, "\t")
}

func sealsDict(seals map[string]FileSeal) map[string]interface{} {
	out := make(map[string]interface{}, len(seals))
	for relPath, seal := range seals {
		out[relPath] = sealDict(seal)
	}
	return out
}

func sealDict(seal FileSeal) interface{} {
	if seal.Hash != nil && !seal.Optional && seal.Hash2 == nil &&
		seal.CDHash == nil && seal.Requirement == "" && seal.SymlinkTarget == "" {
		return seal.Hash
	}
	out := make(map[string]interface{})
	if seal.Hash != nil {
		out["hash"] = seal.Hash
	}
	if seal.Hash2 != nil {
		out["hash2"] = seal.Hash2
	}
	if seal.CDHash != nil {
		out["cdhash"] = seal.CDHash
	}
	if seal.Requirement != "" {
		out["requirement"] = seal.Requirement
	}
	if seal.SymlinkTarget != "" {
		out["symlink"] = seal.SymlinkTarget
	}
	if seal.Optional {
		out["optional"] = true
	}
	return out
}

func rulesDict(rules map[string]Rule) map[string]interface{} {
	out := make(map[string]interface{}, len(rules))
	for pattern, rule := range rules {
		out[pattern] = ruleDict(rule)
	}
	return out
}

func ruleDict(rule Rule) interface{} {
	if rule == (Rule{}) {
		return true
	}
	out := make(map[string]interface{})
	if rule.Omit {
		out["omit"] = true
	}
	if rule.Optional {
		out["optional"] = true
	}
	if rule.Nested {
		out["nested"] = true
	}
	if rule.Weight != 0 {
		out["weight"] = rule.Weight
	}
	return out
}

// FileHandler carries out the installation side of sealing a bundle: copying
// a plain file into the signed output, or signing a nested code object and
// installing the signed result.
type FileHandler interface {
	InstallFile(f *File) error
	SignAndInstallMachO(f *File) (*machos.SignedInfo, error)
}

// ResourcesBuilder accumulates the resources seal of a bundle while its
// files are installed into the signed output.
type ResourcesBuilder struct {
	resources  *CodeResources
	rules      *ruleSet
	rules2     *ruleSet
	exclusions []*regexp.Regexp
	shallow    bool
}

// NewResourcesBuilder returns a builder sealing files against the given
// rulesets. Seal paths are relative to Contents/ unless shallow is set.
func NewResourcesBuilder(rules, rules2 map[string]Rule, shallow bool) (*ResourcesBuilder, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	compiled2, err := compileRules(rules2)
	if err != nil {
		return nil, err
	}
	return &ResourcesBuilder{
		resources: newCodeResources(rules, rules2),
		rules:     compiled,
		rules2:    compiled2,
		shallow:   shallow,
	}, nil
}

// AddExclusion drops files whose seal path matches pattern from the seal and
// from installation.
func (rb *ResourcesBuilder) AddExclusion(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	rb.exclusions = append(rb.exclusions, re)
	return nil
}

func (rb *ResourcesBuilder) sealPath(relPath string) string {
	if rb.shallow {
		return relPath
	}
	return strings.TrimPrefix(relPath, "Contents/")
}

func (rb *ResourcesBuilder) excluded(sealPath string) bool {
	for _, re := range rb.exclusions {
		if re.MatchString(sealPath) {
			return true
		}
	}
	return false
}

// ProcessFile seals one file and installs it through the handler. Files
// matching a nested rule are handed over for signing and sealed by code
// directory hash, symlinks are sealed by target and recreated, and
// everything else is digested and copied. Symlinks take priority over
// nested rules so that the link farm at a framework's root stays links.
func (rb *ResourcesBuilder) ProcessFile(f *File, handler FileHandler) error {
	sealPath := rb.sealPath(f.RelPath)
	if rb.excluded(sealPath) {
		return nil
	}
	rule := rb.rules2.match(sealPath)
	switch {
	case f.IsSymlink():
		target, err := os.Readlink(f.Path())
		if err != nil {
			return err
		}
		if rule != nil && !rule.Omit {
			rb.resources.Files2[sealPath] = FileSeal{
				SymlinkTarget: target,
				Optional:      rule.Optional,
			}
		}
	case rule != nil && rule.Nested:
		info, err := handler.SignAndInstallMachO(f)
		if err != nil {
			return fmt.Errorf("signing nested binary %s: %w", f.RelPath, err)
		}
		rb.resources.Files2[sealPath] = FileSeal{
			CDHash:      info.CDHash(),
			Requirement: info.Requirement,
			Optional:    rule.Optional,
		}
		return nil
	default:
		blob, err := os.ReadFile(f.Path())
		if err != nil {
			return err
		}
		rb.sealBlob(sealPath, blob, rule)
	}
	return handler.InstallFile(f)
}

// sealBlob records content digests, matching the v1 ruleset independently of
// the v2 decision so that files like a shallow bundle's Info.plist can be
// sealed in files while staying out of files2.
func (rb *ResourcesBuilder) sealBlob(sealPath string, blob []byte, rule *Rule) {
	if v1 := rb.rules.match(sealPath); v1 != nil && !v1.Omit {
		digest := sha1.Sum(blob)
		rb.resources.Files[sealPath] = FileSeal{
			Hash:     digest[:],
			Optional: v1.Optional,
		}
	}
	if rule != nil && !rule.Omit {
		digest := sha256.Sum256(blob)
		rb.resources.Files2[sealPath] = FileSeal{
			Hash2:    digest[:],
			Optional: rule.Optional,
		}
	}
}

// SealBytes seals content the signer wrote itself instead of copying from
// the source bundle.
func (rb *ResourcesBuilder) SealBytes(relPath string, blob []byte) {
	sealPath := rb.sealPath(relPath)
	if rb.excluded(sealPath) {
		return
	}
	rb.sealBlob(sealPath, blob, rb.rules2.match(sealPath))
}

// SealInstalledFile seals a file already present in the signed output
// without installing anything. Content of nested bundles flows through here
// after those bundles are signed, so the recorded digests cover the signed
// output bytes. Paths matching a nested rule are left alone, symlinks
// included, since the code directory hash entry for the nested bundle
// covers that whole subtree.
func (rb *ResourcesBuilder) SealInstalledFile(relPath string, f *File) error {
	sealPath := rb.sealPath(relPath)
	if rb.excluded(sealPath) {
		return nil
	}
	rule := rb.rules2.match(sealPath)
	switch {
	case rule != nil && rule.Nested:
	case f.IsSymlink():
		target, err := os.Readlink(f.Path())
		if err != nil {
			return err
		}
		if rule != nil && !rule.Omit {
			rb.resources.Files2[sealPath] = FileSeal{
				SymlinkTarget: target,
				Optional:      rule.Optional,
			}
		}
	default:
		blob, err := os.ReadFile(f.Path())
		if err != nil {
			return err
		}
		rb.sealBlob(sealPath, blob, rule)
	}
	return nil
}

// SealNestedBundle records a directly nested bundle by the code directory
// hash and designated requirement of its signed main executable.
func (rb *ResourcesBuilder) SealNestedBundle(relPath string, info *machos.SignedInfo) {
	rb.resources.Files2[rb.sealPath(relPath)] = FileSeal{
		CDHash:      info.CDHash(),
		Requirement: info.Requirement,
	}
}

// Resources returns the accumulated seal.
func (rb *ResourcesBuilder) Resources() *CodeResources {
	return rb.resources
}
