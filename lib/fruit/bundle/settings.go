package bundle

import (
	"crypto"
	"path"
	"strings"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
)

// SigningSettings controls how a bundle and the code objects inside it are
// signed.
type SigningSettings struct {
	// Identifier overrides the signing identifier, normally taken from
	// CFBundleIdentifier
	Identifier string
	// Entitlements is the XML entitlements blob to embed in the main
	// executable's signature
	Entitlements []byte
	// InfoPlist replaces the bundle's Info.plist in the signed output
	InfoPlist []byte
	// Flags sets signature flags such as the hardened runtime
	Flags csblob.SignatureFlags
	// HashFunc selects the code directory digest, SHA-256 when unset
	HashFunc crypto.Hash
	// NoTimestamp disables timestamp countersignatures
	NoTimestamp bool
	// Exclude lists nested bundles, by path or glob pattern relative to the
	// bundle root, that are copied verbatim instead of re-signed
	Exclude []string
	// Nested holds overrides for individual nested bundles and binaries,
	// keyed by path relative to the bundle root
	Nested map[string]*SigningSettings
}

func (s *SigningSettings) hashFunc() crypto.Hash {
	if s == nil || s.HashFunc == 0 {
		return crypto.SHA256
	}
	return s.HashFunc
}

// NarrowedTo returns the effective settings for the nested bundle at
// relPath, as if that bundle were the root: inherited signing parameters
// plus any override registered for the path, with deeper overrides and
// exclusions re-rooted.
func (s *SigningSettings) NarrowedTo(relPath string) *SigningSettings {
	if s == nil {
		return &SigningSettings{}
	}
	narrowed := &SigningSettings{
		Flags:       s.Flags,
		HashFunc:    s.HashFunc,
		NoTimestamp: s.NoTimestamp,
	}
	prefix := relPath + "/"
	for _, pattern := range s.Exclude {
		if strings.HasPrefix(pattern, prefix) {
			narrowed.Exclude = append(narrowed.Exclude, strings.TrimPrefix(pattern, prefix))
		}
	}
	for nestedPath, override := range s.Nested {
		if strings.HasPrefix(nestedPath, prefix) {
			if narrowed.Nested == nil {
				narrowed.Nested = make(map[string]*SigningSettings)
			}
			narrowed.Nested[strings.TrimPrefix(nestedPath, prefix)] = override
		}
	}
	if override := s.Nested[relPath]; override != nil {
		if override.Identifier != "" {
			narrowed.Identifier = override.Identifier
		}
		if override.Entitlements != nil {
			narrowed.Entitlements = override.Entitlements
		}
		if override.InfoPlist != nil {
			narrowed.InfoPlist = override.InfoPlist
		}
		if override.Flags != 0 {
			narrowed.Flags = override.Flags
		}
		if override.HashFunc != 0 {
			narrowed.HashFunc = override.HashFunc
		}
	}
	return narrowed
}

// Excluded reports whether the bundle at relPath should be copied verbatim
// instead of signed, either because it is named directly or because it sits
// inside an excluded path.
func (s *SigningSettings) Excluded(relPath string) bool {
	if s == nil {
		return false
	}
	for _, pattern := range s.Exclude {
		if pattern == relPath || strings.HasPrefix(relPath, pattern+"/") {
			return true
		}
		if ok, _ := path.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}
