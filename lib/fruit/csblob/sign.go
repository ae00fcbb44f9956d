package csblob

import (
	"context"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"howett.net/plist"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/x509tools"
)

type SignatureParams struct {
	Pages        io.Reader // read page contents
	OldSignature io.Reader // read the existing signature, if any, after the pages
	HashFunc     crypto.Hash
	ExtraDigests []crypto.Hash // extra code directories, recorded ahead of HashFunc
	InfoPlist    []byte        // manifest to bind to signature
	Resources    []byte        // CodeResources to bind to signature

	// the following are copied from the old signature if empty
	Flags            SignatureFlags
	Requirements     []byte // requirements to embed in signature
	Entitlement      []byte // entitlement to embed in signature
	EntitlementDER   []byte // entitlement in DER format
	RepSpecific      []byte // DMG header
	SigningIdentity  string // bundle ID
	TeamIdentifier   string // team ID from signing cert (set automatically if empty)
	ExecSegmentBase  int64
	ExecSegmentLimit int64
	ExecSegmentFlags int64
}

// hashFuncs returns every digest the signature will carry, with the primary
// one last so that it ends up in the plain code directory slot of older
// signatures' layout expectations.
func (p *SignatureParams) hashFuncs() []crypto.Hash {
	funcs := make([]crypto.Hash, 0, len(p.ExtraDigests)+1)
	for _, hashFunc := range p.ExtraDigests {
		if hashFunc != p.HashFunc {
			funcs = append(funcs, hashFunc)
		}
	}
	return append(funcs, p.HashFunc)
}

// defaultsFromSignature fills unset params from the binary's previous
// signature so that re-signing keeps its entitlements and flags.
func (p *SignatureParams) defaultsFromSignature() error {
	if p.OldSignature == nil {
		return nil
	}
	blob, err := io.ReadAll(p.OldSignature)
	if err != nil {
		return err
	}
	oldSig, err := Parse(blob)
	if err != nil {
		return err
	}
	if p.Entitlement == nil && oldSig.Entitlement != nil {
		p.Entitlement = oldSig.Entitlement[8:]
		if p.EntitlementDER == nil && oldSig.EntitlementDER != nil {
			// copy DER only if xml entitlements were also not set
			p.EntitlementDER = oldSig.EntitlementDER[8:]
		}
	}
	oldDir := oldSig.bestDir()
	if oldDir == nil {
		return nil
	}
	if p.Flags == 0 {
		p.Flags = oldDir.Header.Flags &^ clearFlags
	}
	if p.ExecSegmentBase == 0 && p.ExecSegmentLimit == 0 && p.ExecSegmentFlags == 0 {
		p.ExecSegmentBase = oldDir.Header.ExecSegmentBase
		p.ExecSegmentLimit = oldDir.Header.ExecSegmentLimit
		p.ExecSegmentFlags = oldDir.Header.ExecSegmentFlags
	}
	return nil
}

// defaultsFromBundle fills the identity-related params from the bundle
// manifest and the signing certificate.
func (p *SignatureParams) defaultsFromBundle(cert *certloader.Certificate) error {
	if p.SigningIdentity == "" && len(p.InfoPlist) != 0 {
		var bundle bundlePlist
		if _, err := plist.Unmarshal(p.InfoPlist, &bundle); err != nil {
			return fmt.Errorf("info.plist: %w", err)
		}
		p.SigningIdentity = bundle.BundleID
	}
	if p.TeamIdentifier == "" {
		p.TeamIdentifier = TeamID(cert.Leaf)
	}
	if p.Requirements == nil {
		req, err := DefaultRequirement(p.SigningIdentity, CompleteChain(cert.Chain()))
		if err != nil {
			return fmt.Errorf("computing default designated requirement: %w", err)
		}
		p.Requirements = req
	}
	// derive the DER form so both representations stay in step
	if p.Entitlement != nil && p.EntitlementDER == nil {
		der, err := EntitlementsDER(p.Entitlement)
		if err != nil {
			return fmt.Errorf("converting entitlements: %w", err)
		}
		p.EntitlementDER = der
	}
	return nil
}

const defaultPageSizeLog2 = 12

// specialSlotSet holds the content bound to the code directory's special
// slots, indexed by slot number, plus the subset of it that also rides along
// in the superblob as items of its own.
type specialSlotSet struct {
	hashed [cdEntitlementDERSlot + 1][]byte
	embed  []superItem
}

func (s *specialSlotSet) put(item superItem) {
	s.hashed[item.slot] = item.data
	s.embed = append(s.embed, item)
}

// digests returns the slot contents ordered from the highest populated slot
// down to slot 1, which is the order their hashes are stored ahead of the
// code slots. At least five slots are always emitted.
func (s *specialSlotSet) digests() [][]byte {
	top := len(s.hashed) - 1
	for top > cdEntitlementSlot && s.hashed[top] == nil {
		top--
	}
	list := make([][]byte, 0, top)
	for slot := top; slot >= cdInfoSlot; slot-- {
		list = append(list, s.hashed[slot])
	}
	return list
}

// specials collects everything bound to the directory's special slots. The
// digest of an embedded slot covers its blob header, so those items are
// framed here and the framed bytes recorded.
func (p *SignatureParams) specials() (*specialSlotSet, error) {
	set := new(specialSlotSet)
	set.hashed[cdInfoSlot] = p.InfoPlist
	set.hashed[cdResourceDirSlot] = p.Resources
	set.hashed[cdRepSpecificSlot] = p.RepSpecific
	if p.Requirements != nil {
		item, err := requirementSet(p.Requirements)
		if err != nil {
			return nil, err
		}
		set.put(item)
	}
	if p.Entitlement != nil {
		set.put(newSuperItem(csEntitlement, p.Entitlement))
	}
	if p.EntitlementDER != nil {
		set.put(newSuperItem(csEntitlementDER, p.EntitlementDER))
	}
	return set, nil
}

// requirementSet frames a requirement set for embedding. A bare requirement
// is wrapped into a one-element set holding the designated requirement.
func requirementSet(blob []byte) (superItem, error) {
	if len(blob) >= 8 {
		switch csMagic(binary.BigEndian.Uint32(blob)) {
		case csRequirements:
			return newSuperItem(csRequirements, blob[8:]), nil
		case csRequirement:
			dr := newSuperItem(csRequirement, blob[8:])
			dr.slot = uint32(DesignatedRequirement)
			packed := marshalSuperBlob(csRequirements, []superItem{dr})
			return newSuperItem(csRequirements, packed[8:]), nil
		}
	}
	return superItem{}, errors.New("requirements blob must be a binary requirement or requirement set")
}

// directorySet accumulates one code directory per digest algorithm together
// with the digest forms that get authenticated by the CMS signature.
type directorySet struct {
	items      []superItem
	attrHashes []cdHashAttrib
	plist      cdHashPlist
	primary    []byte
}

func (s *directorySet) add(i int, hashFunc crypto.Hash, dir codeDirResult) error {
	alg, ok := x509tools.PkixDigestAlgorithm(hashFunc)
	if !ok {
		return fmt.Errorf("unsupported algorithm %s", hashFunc)
	}
	s.attrHashes = append(s.attrHashes, cdHashAttrib{
		Algorithm: alg.Algorithm,
		Digest:    dir.Digest,
	})
	// digests are truncated to 20 bytes in plist form
	s.plist.CDHashes = append(s.plist.CDHashes, dir.Digest[:20])
	item := superItem{magic: csCodeDirectory, data: dir.Raw}
	if i == 0 {
		// the first directory is the CMS content as well
		s.primary = dir.Raw
		item.slot = cdCodeDirectorySlot
	} else {
		item.slot = uint32(cdAlternateCodeDirectorySlots + i - 1)
	}
	s.items = append(s.items, item)
	return nil
}

// bindSignature signs the primary code directory and authenticates the
// digests of all of them, then timestamps and detaches the result.
func bindSignature(ctx context.Context, cert *certloader.Certificate, hashFunc crypto.Hash, dirs *directorySet) (*pkcs9.TimestampedSignature, error) {
	builder := pkcs7.NewBuilder(cert.Signer(), CompleteChain(cert.Chain()), hashFunc)
	if err := builder.SetContentData(dirs.primary); err != nil {
		return nil, err
	}
	if err := addCSHashes(builder, dirs.attrHashes); err != nil {
		return nil, fmt.Errorf("adding cdhashes: %w", err)
	}
	if err := addPlistHashes(builder, dirs.plist); err != nil {
		return nil, fmt.Errorf("adding cdhash plist: %w", err)
	}
	if err := builder.AddAuthenticatedAttribute(pkcs7.OidAttributeSigningTime, time.Now().UTC()); err != nil {
		return nil, err
	}
	psd, err := builder.Sign()
	if err != nil {
		return nil, err
	}
	tssig, err := pkcs9.TimestampAndMarshal(ctx, psd, cert.Timestamper)
	if err != nil {
		return nil, err
	}
	if err := psd.Detach(); err != nil {
		return nil, err
	}
	tssig.Raw, err = psd.Marshal()
	return tssig, err
}

// Sign digests the code pages and builds a complete embedded signature
// superblob around them.
func Sign(ctx context.Context, cert *certloader.Certificate, params *SignatureParams) ([]byte, *pkcs9.TimestampedSignature, error) {
	hashFuncs := params.hashFuncs()
	singlePage := params.RepSpecific != nil // DMG
	codeSlots, slotCount, codeLimit, err := hashPages(hashFuncs, params.Pages, singlePage)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing code pages: %w", err)
	}
	// the old signature trails the code pages, so it can only be read now
	if err := params.defaultsFromSignature(); err != nil {
		return nil, nil, fmt.Errorf("parsing old signature: %w", err)
	}
	if err := params.defaultsFromBundle(cert); err != nil {
		return nil, nil, fmt.Errorf("setting signature params: %w", err)
	}
	specials, err := params.specials()
	if err != nil {
		return nil, nil, err
	}
	var dirs directorySet
	specialDigests := specials.digests()
	for i, hashFunc := range hashFuncs {
		result, err := newCodeDirectory(codeDirParams{
			SignatureParams: params,
			Specials:        specialDigests,
			CodeSlots:       codeSlots[i],
			CodeSlotCount:   slotCount,
			CodeLimit:       codeLimit,
			HashFunc:        hashFunc,
			SinglePage:      singlePage,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("populating code directory: %w", err)
		}
		if err := dirs.add(i, hashFunc, result); err != nil {
			return nil, nil, err
		}
	}
	tssig, err := bindSignature(ctx, cert, params.HashFunc, &dirs)
	if err != nil {
		return nil, nil, err
	}
	items := append(dirs.items, specials.embed...)
	items = append(items, newSuperItem(csBlobWrapper, tssig.Raw))
	return marshalSuperBlob(csEmbeddedSignature, items), tssig, nil
}

type bundlePlist struct {
	Executable string `plist:"CFBundleExecutable"`
	BundleID   string `plist:"CFBundleIdentifier"`
}
