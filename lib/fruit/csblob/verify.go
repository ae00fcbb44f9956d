package csblob

import (
	"crypto"
	"crypto/hmac"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/x509tools"
)

// VerifiedBlob is the outcome of checking an embedded signature. Problems
// holds every finding; an empty list means the signature checked out.
type VerifiedBlob struct {
	Blob      *SigBlob
	Signature *pkcs9.TimestampedSignature
	HashFunc  crypto.Hash
	Problems  []Problem
}

// Err flattens the findings into a single error, or nil if there are none.
func (v *VerifiedBlob) Err() error {
	if len(v.Problems) == 0 {
		return nil
	}
	errs := make([]error, len(v.Problems))
	for i, p := range v.Problems {
		errs[i] = p
	}
	return errors.Join(errs...)
}

func (v *VerifiedBlob) add(p Problem) {
	v.Problems = append(v.Problems, p)
}

// VerifyParams supplies content that lives outside the signature blob.
type VerifyParams struct {
	InfoPlist   []byte
	Resources   []byte
	RepSpecific []byte
	// TrustedRoots enables certificate chain validation when set.
	TrustedRoots *x509.CertPool
	// RequireTicket reports a problem when no notarization ticket is stapled.
	RequireTicket bool
}

// Verify checks the digests and signature of an embedded signature blob.
// Damaged digests, legacy algorithms, and trust failures accumulate as
// findings on the result, so that one bad slot does not hide the rest. A blob
// too mangled to examine at all returns an error instead.
func Verify(blob []byte, params VerifyParams) (*VerifiedBlob, error) {
	sig, err := Parse(blob)
	if err != nil {
		return nil, err
	}
	if len(sig.Directories) == 0 {
		return nil, errors.New("no code directory found")
	}
	if sig.CMS == nil {
		return nil, errors.New("signature wrapper not found, possibly an adhoc signature")
	}
	v := &VerifiedBlob{Blob: sig}
	computed := make(map[crypto.Hash][]byte)
	for _, dir := range sig.Directories {
		v.HashFunc = dir.HashFunc
		computed[dir.HashFunc] = dir.CDHash
		v.checkSpecialSlots(dir, params)
	}
	v.checkAlgorithms()
	// verify CMS signature against the first code dir
	pksig, err := sig.CMS.Content.Verify(sig.Directories[0].Raw, false)
	if err != nil {
		v.add(Problem{Kind: SignatureInvalid, Detail: fmt.Sprintf("checking signature: %s", err)})
		return v, nil
	}
	// verify all code dirs using a proprietary attribute if present
	if err := checkCDHashes(pksig.SignerInfo, computed); err != nil {
		v.add(Problem{Kind: SignatureInvalid, Detail: fmt.Sprintf("verifying cd hashes: %s", err)})
	}
	// verify using plist attribute if present
	if err := checkPlistHashes(sig.Directories, pksig.SignerInfo, computed); err != nil {
		v.add(Problem{Kind: SignatureInvalid, Detail: fmt.Sprintf("verifying cd hashes: plist: %s", err)})
	}
	// mark proprietary certificate extensions as handled so they don't fail
	// the chain
	MarkHandledExtensions(pksig.Certificate)
	for _, cert := range pksig.Intermediates {
		MarkHandledExtensions(cert)
	}
	ts, err := pkcs9.VerifyOptionalTimestamp(pksig)
	if err != nil {
		v.add(Problem{Kind: SignatureInvalid, Detail: fmt.Sprintf("verifying timestamp: %s", err)})
		ts = pkcs9.TimestampedSignature{Signature: pksig}
	}
	v.Signature = &ts
	if params.TrustedRoots != nil {
		if err := ts.VerifyChain(params.TrustedRoots, nil, x509.ExtKeyUsageCodeSigning); err != nil {
			v.add(Problem{Kind: UntrustedChain, Detail: err.Error()})
		}
	}
	if params.RequireTicket && len(sig.NotaryTicket) == 0 {
		v.add(Problem{Kind: TicketMissing, Detail: "no notarization ticket is stapled"})
	}
	return v, nil
}

func (v *VerifiedBlob) checkSpecialSlots(dir *CodeDirectory, params VerifyParams) {
	for _, s := range []struct {
		slot     int
		content  []byte
		embedded bool
	}{
		{cdInfoSlot, params.InfoPlist, false},
		{cdRequirementsSlot, v.Blob.RawRequirements, true},
		{cdResourceDirSlot, params.Resources, false},
		{cdEntitlementSlot, v.Blob.Entitlement, true},
		{cdRepSpecificSlot, params.RepSpecific, false},
		{cdEntitlementDERSlot, v.Blob.EntitlementDER, true},
	} {
		v.checkSlotDigest(dir, s.slot, s.content, s.embedded)
	}
}

// checkSlotDigest compares one special slot against its directory digest.
// Items embedded in the superblob always have to line up with the directory.
// External content is checked only when the caller provides it, since not
// every artifact carries every slot. A zeroed digest is a placeholder for an
// absent slot and matches absent content.
func (v *VerifiedBlob) checkSlotDigest(dir *CodeDirectory, slot int, content []byte, embedded bool) {
	expected := dir.SpecialHash(slot)
	switch {
	case content == nil && isZeroDigest(expected):
		return
	case content == nil && embedded:
		v.add(Problem{Kind: SlotDigestExtra, Slot: slot, Detail: fmt.Sprintf("%s: directory digests content that is not present", slotName(slot))})
		return
	case content == nil:
		return
	case isZeroDigest(expected):
		v.add(Problem{Kind: SlotDigestMissing, Slot: slot, Detail: fmt.Sprintf("%s: content present but not digested", slotName(slot))})
		return
	}
	h := dir.HashFunc.New()
	h.Write(content)
	actual := h.Sum(nil)
	if !hmac.Equal(actual, expected) {
		v.add(Problem{Kind: SlotDigestMismatch, Slot: slot, Detail: fmt.Sprintf("%s: digest mismatch: expected %x but got %x", slotName(slot), expected, actual)})
	}
}

func isZeroDigest(digest []byte) bool {
	for _, b := range digest {
		if b != 0 {
			return false
		}
	}
	return true
}

// Signatures made before the SHA-256 transition used these.
var (
	oidSHA1WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidMD5WithRSA  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 4}
)

func (v *VerifiedBlob) checkAlgorithms() {
	for _, si := range v.Blob.CMS.Content.SignerInfos {
		digest, _ := x509tools.PkixDigestToHash(si.DigestAlgorithm)
		if digest == crypto.SHA1 || digest == crypto.MD5 {
			v.add(Problem{Kind: LegacyDigestAlgorithm, Detail: fmt.Sprintf("signature uses legacy digest %s", digest)})
		}
		enc := si.DigestEncryptionAlgorithm.Algorithm
		switch {
		case enc.Equal(oidSHA1WithRSA), enc.Equal(oidMD5WithRSA):
			v.add(Problem{Kind: LegacySignatureAlgorithm, Detail: fmt.Sprintf("signature uses legacy algorithm %s", enc)})
		case enc.Equal(x509tools.OidPublicKeyRSA) && (digest == crypto.SHA1 || digest == crypto.MD5):
			v.add(Problem{Kind: LegacySignatureAlgorithm, Detail: fmt.Sprintf("signature uses legacy digest %s with RSA", digest)})
		}
	}
}

func (s *SigBlob) bestDir() *CodeDirectory {
	var dir *CodeDirectory
	for _, dir2 := range s.Directories {
		if dir == nil || dir2.Header.HashType > dir.Header.HashType {
			dir = dir2
		}
	}
	return dir
}

// TicketRecordName returns the CloudKit record name under which a
// notarization ticket for this signature is published.
func (s *SigBlob) TicketRecordName() (string, error) {
	dir := s.bestDir()
	if dir == nil {
		return "", errors.New("no valid code dir found")
	}
	return dir.TicketRecordName(), nil
}

// CodeSize returns the number of bytes of code covered by the signature.
func (s *SigBlob) CodeSize() int64 {
	dir := s.bestDir()
	if dir == nil {
		return 0
	}
	if dir.Header.CodeLimit64 != 0 {
		return dir.Header.CodeLimit64
	}
	return int64(dir.Header.CodeLimit)
}

// VerifyPages digests the code region and compares it against the code
// directory. Read errors abort; digest findings accumulate in the returned
// list, one per damaged page.
func (s *SigBlob) VerifyPages(r io.Reader) ([]Problem, error) {
	dir := s.bestDir()
	if dir == nil {
		return nil, errors.New("no valid code dir found")
	}
	remaining := s.CodeSize()
	if dir.Header.PageSizeLog2 == 0 {
		// disk images digest the whole code region as one slot
		if len(dir.CodeHashes) != 1 {
			return nil, fmt.Errorf("expected 1 hash slot but found %d", len(dir.CodeHashes))
		}
		h := dir.HashFunc.New()
		n, err := io.Copy(h, r)
		if err != nil {
			return nil, err
		} else if n != remaining {
			return nil, fmt.Errorf("expected code size of %d but got %d", remaining, n)
		}
		computed := h.Sum(nil)
		if !hmac.Equal(computed, dir.CodeHashes[0]) {
			return []Problem{{
				Kind:   CodeDigestMismatch,
				Detail: fmt.Sprintf("code digest mismatch: expected %x, got %x", dir.CodeHashes[0], computed),
			}}, nil
		}
		return nil, nil
	}
	pageSize := int64(1 << dir.Header.PageSizeLog2)
	page := make([]byte, pageSize)
	h := dir.HashFunc.New()
	var problems []Problem
	for i, expected := range dir.CodeHashes {
		if remaining <= 0 {
			problems = append(problems, Problem{Kind: CodeDigestExtra, Page: i, Detail: fmt.Sprintf("code page %d is digested but beyond the end of the code", i)})
			continue
		}
		if remaining < pageSize {
			page = page[:remaining]
		}
		if _, err := io.ReadFull(r, page); err != nil {
			return problems, err
		}
		h.Reset()
		h.Write(page)
		computed := h.Sum(nil)
		if !hmac.Equal(computed, expected) {
			problems = append(problems, Problem{Kind: CodeDigestMismatch, Page: i, Detail: fmt.Sprintf("code page %d: digest mismatch: expected %x, got %x", i, expected, computed)})
		}
		remaining -= int64(len(page))
	}
	for i := len(dir.CodeHashes); remaining > 0; i++ {
		problems = append(problems, Problem{Kind: CodeDigestMissing, Page: i, Detail: fmt.Sprintf("code page %d is not digested", i)})
		remaining -= pageSize
	}
	return problems, nil
}
