package csblob

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"howett.net/plist"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/x509tools"
)

// cdHashAttrib is one entry of the AttrCodeDirHashes authenticated
// attribute, holding the full digest of a single code directory.
type cdHashAttrib struct {
	Algorithm asn1.ObjectIdentifier
	Digest    []byte
}

// cdHashPlist is the payload of the AttrCodeDirHashPlist authenticated
// attribute, holding truncated digests of every code directory.
type cdHashPlist struct {
	CDHashes [][]byte `plist:"cdhashes"`
}

func addCSHashes(builder *pkcs7.SignatureBuilder, hashes []cdHashAttrib) error {
	for _, h := range hashes {
		if err := builder.AddAuthenticatedAttribute(AttrCodeDirHashes, h); err != nil {
			return err
		}
	}
	return nil
}

func addPlistHashes(builder *pkcs7.SignatureBuilder, pl cdHashPlist) error {
	blob, err := plist.MarshalIndent(pl, plist.XMLFormat, "  ")
	if err != nil {
		return err
	}
	return builder.AddAuthenticatedAttribute(AttrCodeDirHashPlist, blob)
}

// checkCDHashes compares the code directory digests stored in the signer's
// authenticated attributes against the ones computed from the blob. Absent
// attributes are not an error, digests that disagree are.
func checkCDHashes(si *pkcs7.SignerInfo, computed map[crypto.Hash][]byte) error {
	var stored []cdHashAttrib
	err := si.AuthenticatedAttributes.GetAll(AttrCodeDirHashes, &stored)
	if err != nil {
		var noAttr pkcs7.ErrNoAttribute
		if errors.As(err, &noAttr) {
			err = nil
		}
		return err
	}
	for _, cd := range stored {
		alg := pkix.AlgorithmIdentifier{Algorithm: cd.Algorithm}
		hash, ok := x509tools.PkixDigestToHash(alg)
		if !ok {
			return fmt.Errorf("unsupported digest algorithm %s", cd.Algorithm)
		}
		got := computed[hash]
		if got == nil {
			return fmt.Errorf("missing hash with algorithm %s", hash)
		}
		if !hmac.Equal(got, cd.Digest) {
			return fmt.Errorf("digest mismatch: expected %x, got %x", cd.Digest, got)
		}
	}
	return nil
}

// checkPlistHashes does the same for the plist-formatted attribute, which
// truncates every digest to the length of a SHA-1.
func checkPlistHashes(dirs []*CodeDirectory, si *pkcs7.SignerInfo, computed map[crypto.Hash][]byte) error {
	var plistText []byte
	err := si.AuthenticatedAttributes.GetOne(AttrCodeDirHashPlist, &plistText)
	if err != nil {
		var noAttr pkcs7.ErrNoAttribute
		if errors.As(err, &noAttr) {
			err = nil
		}
		return err
	}
	var stored cdHashPlist
	if _, err := plist.Unmarshal(plistText, &stored); err != nil {
		return err
	}
	if len(stored.CDHashes) != len(dirs) {
		return fmt.Errorf("expected %d hashes but got %d", len(stored.CDHashes), len(dirs))
	}
	for i, dir := range dirs {
		got := computed[dir.HashFunc][:20]
		if !bytes.Equal(stored.CDHashes[i], got) {
			return fmt.Errorf("digest mismatch: expected %x, got %x", stored.CDHashes[i], got)
		}
	}
	return nil
}
