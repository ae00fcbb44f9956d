package xar

import (
	"crypto"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

type Signature struct {
	HashFunc     crypto.Hash
	Signature    *pkcs9.TimestampedSignature
	NotaryTicket []byte
}

// Verify checks the TOC signature and, unless skipDigests is set, the digest
// of every file in the heap. The CMS signature is preferred; plain RSA
// signatures are accepted for packages signed by older tooling.
func (x *XAR) Verify(skipDigests bool) (*Signature, error) {
	var tsig pkcs9.TimestampedSignature
	var err error
	switch {
	case x.CMSSignature != nil:
		tsig, err = x.verifyCMS()
	case x.ClassicSignature != nil:
		tsig, err = x.verifyClassic()
	default:
		return nil, sigerrors.NotSignedError{Type: "xar"}
	}
	if err != nil {
		return nil, err
	}
	if !skipDigests {
		if err := x.checkFiles(); err != nil {
			return nil, err
		}
	}
	// mark proprietary certificate extensions as handled so they don't fail
	// chain validation
	csblob.MarkHandledExtensions(tsig.Certificate)
	for _, cert := range tsig.Intermediates {
		csblob.MarkHandledExtensions(cert)
	}
	return &Signature{
		HashFunc:     x.HashFunc,
		Signature:    &tsig,
		NotaryTicket: x.NotaryTicket,
	}, nil
}

func (x *XAR) verifyCMS() (pkcs9.TimestampedSignature, error) {
	// repack BER as DER
	pkt, err := ber.DecodePacketErr(x.CMSSignature)
	if err != nil {
		return pkcs9.TimestampedSignature{}, err
	}
	psd, err := pkcs7.Unmarshal(pkt.Bytes())
	if err != nil {
		return pkcs9.TimestampedSignature{}, fmt.Errorf("reading CMS signature: %w", err)
	}
	sig, err := psd.Content.Verify(x.TOCHash, false)
	if err != nil {
		return pkcs9.TimestampedSignature{}, fmt.Errorf("verifying CMS signature: %w", err)
	}
	return pkcs9.VerifyOptionalTimestamp(sig)
}

func (x *XAR) verifyClassic() (pkcs9.TimestampedSignature, error) {
	pub := x.Certificates[0].PublicKey
	err := x509tools.Verify(pub, x.HashFunc, nil, x.TOCHash, x.ClassicSignature)
	if err != nil {
		// older packages sometimes sign a hash of the hash
		d := x.HashFunc.New()
		d.Write(x.TOCHash)
		if x509tools.Verify(pub, x.HashFunc, nil, d.Sum(nil), x.ClassicSignature) != nil {
			// report the original error
			return pkcs9.TimestampedSignature{}, fmt.Errorf("verifying RSA signature: %w", err)
		}
	}
	return pkcs9.TimestampedSignature{
		Signature: pkcs7.Signature{
			Certificate:   x.Certificates[0],
			Intermediates: x.Certificates[1:],
		},
	}, nil
}

func (x *XAR) checkFiles() error {
	var entries []*tocEntry
	collectEntries(x.toc.Entries, &entries)
	return verifyEntries(x.heap, entries)
}

// collectEntries flattens the TOC tree into the entries that carry file data
func collectEntries(dir []*tocEntry, out *[]*tocEntry) {
	for _, f := range dir {
		switch {
		case f.Length != 0:
			*out = append(*out, f)
		case len(f.Entries) != 0:
			collectEntries(f.Entries, out)
		}
	}
}

// verifyEntries digests entries in heap order and compares each against its
// archived checksum
func verifyEntries(heap io.ReaderAt, entries []*tocEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	for _, f := range entries {
		if err := checkFile(heap, f); err != nil {
			return fmt.Errorf("checksumming %q: %w", f.Name, err)
		}
	}
	return nil
}

func checkFile(heap io.ReaderAt, f *tocEntry) error {
	alg := algByStyle(f.Archived.Style)
	if alg == nil {
		return fmt.Errorf("unsupported hash type %s", f.Archived.Style)
	}
	expected, err := hex.DecodeString(f.Archived.Digest)
	if err != nil {
		return err
	}
	h := alg.new()
	n, err := io.Copy(h, io.NewSectionReader(heap, f.Offset, f.Length))
	if err != nil {
		return err
	} else if n != f.Length {
		return io.ErrUnexpectedEOF
	}
	if sum := h.Sum(nil); !hmac.Equal(expected, sum) {
		return fmt.Errorf("digest mismatch: expected %x but got %x", expected, sum)
	}
	return nil
}
