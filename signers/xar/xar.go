// Package xar signs and verifies xar archives, notably flat installer
// packages.
package xar

import (
	"crypto/x509"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/xar"
	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/signers"
)

var signer = &signers.Signer{
	Name:     "xar",
	Aliases:  []string{"pkg"},
	Magic:    magic.FileTypeXAR,
	TestPath: testPath,
	Sign:     sign,
	Verify:   verify,
}

func init() {
	signers.Register(signer)
}

func testPath(s string) bool {
	return strings.HasSuffix(s, ".pkg") || strings.HasSuffix(s, ".xar")
}

func sign(r io.Reader, cert *certloader.Certificate, opts signers.SignOpts) ([]byte, error) {
	patch, tsig, err := xar.Sign(opts.Context(), r, cert, opts.Hash)
	if err != nil {
		return nil, err
	}
	if teamID := csblob.TeamID(cert.Leaf); teamID != "" {
		opts.Audit.Attributes["mach-o.team-id"] = teamID
	}
	opts.Audit.SetCounterSignature(tsig.CounterSignature)
	return opts.SetBinPatch(patch)
}

func verify(f *os.File, opts signers.VerifyOpts) ([]*signers.Signature, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	x, err := xar.Open(f, size)
	if err != nil {
		return nil, err
	}
	sig, err := x.Verify(opts.NoDigests)
	if err != nil {
		return nil, err
	}
	if !opts.NoChain && opts.TrustedPool != nil {
		if err := sig.Signature.VerifyChain(opts.TrustedPool, nil, x509.ExtKeyUsageCodeSigning); err != nil {
			return nil, err
		}
	}
	if opts.RequireTicket && len(sig.NotaryTicket) == 0 {
		return nil, errors.New("no notarization ticket is stapled")
	}
	var si string
	if len(sig.NotaryTicket) > 0 {
		si += "[HasNotaryTicket]"
	}
	return []*signers.Signature{{
		Hash:          sig.HashFunc,
		X509Signature: sig.Signature,
		SigInfo:       si,
	}}, nil
}
