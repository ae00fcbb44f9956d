package dmg

import (
	"bytes"
	"context"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

// SignatureParams configures a disk image signature. Identity values left
// empty are derived from the certificate, and flags and entitlements carry
// over from any signature being replaced.
type SignatureParams struct {
	HashFunc        crypto.Hash
	Requirements    []byte // requirements to embed in the signature
	SigningIdentity string
	TeamIdentifier  string
}

// Sign seals a disk image. trailerBytes holds the 512 byte koly trailer and
// r streams the whole image, trailer included. The returned patch replaces
// everything past the image contents with the new signature and an updated
// trailer. Derived identity values are copied back into params.
func Sign(ctx context.Context, trailerBytes []byte, r io.Reader, cert *certloader.Certificate, params *SignatureParams) (*binpatch.PatchSet, *pkcs9.TimestampedSignature, error) {
	var trailer udifTrailer
	if err := binary.Read(bytes.NewReader(trailerBytes), binary.BigEndian, &trailer); err != nil {
		return nil, nil, fmt.Errorf("udif trailer: %w", err)
	}
	if trailer.Magic != kolyMagic {
		return nil, nil, errors.New("udif trailer magic not found")
	}
	cr := &countingReader{r: r}
	sealedLen := trailer.sealedLength()
	oldOffset, oldLength := trailer.SignatureOffset, trailer.SignatureLength
	trailer.SignatureOffset = sealedLen
	blobParams := &csblob.SignatureParams{
		HashFunc:        params.HashFunc,
		Requirements:    params.Requirements,
		SigningIdentity: params.SigningIdentity,
		TeamIdentifier:  params.TeamIdentifier,
		Pages:           io.LimitReader(cr, sealedLen),
		RepSpecific:     trailer.forSealing(),
	}
	if oldOffset != 0 {
		// read the old signature so flags and entitlements carry over
		if oldOffset != sealedLen {
			return nil, nil, errors.New("existing signature does not abut the image contents")
		}
		blobParams.OldSignature = io.LimitReader(cr, oldLength)
	}
	blob, tsig, err := csblob.Sign(ctx, cert, blobParams)
	if err != nil {
		return nil, nil, err
	}
	// measure the rest of the input so the patch spans the whole tail
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, nil, err
	}
	trailer.SignatureLength = int64(len(blob))
	var b bytes.Buffer
	b.Write(blob)
	_ = binary.Write(&b, binary.BigEndian, trailer)
	patch := binpatch.New()
	patch.Add(trailer.SignatureOffset, cr.read-trailer.SignatureOffset, b.Bytes())
	params.Requirements = blobParams.Requirements
	params.SigningIdentity = blobParams.SigningIdentity
	params.TeamIdentifier = blobParams.TeamIdentifier
	return patch, tsig, nil
}

type countingReader struct {
	r    io.Reader
	read int64
}

func (c *countingReader) Read(d []byte) (n int, err error) {
	n, err = c.r.Read(d)
	if n > 0 {
		c.read += int64(n)
	}
	return
}
