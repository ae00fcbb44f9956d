package machos

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

// Sign signs a single-architecture Mach-O image streamed from r, returning a
// patch that inserts or replaces the embedded signature. The image is read
// exactly once. If the image carries an Info.plist in a text section and none
// was provided then the embedded one is bound to the signature.
func Sign(ctx context.Context, r io.Reader, cert *certloader.Certificate, params *csblob.SignatureParams) (*binpatch.PatchSet, *pkcs9.TimestampedSignature, error) {
	var header bytes.Buffer
	layout, err := scanImage(io.TeeReader(r, &header))
	if err != nil {
		return nil, nil, err
	}
	headerBuf := header.Bytes()
	// size the reserved region generously, unused space is just padding
	reserve := layout.codeEnd * int64(20+params.HashFunc.Size()) / 4096
	reserve += int64(len(params.Entitlement) + len(params.Requirements))
	reserve += 16384
	oldHeaderSize := len(headerBuf)
	headerBuf, sigBuf, sigStart, patch, padding, err := layout.reserveSignature(headerBuf, reserve)
	if err != nil {
		return nil, nil, err
	}
	// growing the header claimed bytes that haven't streamed past yet, so
	// drop them from the input
	if grown := len(headerBuf) - oldHeaderSize; grown > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(grown)); err != nil {
			return nil, nil, err
		}
	}
	// hash the patched header spliced with the remainder of the stream
	var pages io.Reader = io.LimitReader(
		io.MultiReader(bytes.NewReader(headerBuf), r, bytes.NewReader(make([]byte, padding))),
		sigStart)
	if params.InfoPlist == nil && layout.plistSize > 0 && layout.plistOffset+layout.plistSize <= sigStart {
		// capture the embedded manifest while the pages stream through. the
		// buffer is complete before the directory gets assembled.
		captured := make([]byte, layout.plistSize)
		pages = &captureReader{r: pages, buf: captured, off: layout.plistOffset}
		params.InfoPlist = captured
	}
	params.Pages = pages
	if layout.sigSize != 0 {
		// the old signature follows the pages in the stream
		params.OldSignature = io.LimitReader(r, layout.sigSize)
	}
	blob, tsig, err := csblob.Sign(ctx, cert, params)
	if err != nil {
		return nil, nil, err
	}
	if len(blob) > len(sigBuf) {
		return nil, nil, fmt.Errorf("signature overflows reserved space: have %d bytes, need %d", len(sigBuf), len(blob))
	}
	copy(sigBuf, blob)
	// drain whatever follows the old signature
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, nil, err
	}
	return patch, tsig, nil
}

// captureReader copies the byte range [off, off+len(buf)) of the stream into
// buf as it passes through.
type captureReader struct {
	r   io.Reader
	buf []byte
	off int64
	pos int64
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		lo := c.off - c.pos
		hi := c.off + int64(len(c.buf)) - c.pos
		if lo < int64(n) && hi > 0 {
			if lo < 0 {
				lo = 0
			}
			if hi > int64(n) {
				hi = int64(n)
			}
			copy(c.buf[c.pos+lo-c.off:], p[lo:hi])
		}
		c.pos += int64(n)
	}
	return n, err
}
