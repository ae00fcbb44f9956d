// Package xar reads, signs, and verifies xar archives, the container format
// behind flat installer packages.
package xar

import (
	"compress/zlib"
	"crypto"
	"crypto/hmac"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

type XAR struct {
	HashFunc         crypto.Hash
	TOCHash          []byte
	Certificates     []*x509.Certificate
	ClassicSignature []byte
	CMSSignature     []byte
	NotaryTicket     []byte

	toc      *tocInfo
	heap     io.ReaderAt
	heapEnd  int64 // absolute end of the file heap, where trailers may start
	fileSize int64
}

// Open parses the header and table of contents of an archive and loads
// whatever signatures and stapled tickets it carries.
func Open(r io.ReaderAt, size int64) (*XAR, error) {
	hdr, hashFunc, err := parseHeader(io.NewSectionReader(r, 0, headerLen))
	if err != nil {
		return nil, err
	}
	toc, tocHash, err := parseTOC(io.NewSectionReader(r, int64(hdr.HeaderSize), hdr.CompressedSize), hashFunc)
	if err != nil {
		return nil, err
	}
	heapBase := int64(hdr.HeaderSize) + hdr.CompressedSize
	x := &XAR{
		HashFunc: hashFunc,
		TOCHash:  tocHash,
		toc:      toc,
		heap:     io.NewSectionReader(r, heapBase, size-heapBase),
		heapEnd:  heapBase + entriesEnd(toc.Entries),
		fileSize: size,
	}
	if err := x.checkTOCDigest(); err != nil {
		return nil, err
	}
	if sig := toc.RSASig; sig != nil {
		if x.ClassicSignature, err = x.readHeap(sig.Offset, sig.Size); err != nil {
			return nil, fmt.Errorf("reading signature: %w", err)
		}
		if x.Certificates, err = parseCertificates(sig.Certificates); err != nil {
			return nil, fmt.Errorf("reading signature: %w", err)
		}
	}
	if sig := toc.CMSSig; sig != nil {
		if x.CMSSignature, err = x.readHeap(sig.Offset, sig.Size); err != nil {
			return nil, fmt.Errorf("reading CMS signature: %w", err)
		}
	}
	if x.NotaryTicket, err = readTicket(r, x.heapEnd, size); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *XAR) readHeap(offset, size int64) ([]byte, error) {
	blob := make([]byte, size)
	_, err := x.heap.ReadAt(blob, offset)
	return blob, err
}

// checkTOCDigest compares the digest stored at the front of the heap against
// the one computed while reading the TOC.
func (x *XAR) checkTOCDigest() error {
	cksum := x.toc.Checksum
	if cksum.Size != int64(x.HashFunc.Size()) {
		return errors.New("checksum is missing or invalid")
	}
	stored, err := x.readHeap(cksum.Offset, cksum.Size)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	if !hmac.Equal(stored, x.TOCHash) {
		return errors.New("checksum mismatch in TOC")
	}
	return nil
}

func parseHeader(r io.Reader) (xarHeader, crypto.Hash, error) {
	var hdr xarHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return xarHeader{}, 0, err
	}
	if hdr.Magic != xarMagic {
		return xarHeader{}, 0, errors.New("incorrect magic")
	}
	if hdr.Version != 1 {
		return xarHeader{}, 0, fmt.Errorf("unsupported xar version %d", hdr.Version)
	}
	alg := algByKind(hdr.HashAlg)
	if alg == nil {
		return xarHeader{}, 0, fmt.Errorf("unknown hash algorithm %d", hdr.HashAlg)
	}
	return hdr, alg.hash, nil
}

func decompress(r io.Reader) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// parseTOC digests the compressed TOC as it streams past, then unpacks the
// XML within.
func parseTOC(r io.Reader, hashFunc crypto.Hash) (*tocInfo, []byte, error) {
	digest := hashFunc.New()
	unpacked, err := decompress(io.TeeReader(r, digest))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing TOC: %w", err)
	}
	var doc xarDoc
	if err := xml.Unmarshal(unpacked, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding TOC: %w", err)
	}
	return &doc.TOC, digest.Sum(nil), nil
}

func parseCertificates(encoded []string) ([]*x509.Certificate, error) {
	if len(encoded) == 0 {
		return nil, errors.New("no certificates found")
	}
	parsed := make([]*x509.Certificate, len(encoded))
	for i, text := range encoded {
		der, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, err
		}
		if parsed[i], err = x509.ParseCertificate(der); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

// entriesEnd is the heap-relative end of the last file's data
func entriesEnd(entries []*tocEntry) (end int64) {
	for _, f := range entries {
		if e := f.Offset + f.Length; e > end {
			end = e
		}
		if e := entriesEnd(f.Entries); e > end {
			end = e
		}
	}
	return
}

// readTicket extracts a stapled notarization ticket from the trailer records
// that follow the heap. An unframed tail is not a ticket.
func readTicket(r io.ReaderAt, heapEnd, size int64) ([]byte, error) {
	if size-heapEnd < 2*trailerSize {
		return nil, nil
	}
	var t ticketTrailer
	sr := io.NewSectionReader(r, size-trailerSize, trailerSize)
	if err := binary.Read(sr, binary.LittleEndian, &t); err != nil {
		return nil, fmt.Errorf("reading ticket trailer: %w", err)
	}
	if t.Magic != trailerMagic || t.Type != trailerTicket {
		return nil, nil
	}
	ticketStart := size - trailerSize - int64(t.Length)
	if int64(t.Length) > 1e6 || ticketStart < heapEnd+trailerSize {
		return nil, errors.New("invalid ticket trailer")
	}
	ticket := make([]byte, t.Length)
	if _, err := r.ReadAt(ticket, ticketStart); err != nil {
		return nil, fmt.Errorf("reading ticket: %w", err)
	}
	return ticket, nil
}
