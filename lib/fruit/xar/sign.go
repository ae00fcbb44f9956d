package xar

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
)

const maxTOCSize = 1e6

// Sign rewrites the TOC of a xar archive with fresh signature elements and
// signs its checksum. File data is verified against the TOC as it streams
// past but is not rewritten; the patch covers the header, TOC, and the
// signature portion of the heap, plus dropping any stapled ticket made stale
// by the new signature.
func Sign(ctx context.Context, r io.Reader, cert *certloader.Certificate, hashFunc crypto.Hash) (*binpatch.PatchSet, *pkcs9.TimestampedSignature, error) {
	alg := algByHash(hashFunc)
	if alg == nil {
		return nil, nil, fmt.Errorf("unsupported hash type %s", hashFunc)
	}
	hdr, _, err := parseHeader(r)
	if err != nil {
		return nil, nil, err
	} else if hdr.CompressedSize > maxTOCSize || hdr.UncompressedSize > 10*maxTOCSize {
		return nil, nil, errors.New("unreasonably large TOC")
	}
	rw, err := newTocRewrite(r, hdr.CompressedSize)
	if err != nil {
		return nil, nil, err
	}
	rw.stripSignatures()
	rw.reserve(alg, cert.Chain())
	// verify and discard the remaining input files
	heap := &streamReaderAt{r: r}
	if err := verifyEntries(heap, rw.dataEntries()); err != nil {
		return nil, nil, err
	}
	// heap positions have to be taken before the offsets move
	heapBase := headerLen + hdr.CompressedSize
	origHeapEnd := heapBase + rw.heapEnd()
	tail, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, nil, err
	}
	fileSize := heapBase + heap.pos + tail
	rw.shiftDataOffsets(rw.newSize - rw.oldSize)
	ztoc, rawSize, err := rw.encode()
	if err != nil {
		return nil, nil, err
	}
	signed := bytes.NewBuffer(make([]byte, 0, headerLen+len(ztoc)+int(rw.newSize)))
	tssig, err := appendSignatures(ctx, signed, ztoc, rawSize, rw.newSize, cert, alg)
	if err != nil {
		return nil, nil, err
	}
	patch := binpatch.New()
	patch.Add(0, headerLen+hdr.CompressedSize+rw.oldSize, signed.Bytes())
	if fileSize > origHeapEnd {
		// drop the stapled ticket, which the new signature invalidates
		patch.Add(origHeapEnd, fileSize-origHeapEnd, nil)
	}
	return patch, tssig, nil
}

// tocRewrite edits the XML table of contents in place, keeping track of how
// the space reserved for signatures in the heap changes.
type tocRewrite struct {
	doc     *etree.Document
	toc     *etree.Element
	oldSize int64 // heap space the removed signature elements covered
	newSize int64 // heap space reserved for their replacements
	added   int
}

func newTocRewrite(r io.Reader, compressedSize int64) (*tocRewrite, error) {
	raw, err := decompress(io.LimitReader(r, compressedSize))
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, err
	}
	toc := doc.FindElement("/xar/toc")
	if toc == nil {
		return nil, errors.New("missing xar/toc element")
	}
	return &tocRewrite{doc: doc, toc: toc}, nil
}

// stripSignatures removes existing checksum and signature elements, totaling
// the heap space they claimed
func (rw *tocRewrite) stripSignatures() {
	for _, el := range rw.toc.ChildElements() {
		switch el.Tag {
		case "checksum", "signature", "x-signature":
		default:
			continue
		}
		if se := el.SelectElement("size"); se != nil {
			n, _ := strconv.ParseInt(se.Text(), 10, 64)
			rw.oldSize += n
		}
		rw.toc.RemoveChild(el)
	}
}

// reserve inserts fresh checksum and signature elements at the head of the
// TOC, each with heap space set aside for values filled in at signing time
func (rw *tocRewrite) reserve(alg *tocHashAlg, certs []*x509.Certificate) {
	certText := make([]string, len(certs))
	for i, cert := range certs {
		certText[i] = wrapBase64(cert.Raw)
	}
	rw.insert("checksum", alg.style, int64(alg.hash.Size()), nil)
	// only RSA keys take the classic signature element
	if key, ok := certs[0].PublicKey.(*rsa.PublicKey); ok {
		rw.insert("signature", "RSA", int64(key.Size()), certText)
	}
	// the CMS size isn't knowable until signing, so leave generous room
	cmsSize := int64(6144)
	for _, cert := range certs {
		cmsSize += int64(len(cert.Raw))
	}
	rw.insert("x-signature", "CMS", cmsSize, certText)
}

// insert adds one signature element claiming the next stretch of reserved
// heap space
func (rw *tocRewrite) insert(tag, style string, size int64, certs []string) {
	el := etree.NewElement(tag)
	el.CreateAttr("style", style)
	el.CreateElement("size").SetText(strconv.FormatInt(size, 10))
	el.CreateElement("offset").SetText(strconv.FormatInt(rw.newSize, 10))
	if certs != nil {
		el.AddChild(keyInfoElement(certs))
	}
	rw.toc.InsertChildAt(rw.added, el)
	rw.added++
	rw.newSize += size
}

func keyInfoElement(certs []string) *etree.Element {
	keyInfo := etree.NewElement("KeyInfo")
	keyInfo.CreateAttr("xmlns", "http://www.w3.org/2000/09/xmldsig#")
	x5d := keyInfo.CreateElement("X509Data")
	for _, cert := range certs {
		x5d.CreateElement("X509Certificate").SetText(cert)
	}
	return keyInfo
}

// wrapBase64 encodes DER and folds it for embedding in a certificate element
func wrapBase64(der []byte) string {
	const col = 72
	enc := base64.StdEncoding.EncodeToString(der)
	var b strings.Builder
	for len(enc) > col {
		b.WriteString(enc[:col])
		b.WriteByte('\n')
		enc = enc[col:]
	}
	b.WriteString(enc)
	return b.String()
}

// dataEntries lists the files carrying archived checksums, for digest checks
// against the streaming heap
func (rw *tocRewrite) dataEntries() (entries []*tocEntry) {
	for _, ed := range rw.toc.FindElements("//file/data") {
		sum := ed.SelectElement("archived-checksum")
		if sum == nil {
			continue
		}
		offset, _ := strconv.ParseInt(textOf(ed.SelectElement("offset")), 10, 64)
		length, _ := strconv.ParseInt(textOf(ed.SelectElement("length")), 10, 64)
		entries = append(entries, &tocEntry{
			Name:   textOf(ed.Parent().SelectElement("name")),
			Offset: offset,
			Length: length,
			Archived: tocEntrySum{
				Style:  sum.SelectAttrValue("style", ""),
				Digest: sum.Text(),
			},
		})
	}
	return
}

// heapEnd is the heap-relative end of the last file's data
func (rw *tocRewrite) heapEnd() (end int64) {
	for _, ed := range rw.toc.FindElements("//file/data") {
		offset, _ := strconv.ParseInt(textOf(ed.SelectElement("offset")), 10, 64)
		length, _ := strconv.ParseInt(textOf(ed.SelectElement("length")), 10, 64)
		if e := offset + length; e > end {
			end = e
		}
	}
	return
}

// shiftDataOffsets moves every file's heap offset by the change in signature
// size
func (rw *tocRewrite) shiftDataOffsets(delta int64) {
	for _, el := range rw.doc.FindElements("//data/offset") {
		n, err := strconv.ParseInt(el.Text(), 10, 64)
		if err != nil {
			continue
		}
		el.SetText(strconv.FormatInt(n+delta, 10))
	}
}

func (rw *tocRewrite) encode() ([]byte, int64, error) {
	var ztoc bytes.Buffer
	zw := zlib.NewWriter(&ztoc)
	rawSize, err := rw.doc.WriteTo(zw)
	if err == nil {
		err = zw.Close()
	}
	if err != nil {
		return nil, 0, err
	}
	return ztoc.Bytes(), rawSize, nil
}

func textOf(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return e.Text()
}

// appendSignatures writes the new header, TOC, and signature blobs, padding
// the blobs out to the reserved size
func appendSignatures(ctx context.Context, out *bytes.Buffer, ztoc []byte, rawSize, reserved int64, cert *certloader.Certificate, alg *tocHashAlg) (*pkcs9.TimestampedSignature, error) {
	// the digest of the compressed TOC is both stored and signed
	d := alg.hash.New()
	d.Write(ztoc)
	tocHash := d.Sum(nil)
	blobs := [][]byte{tocHash}
	if _, ok := cert.Leaf.PublicKey.(*rsa.PublicKey); ok {
		classic, err := cert.Signer().Sign(rand.Reader, tocHash, alg.hash)
		if err != nil {
			return nil, fmt.Errorf("signing xar TOC: %w", err)
		}
		blobs = append(blobs, classic)
	}
	tssig, err := cmsSign(ctx, tocHash, cert, alg.hash)
	if err != nil {
		return nil, err
	}
	blobs = append(blobs, tssig.Raw)
	_ = binary.Write(out, binary.BigEndian, xarHeader{
		Magic:            xarMagic,
		HeaderSize:       headerLen,
		Version:          1,
		CompressedSize:   int64(len(ztoc)),
		UncompressedSize: rawSize,
		HashAlg:          alg.kind,
	})
	out.Write(ztoc)
	var used int64
	for _, blob := range blobs {
		out.Write(blob)
		used += int64(len(blob))
	}
	if used > reserved {
		return nil, fmt.Errorf("signature overflows reserved space: have %d bytes, need %d", reserved, used)
	}
	out.Write(make([]byte, reserved-used))
	return tssig, nil
}

func cmsSign(ctx context.Context, tocHash []byte, cert *certloader.Certificate, hashFunc crypto.Hash) (*pkcs9.TimestampedSignature, error) {
	builder := pkcs7.NewBuilder(cert.Signer(), cert.Chain(), hashFunc)
	if err := builder.SetContentData(tocHash); err != nil {
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
	if tssig.Raw, err = psd.Marshal(); err != nil {
		return nil, err
	}
	return tssig, nil
}

// streamReaderAt adapts forward-only reads over a stream to the ReaderAt
// shape the digest checks use. Seeking backwards is an error.
type streamReaderAt struct {
	r   io.Reader
	pos int64
}

func (r *streamReaderAt) ReadAt(d []byte, p int64) (int, error) {
	switch {
	case p < r.pos:
		return 0, fmt.Errorf("attempted to seek backwards: at %d, to %d", r.pos, p)
	case p > r.pos:
		if _, err := io.CopyN(io.Discard, r.r, p-r.pos); err != nil {
			return 0, err
		}
		r.pos = p
	}
	n, err := io.ReadFull(r.r, d)
	r.pos += int64(n)
	return n, err
}
