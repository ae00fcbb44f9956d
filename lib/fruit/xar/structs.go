package xar

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

const xarMagic = 0x78617221 // xar!

const headerLen = 28

type xarHeader struct {
	Magic            uint32
	HeaderSize       uint16
	Version          uint16
	CompressedSize   int64
	UncompressedSize int64
	HashAlg          hashKind
}

type hashKind uint32

//nolint:deadcode,varcheck // enumerates the on-disk values
const (
	hashNone hashKind = iota
	hashSHA1
	hashMD5
	hashSHA256
	hashSHA512
)

// tocHashAlg ties together the three ways the archive names a digest
// algorithm: the numeric header field, the style attribute in the TOC, and
// the matching crypto.Hash.
type tocHashAlg struct {
	kind  hashKind
	style string
	hash  crypto.Hash
	new   func() hash.Hash
}

var tocHashAlgs = []tocHashAlg{
	{hashSHA1, "sha1", crypto.SHA1, sha1.New},
	{hashSHA256, "sha256", crypto.SHA256, sha256.New},
	{hashSHA512, "sha512", crypto.SHA512, sha512.New},
}

func algByKind(kind hashKind) *tocHashAlg {
	for i := range tocHashAlgs {
		if tocHashAlgs[i].kind == kind {
			return &tocHashAlgs[i]
		}
	}
	return nil
}

func algByStyle(style string) *tocHashAlg {
	for i := range tocHashAlgs {
		if tocHashAlgs[i].style == style {
			return &tocHashAlgs[i]
		}
	}
	return nil
}

func algByHash(h crypto.Hash) *tocHashAlg {
	for i := range tocHashAlgs {
		if tocHashAlgs[i].hash == h {
			return &tocHashAlgs[i]
		}
	}
	return nil
}

// Stapled notarization tickets follow the heap, framed by 16 byte trailer
// records: a terminator, the ticket bytes, then a ticket record whose length
// points back at them. Unlike the rest of the archive these are
// little-endian.
var trailerMagic = [4]byte{'t', '8', 'l', 'r'}

const trailerSize = 16

type trailerType uint16

const (
	trailerTerminator trailerType = 1
	trailerTicket     trailerType = 2
)

type ticketTrailer struct {
	Magic   [4]byte
	Version uint16
	Type    trailerType
	Length  uint32
	_       uint32
}

type xarDoc struct {
	TOC tocInfo `xml:"toc"`
}

type tocInfo struct {
	CreationTime string      `xml:"creation-time"`
	Checksum     tocDigest   `xml:"checksum"`
	RSASig       *tocSig     `xml:"signature"`
	CMSSig       *tocSig     `xml:"x-signature"`
	Entries      []*tocEntry `xml:"file"`
}

type tocDigest struct {
	Style  string `xml:"style,attr"`
	Offset int64  `xml:"offset"`
	Size   int64  `xml:"size"`
}

type tocSig struct {
	Style        string   `xml:"style,attr"`
	Offset       int64    `xml:"offset"`
	Size         int64    `xml:"size"`
	Certificates []string `xml:"KeyInfo>X509Data>X509Certificate,omitempty"`
}

type tocEntry struct {
	Name string `xml:"name"`
	Type string `xml:"type"`

	Archived  tocEntrySum `xml:"data>archived-checksum"`
	Extracted tocEntrySum `xml:"data>extracted-checksum"`
	Encoding  tocStyle    `xml:"data>encoding"`
	Size      int64       `xml:"data>size"`
	Offset    int64       `xml:"data>offset"`
	Length    int64       `xml:"data>length"`

	Entries []*tocEntry `xml:"file"`
}

type tocStyle struct {
	Style string `xml:"style,attr"`
}

type tocEntrySum struct {
	Style  string `xml:"style,attr"`
	Digest string `xml:",chardata"`
}
