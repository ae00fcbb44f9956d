// Package dmg signs and verifies UDIF disk images. The signature is a
// superblob appended between the image contents and the 512 byte "koly"
// trailer, with the trailer itself sealed into the rep-specific slot.
package dmg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	trailerSize = 512
	kolyMagic   = 0x6b6f6c79 // "koly"
)

// DMG provides access to the signature of a UDIF disk image.
type DMG struct {
	r           io.ReaderAt
	trailerBase int64
	sigBlob     []byte
	trailer     udifTrailer
}

// Open reads the trailer of a disk image and any signature it points to.
func Open(f *os.File) (*DMG, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < trailerSize {
		return nil, errors.New("file too small to hold a udif trailer")
	}
	d := &DMG{r: f, trailerBase: info.Size() - trailerSize}
	sr := io.NewSectionReader(f, d.trailerBase, trailerSize)
	if err := binary.Read(sr, binary.BigEndian, &d.trailer); err != nil {
		return nil, err
	}
	if d.trailer.Magic != kolyMagic {
		return nil, errors.New("udif trailer magic not found")
	}
	if length := d.trailer.SignatureLength; length != 0 {
		if length > 10e6 {
			return nil, fmt.Errorf("unreasonably large dmg signature of %d bytes", length)
		}
		d.sigBlob = make([]byte, length)
		if _, err := f.ReadAt(d.sigBlob, d.trailer.SignatureOffset); err != nil {
			return nil, fmt.Errorf("reading dmg signature: %w", err)
		}
	}
	return d, nil
}

// SignatureBlob returns the raw embedded signature, or nil if the image is
// not signed.
func (d *DMG) SignatureBlob() []byte {
	return d.sigBlob
}

// udiffile.h
type udifTrailer struct {
	Magic      uint32
	Version    uint32
	HeaderSize uint32
	Flags      uint32

	RunningDataForkOffset int64
	DataForkOffset        int64
	DataForkLength        int64
	ResourceForkOffset    int64
	ResourceForkLength    int64

	SegmentNumber uint32
	SegmentCount  uint32
	SegmentID     [4]uint32

	DataForkChecksum udifChecksum

	XMLOffset int64
	XMLLength int64
	_         [64]byte

	SignatureOffset int64
	SignatureLength int64
	_               [40]byte

	MasterChecksum udifChecksum

	ImageVariant uint32
	SectorCount  int64

	_ [3]uint32
}

type udifChecksum struct {
	Type uint32
	Bits uint32     // digest length in bits
	Data [32]uint32 // sized for the largest digest the format allows
}

// sealedLength is the extent of the image covered by the signature: both
// forks plus the XML plist, everything up to where the signature begins.
func (t udifTrailer) sealedLength() int64 {
	return t.XMLOffset + t.XMLLength
}

// forSealing serializes the trailer the way it is digested into the
// rep-specific slot. The signature length is zeroed because it is not known
// until sealing is done.
func (t udifTrailer) forSealing() []byte {
	t.SignatureLength = 0
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, t)
	return b.Bytes()
}
