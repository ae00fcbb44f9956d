package machos

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"io"

	"github.com/cachetsign/cachet/lib/binpatch"
)

const (
	loadCmdCodeSignature macho.LoadCmd = 0x1d

	segLinkEdit   = "__LINKEDIT"
	segText       = "__TEXT"
	sectInfoPlist = "__info_plist"

	alignSegmentFile = 8
	alignSegmentMem  = 4096
)

// imageLayout records the offsets inside a Mach-O header that signing needs to
// rewrite, gathered in a single streaming pass over the header.
type imageLayout struct {
	macho.FileHeader
	order binary.ByteOrder
	magic uint32

	// existing signature region, zero when unsigned
	sigOffset int64
	sigSize   int64
	// offset of the LC_CODE_SIGNATURE command, zero when absent
	sigCmdPos int64
	// offset and contents of the __LINKEDIT segment command
	linkEditPos int64
	linkEdit    macho.SegmentHeader
	// end of the load command area and start of the first section, bounding
	// where a new load command can go
	cmdsEnd      int64
	firstSection int64
	// size of the signable region
	codeEnd int64
	// embedded __TEXT,__info_plist section, zero when absent
	plistOffset int64
	plistSize   int64
}

type codeSigCmd struct {
	Cmd       macho.LoadCmd
	Len       uint32
	SigOffset uint32
	SigLength uint32
}

// scanImage reads the header of a Mach-O image and notes where everything
// signing cares about lives. It consumes exactly the header from r.
func scanImage(r io.Reader) (*imageLayout, error) {
	f := &imageLayout{firstSection: 1<<63 - 1}
	var ident [4]byte
	if _, err := io.ReadFull(r, ident[:]); err != nil {
		return nil, err
	}
	// the 32 and 64 bit magics differ only in the low bit
	be := binary.BigEndian.Uint32(ident[:])
	le := binary.LittleEndian.Uint32(ident[:])
	switch macho.Magic32 &^ 1 {
	case be &^ 1:
		f.order, f.magic = binary.BigEndian, be
	case le &^ 1:
		f.order, f.magic = binary.LittleEndian, le
	default:
		return nil, errors.New("not a mach-o image")
	}
	hr := io.MultiReader(bytes.NewReader(ident[:]), r)
	if err := binary.Read(hr, f.order, &f.FileHeader); err != nil {
		return nil, err
	}
	pos := int64(binary.Size(f.FileHeader))
	if f.magic == macho.Magic64 {
		// reserved field
		if _, err := io.ReadFull(r, ident[:]); err != nil {
			return nil, err
		}
		pos += 4
	}
	cmds := make([]byte, f.Cmdsz)
	if _, err := io.ReadFull(r, cmds); err != nil {
		return nil, err
	}
	f.cmdsEnd = pos + int64(len(cmds))
	for i := 0; i < int(f.Ncmd); i++ {
		if len(cmds) < 8 {
			return nil, errors.New("load command overruns header")
		}
		cmd := macho.LoadCmd(f.order.Uint32(cmds))
		size := f.order.Uint32(cmds[4:])
		if size < 8 || int64(size) > int64(len(cmds)) {
			return nil, errors.New("invalid load command size")
		}
		var body []byte
		body, cmds = cmds[:size], cmds[size:]
		if err := f.scanCommand(cmd, pos, body); err != nil {
			return nil, err
		}
		pos += int64(size)
	}
	// the signable region runs up to the signature, or to the end of
	// __LINKEDIT when there is none
	linkEditEnd := int64(f.linkEdit.Offset) + int64(f.linkEdit.Filesz)
	if f.sigSize != 0 {
		f.codeEnd = f.sigOffset
		sigEnd := f.sigOffset + f.sigSize
		if sigEnd > linkEditEnd || sigEnd < linkEditEnd-16 {
			return nil, errors.New("existing signature does not end with the __LINKEDIT segment")
		}
	} else {
		f.codeEnd = linkEditEnd
	}
	return f, nil
}

func (f *imageLayout) scanCommand(cmd macho.LoadCmd, cmdPos int64, body []byte) error {
	br := bytes.NewReader(body)
	switch cmd {
	case macho.LoadCmdSegment:
		var seg macho.Segment32
		if err := binary.Read(br, f.order, &seg); err != nil {
			return err
		}
		name := segName(seg.Name[:])
		f.noteSegment(cmdPos, name, macho.SegmentHeader{
			Addr:   uint64(seg.Addr),
			Memsz:  uint64(seg.Memsz),
			Offset: uint64(seg.Offset),
			Filesz: uint64(seg.Filesz),
		})
		for i := 0; i < int(seg.Nsect); i++ {
			var sect macho.Section32
			if err := binary.Read(br, f.order, &sect); err != nil {
				return err
			}
			if seg.Filesz != 0 {
				f.noteSection(name, segName(sect.Name[:]), int64(sect.Offset), int64(sect.Size))
			}
		}
	case macho.LoadCmdSegment64:
		var seg macho.Segment64
		if err := binary.Read(br, f.order, &seg); err != nil {
			return err
		}
		name := segName(seg.Name[:])
		f.noteSegment(cmdPos, name, macho.SegmentHeader{
			Addr:   seg.Addr,
			Memsz:  seg.Memsz,
			Offset: seg.Offset,
			Filesz: seg.Filesz,
		})
		for i := 0; i < int(seg.Nsect); i++ {
			var sect macho.Section64
			if err := binary.Read(br, f.order, &sect); err != nil {
				return err
			}
			if seg.Filesz != 0 {
				f.noteSection(name, segName(sect.Name[:]), int64(sect.Offset), int64(sect.Size))
			}
		}
	case loadCmdCodeSignature:
		var sig codeSigCmd
		if err := binary.Read(br, f.order, &sig); err != nil {
			return err
		}
		f.sigOffset = int64(sig.SigOffset)
		f.sigSize = int64(sig.SigLength)
		f.sigCmdPos = cmdPos
	}
	return nil
}

func (f *imageLayout) noteSegment(cmdPos int64, name string, hdr macho.SegmentHeader) {
	if name == segLinkEdit {
		f.linkEditPos = cmdPos
		f.linkEdit = hdr
	}
}

func (f *imageLayout) noteSection(segname, sectname string, offset, size int64) {
	if offset == 0 || size == 0 {
		return
	}
	if offset < f.firstSection {
		f.firstSection = offset
	}
	if segname == segText && sectname == sectInfoPlist {
		f.plistOffset, f.plistSize = offset, size
	}
}

// reserveSignature rewrites the header so that sigSize bytes are set aside at
// the end of __LINKEDIT. The returned patch set carries a placeholder buffer,
// sigBuf, that the caller fills in with the final signature.
func (f *imageLayout) reserveSignature(oldHeader []byte, sigSize int64) (newHeader, sigBuf []byte, sigStart int64, patch *binpatch.PatchSet, padding int64, err error) {
	patch = binpatch.New()
	newHeader = oldHeader
	sigStart = f.sigOffset
	if f.sigSize >= sigSize {
		// the existing region is big enough, overwrite it in place
		sigBuf = make([]byte, f.sigSize)
		patch.Add(f.sigOffset, f.sigSize, sigBuf)
		return
	}
	sigSize = roundUp(sigSize, alignSegmentFile)
	if sigStart == 0 {
		// no signature yet, claim space after the current end of __LINKEDIT
		sigStart = roundUp(f.codeEnd, alignSegmentFile)
	}
	padding = sigStart - f.codeEnd
	padded := make([]byte, padding+sigSize)
	sigBuf = padded[padding:]
	newHeader, err = f.growCommandList(newHeader, patch)
	if err != nil {
		return
	}
	f.growLinkEdit(newHeader, patch, sigStart, sigSize)
	f.writeSignatureCommand(newHeader, patch, sigStart, sigSize)
	// replace everything from the end of the code to the end of the file
	patch.Add(f.codeEnd, f.sigSize, padded)
	return
}

// growCommandList makes room for a signature load command when the image does
// not already have one.
func (f *imageLayout) growCommandList(newHeader []byte, patch *binpatch.PatchSet) ([]byte, error) {
	if f.sigCmdPos != 0 {
		return newHeader, nil
	}
	f.sigCmdPos = f.cmdsEnd
	cmdEnd := f.cmdsEnd + 16
	if cmdEnd > f.firstSection {
		return nil, errors.New("no room in header for a signature load command")
	}
	if int64(len(newHeader)) < cmdEnd {
		buf := make([]byte, cmdEnd)
		copy(buf, newHeader)
		newHeader = buf
	}
	// bump Ncmd and Cmdsz
	f.order.PutUint32(newHeader[16:], f.order.Uint32(newHeader[16:])+1)
	f.order.PutUint32(newHeader[20:], f.order.Uint32(newHeader[20:])+16)
	patch.Add(16, 8, newHeader[16:16+8])
	return newHeader, nil
}

func (f *imageLayout) writeSignatureCommand(newHeader []byte, patch *binpatch.PatchSet, sigStart, sigSize int64) {
	f.order.PutUint32(newHeader[f.sigCmdPos:], uint32(loadCmdCodeSignature))
	f.order.PutUint32(newHeader[f.sigCmdPos+4:], 16)
	f.order.PutUint32(newHeader[f.sigCmdPos+8:], uint32(sigStart))
	f.order.PutUint32(newHeader[f.sigCmdPos+12:], uint32(sigSize))
	patch.Add(f.sigCmdPos, 16, newHeader[f.sigCmdPos:f.sigCmdPos+16])
}

// growLinkEdit stretches the __LINKEDIT segment to cover the signature region.
func (f *imageLayout) growLinkEdit(newHeader []byte, patch *binpatch.PatchSet, sigStart, sigSize int64) {
	hdr := f.linkEdit
	end := uint64(sigStart + sigSize)
	hdr.Filesz = end - hdr.Offset
	hdr.Memsz = uint64(roundUp(int64(hdr.Filesz), alignSegmentMem))
	var patchStart, patchSize int64
	if f.magic == macho.Magic64 {
		f.order.PutUint64(newHeader[f.linkEditPos+32:], hdr.Memsz)
		f.order.PutUint64(newHeader[f.linkEditPos+48:], hdr.Filesz)
		patchStart, patchSize = f.linkEditPos+32, 24
	} else {
		f.order.PutUint32(newHeader[f.linkEditPos+28:], uint32(hdr.Memsz))
		f.order.PutUint32(newHeader[f.linkEditPos+36:], uint32(hdr.Filesz))
		patchStart, patchSize = f.linkEditPos+28, 12
	}
	patch.Add(patchStart, patchSize, newHeader[patchStart:patchStart+patchSize])
}

func segName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func roundUp(n, align int64) int64 {
	if r := n % align; r != 0 {
		n += align - r
	}
	return n
}
