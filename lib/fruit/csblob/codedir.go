package csblob

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type CodeDirectoryHeader struct {
	Magic   csMagic
	Length  uint32
	Version uint32
	Flags   SignatureFlags

	HashOffset       uint32
	IdentOffset      uint32
	SpecialSlotCount uint32
	CodeSlotCount    uint32
	CodeLimit        uint32

	HashSize     uint8
	HashType     HashType
	_            uint8
	PageSizeLog2 uint8
	_            uint32
	// Version >= 0x20100
	ScatterOffset uint32
	// Version >= 0x20200
	TeamOffset uint32
	_          uint32
	// Version >= 0x20300
	CodeLimit64 int64
	// Version >= 0x20400
	ExecSegmentBase  int64
	ExecSegmentLimit int64
	ExecSegmentFlags int64
}

type CodeDirectory struct {
	Header          CodeDirectoryHeader
	SigningIdentity string
	TeamIdentifier  string
	HashFunc        crypto.Hash

	// CodeHashes holds one digest per page of code. SpecialHashes holds the
	// digests of the other slots, with slot i at index i-1 and nil standing
	// in for an all-zero placeholder.
	CodeHashes    [][]byte
	SpecialHashes [][]byte

	Raw    []byte
	CDHash []byte
	Slot   uint32
}

// SpecialHash returns the digest recorded for a special slot, or nil if the
// slot is beyond the directory or holds a zero placeholder.
func (d *CodeDirectory) SpecialHash(slot int) []byte {
	if slot < 1 || slot > len(d.SpecialHashes) {
		return nil
	}
	return d.SpecialHashes[slot-1]
}

// TicketRecordName returns the CloudKit record name under which a
// notarization ticket for this directory is published.
func (d *CodeDirectory) TicketRecordName() string {
	return fmt.Sprintf("2/%d/%x", d.Header.HashType, d.CDHash[:20])
}

type SignatureFlags uint32

// CSCommon.h
const (
	FlagHost              SignatureFlags = 0x000001
	FlagAdhoc             SignatureFlags = 0x000002
	FlagForceHard         SignatureFlags = 0x000100
	FlagForceKill         SignatureFlags = 0x000200
	FlagForceExpiration   SignatureFlags = 0x000400
	FlagRestrict          SignatureFlags = 0x000800
	FlagEnforcement       SignatureFlags = 0x001000
	FlagLibraryValidation SignatureFlags = 0x002000
	FlagRuntime           SignatureFlags = 0x010000
	FlagLinkerSigned      SignatureFlags = 0x020000
)

// don't propagate these to a new signature
const clearFlags = FlagAdhoc | FlagLinkerSigned

var flagNames = []struct {
	flag SignatureFlags
	name string
}{
	{FlagHost, "host"},
	{FlagAdhoc, "adhoc"},
	{FlagForceHard, "hard"},
	{FlagForceKill, "kill"},
	{FlagForceExpiration, "expires"},
	{FlagRestrict, "restrict"},
	{FlagEnforcement, "enforcement"},
	{FlagLibraryValidation, "library-validation"},
	{FlagRuntime, "runtime"},
	{FlagLinkerSigned, "linker-signed"},
}

func (f SignatureFlags) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "0x%x", uint32(f))
	sep := " ("
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			b.WriteString(sep)
			b.WriteString(fn.name)
			sep = ","
		}
	}
	if sep == "," {
		b.WriteByte(')')
	}
	return b.String()
}

func parseCodeDirectory(blob []byte, slotNum uint32) (*CodeDirectory, error) {
	var hdr CodeDirectoryHeader
	if err := binary.Read(bytes.NewReader(blob), binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	// zero out fields that aren't present in the stated version
	if hdr.Version < 0x20400 {
		hdr.ExecSegmentBase, hdr.ExecSegmentLimit, hdr.ExecSegmentFlags = 0, 0, 0
	}
	if hdr.Version < 0x20300 {
		hdr.CodeLimit64 = 0
	}
	if hdr.Version < 0x20200 {
		hdr.TeamOffset = 0
	}
	if hdr.Version < 0x20100 {
		hdr.ScatterOffset = 0
	}
	if hdr.ScatterOffset != 0 {
		return nil, errors.New("scatterOffset is not supported")
	}
	dir := &CodeDirectory{
		Header: hdr,
		Raw:    blob,
		Slot:   slotNum,
	}
	var err error
	if hdr.IdentOffset != 0 {
		if dir.SigningIdentity, err = cstring(blob, int(hdr.IdentOffset)); err != nil {
			return nil, err
		}
	}
	if hdr.TeamOffset != 0 {
		if dir.TeamIdentifier, err = cstring(blob, int(hdr.TeamOffset)); err != nil {
			return nil, err
		}
	}
	if dir.HashFunc, err = hashFunc(hdr.HashType, hdr.HashSize); err != nil {
		return nil, err
	}
	// the hash arrays must fit within the blob, counting the special slots
	// that sit before the code slots
	hashBase := int64(hdr.HashOffset)
	hashLen := int64(hdr.HashSize)
	if hashBase < int64(hdr.SpecialSlotCount)*hashLen ||
		hashBase+int64(hdr.CodeSlotCount)*hashLen > int64(len(blob)) {
		return nil, errShort
	}
	// digest of the whole directory, which the outer signature covers
	h := dir.HashFunc.New()
	h.Write(blob)
	dir.CDHash = h.Sum(nil)
	// code slots count up from the hash offset. special slots are stored
	// before the code slots at an index equal to the negative of their slot
	// number.
	dir.CodeHashes = make([][]byte, hdr.CodeSlotCount)
	for i := range dir.CodeHashes {
		dir.CodeHashes[i] = hashSlot(blob, hashBase+int64(i)*hashLen, hashLen)
	}
	dir.SpecialHashes = make([][]byte, hdr.SpecialSlotCount)
	for i := range dir.SpecialHashes {
		dir.SpecialHashes[i] = hashSlot(blob, hashBase-int64(i+1)*hashLen, hashLen)
	}
	return dir, nil
}

// hashSlot extracts one digest from the hash array. A slot of all zeroes is
// a placeholder, represented as nil.
func hashSlot(blob []byte, offset, size int64) []byte {
	hash := blob[offset : offset+size]
	for _, c := range hash {
		if c != 0 {
			return hash
		}
	}
	return nil
}

func cstring(blob []byte, i int) (string, error) {
	if i < 0 || i >= len(blob) {
		return "", errShort
	}
	j := bytes.IndexByte(blob[i:], 0)
	if j < 0 {
		return "", errShort
	}
	return string(blob[i : i+j]), nil
}

type codeDirParams struct {
	*SignatureParams
	Specials      [][]byte
	CodeSlots     []byte
	CodeSlotCount uint32
	HashFunc      crypto.Hash
	CodeLimit     int64
	SinglePage    bool
}

type codeDirResult struct {
	Raw      []byte
	Digest   []byte
	HashFunc crypto.Hash
}

func newCodeDirectory(params codeDirParams) (codeDirResult, error) {
	kind, err := hashType(params.HashFunc)
	if err != nil {
		return codeDirResult{}, err
	}
	hdr := CodeDirectoryHeader{
		Magic:            csCodeDirectory,
		Version:          0x20300,
		Flags:            params.Flags,
		SpecialSlotCount: uint32(len(params.Specials)),
		CodeSlotCount:    params.CodeSlotCount,
		HashSize:         uint8(params.HashFunc.Size()),
		HashType:         kind,
		PageSizeLog2:     defaultPageSizeLog2,
		ExecSegmentBase:  params.ExecSegmentBase,
		ExecSegmentLimit: params.ExecSegmentLimit,
		ExecSegmentFlags: params.ExecSegmentFlags,
	}
	if hdr.ExecSegmentBase != 0 || hdr.ExecSegmentLimit != 0 || hdr.ExecSegmentFlags != 0 {
		hdr.Version = 0x20400
	}
	if params.SinglePage {
		// disk images hash all of their content as one slot
		hdr.PageSizeLog2 = 0
	}
	if params.CodeLimit > (1<<31)-2 {
		hdr.CodeLimit64 = params.CodeLimit
	} else {
		hdr.CodeLimit = uint32(params.CodeLimit)
	}
	// digest the special slots. these cover the payload including its blob
	// header, so the caller marshals them before handing them over
	h := params.HashFunc.New()
	specialSlots := make([]byte, 0, h.Size()*len(params.Specials))
	for _, special := range params.Specials {
		if special == nil {
			// zero placeholder
			specialSlots = specialSlots[:len(specialSlots)+h.Size()]
			continue
		}
		h.Reset()
		h.Write(special)
		specialSlots = h.Sum(specialSlots)
	}
	// build the variable-length tail, capturing each field's offset as it
	// lands. the hash offset points at the first code slot, after the
	// special slots.
	hdrSize := uint32(binary.Size(hdr))
	tail := make([]byte, 0, len(params.SigningIdentity)+len(params.TeamIdentifier)+2+len(specialSlots)+len(params.CodeSlots))
	hdr.IdentOffset = hdrSize + uint32(len(tail))
	tail = append(tail, params.SigningIdentity...)
	tail = append(tail, 0)
	if params.TeamIdentifier != "" {
		hdr.TeamOffset = hdrSize + uint32(len(tail))
		tail = append(tail, params.TeamIdentifier...)
		tail = append(tail, 0)
	}
	tail = append(tail, specialSlots...)
	hdr.HashOffset = hdrSize + uint32(len(tail))
	tail = append(tail, params.CodeSlots...)
	hdr.Length = hdrSize + uint32(len(tail))

	b := bytes.NewBuffer(make([]byte, 0, int(hdr.Length)))
	if err := binary.Write(b, binary.BigEndian, hdr); err != nil {
		return codeDirResult{}, err
	}
	b.Write(tail)
	blob := b.Bytes()

	h.Reset()
	h.Write(blob)
	return codeDirResult{
		Raw:      blob,
		Digest:   h.Sum(nil),
		HashFunc: params.HashFunc,
	}, nil
}
