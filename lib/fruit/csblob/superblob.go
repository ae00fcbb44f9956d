package csblob

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type csMagic uint32

const (
	csEmbeddedSignature csMagic = 0xfade0cc0
	csDetachedSignature csMagic = 0xfade0cc1

	csRequirement    csMagic = 0xfade0c00
	csRequirements   csMagic = 0xfade0c01
	csCodeDirectory  csMagic = 0xfade0c02
	csEntitlement    csMagic = 0xfade7171
	csEntitlementDER csMagic = 0xfade7172
	csBlobWrapper    csMagic = 0xfade0b01
)

// codedirectory.h
var csSlots = map[csMagic]uint32{
	csRequirements:   cdRequirementsSlot,
	csEntitlement:    cdEntitlementSlot,
	csEntitlementDER: cdEntitlementDERSlot,
	csBlobWrapper:    cdSignatureSlot,
}

// codedirectory.h
const (
	cdInfoSlot           = 1
	cdRequirementsSlot   = 2
	cdResourceDirSlot    = 3
	cdTopDirectorySlot   = 4
	cdEntitlementSlot    = 5
	cdRepSpecificSlot    = 6
	cdEntitlementDERSlot = 7

	cdCodeDirectorySlot           = 0
	cdAlternateCodeDirectorySlots = 0x1000
	cdSignatureSlot               = 0x10000
	cdIdentificationSlot          = 0x10001
	cdTicketSlot                  = 0x10002
)

var errShort = errors.New("short read in signature blob")

type superItem struct {
	magic csMagic
	slot  uint32
	data  []byte
}

func parseSuper(blob []byte) (csMagic, []superItem, error) {
	if len(blob) < 12 {
		return 0, nil, errShort
	}
	magic := csMagic(binary.BigEndian.Uint32(blob))
	length := binary.BigEndian.Uint32(blob[4:])
	count := binary.BigEndian.Uint32(blob[8:])
	if length < 8 || length > uint32(len(blob)) {
		return 0, nil, errors.New("invalid length in signature blob")
	}
	// count index entries follow the header, then the item bodies, with
	// offsets relative to the start of the whole blob
	rest := blob[12:]
	if count > uint32(len(rest)/8) {
		return 0, nil, errShort
	}
	indexes, body := rest[:8*count], rest[8*count:]
	bodyStart := len(blob) - len(body)
	items := make([]superItem, 0, count)
	for ; len(indexes) >= 8; indexes = indexes[8:] {
		slot := binary.BigEndian.Uint32(indexes)
		offset := int(binary.BigEndian.Uint32(indexes[4:])) - bodyStart
		if offset < 0 || offset > len(body)-8 {
			return 0, nil, errShort
		}
		itemLen := int(binary.BigEndian.Uint32(body[offset+4:]))
		if itemLen < 8 || offset+itemLen > len(body) {
			return 0, nil, errShort
		}
		items = append(items, superItem{
			magic: csMagic(binary.BigEndian.Uint32(body[offset:])),
			slot:  slot,
			data:  body[offset : offset+itemLen],
		})
	}
	return magic, items, nil
}

// newSuperItem frames a payload with the blob header that both the superblob
// index and the special-slot digests cover
func newSuperItem(magic csMagic, payload []byte) superItem {
	packed := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(packed, uint32(magic))
	binary.BigEndian.PutUint32(packed[4:], uint32(len(payload)+8))
	copy(packed[8:], payload)
	return superItem{
		magic: magic,
		slot:  csSlots[magic],
		data:  packed,
	}
}

func marshalSuperBlob(magic csMagic, items []superItem) []byte {
	headerLen := 12 + 8*len(items)
	total := headerLen
	for _, item := range items {
		total += len(item.data)
	}
	out := make([]byte, headerLen, total)
	binary.BigEndian.PutUint32(out, uint32(magic))
	binary.BigEndian.PutUint32(out[4:], uint32(total))
	binary.BigEndian.PutUint32(out[8:], uint32(len(items)))
	offset := headerLen
	for i, item := range items {
		binary.BigEndian.PutUint32(out[12+8*i:], item.slot)
		binary.BigEndian.PutUint32(out[16+8*i:], uint32(offset))
		offset += len(item.data)
	}
	for _, item := range items {
		out = append(out, item.data...)
	}
	return out
}

// StapleTicket inserts a notarization ticket into an embedded signature,
// replacing any ticket already present, and returns the rebuilt blob.
func StapleTicket(blob, ticket []byte) ([]byte, error) {
	magic, items, err := parseSuper(blob)
	if err != nil {
		return nil, err
	}
	if magic != csEmbeddedSignature {
		return nil, fmt.Errorf("expected embedded signature but got %08x", magic)
	}
	keep := items[:0]
	for _, item := range items {
		if item.slot != cdTicketSlot {
			keep = append(keep, item)
		}
	}
	wrapped := newSuperItem(csBlobWrapper, ticket)
	wrapped.slot = cdTicketSlot
	keep = append(keep, wrapped)
	return marshalSuperBlob(csEmbeddedSignature, keep), nil
}
