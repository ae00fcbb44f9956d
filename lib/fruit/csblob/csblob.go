// Package csblob reads and writes the embedded signature superblob that seals
// Mach-O binaries and disk images.
package csblob

import (
	"fmt"
	"sort"

	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/cachetsign/cachet/lib/pkcs7"
)

// SigBlob is a parsed embedded signature. The digested byte fields keep
// their blob headers so that slot digests can be checked against them
// directly. The notarization ticket is not digested and is kept bare.
type SigBlob struct {
	Entitlement     []byte
	EntitlementDER  []byte
	RawRequirements []byte
	NotaryTicket    []byte
	Unknowns        [][]byte

	Directories []*CodeDirectory
	CMS         *pkcs7.ContentInfoSignedData
}

// Parse decodes an embedded signature superblob without checking anything.
// Use Verify to validate digests and the CMS signature.
func Parse(blob []byte) (*SigBlob, error) {
	magic, items, err := parseSuper(blob)
	if err != nil {
		return nil, err
	}
	if magic != csEmbeddedSignature && magic != csDetachedSignature {
		return nil, fmt.Errorf("expected embedded signature but got %08x", magic)
	}
	sig := new(SigBlob)
	for _, item := range items {
		if err := sig.takeItem(item); err != nil {
			return nil, err
		}
	}
	sort.Slice(sig.Directories, func(i, j int) bool {
		return sig.Directories[i].Slot < sig.Directories[j].Slot
	})
	return sig, nil
}

func (b *SigBlob) takeItem(item superItem) error {
	switch item.slot {
	case cdRequirementsSlot:
		b.RawRequirements = item.data
	case cdEntitlementSlot:
		b.Entitlement = item.data
	case cdEntitlementDERSlot:
		b.EntitlementDER = item.data
	case cdTicketSlot:
		b.NotaryTicket = item.data[8:]
	case cdSignatureSlot:
		return b.takeCMS(item.data[8:])
	default:
		if isDirectorySlot(item.slot) {
			dir, err := parseCodeDirectory(item.data, item.slot)
			if err != nil {
				return err
			}
			b.Directories = append(b.Directories, dir)
		} else {
			b.Unknowns = append(b.Unknowns, item.data)
		}
	}
	return nil
}

func isDirectorySlot(slot uint32) bool {
	if slot == cdCodeDirectorySlot {
		return true
	}
	return slot >= cdAlternateCodeDirectorySlots && slot < cdAlternateCodeDirectorySlots+6
}

func (b *SigBlob) takeCMS(data []byte) error {
	if len(data) == 0 {
		// reserved space in an unsigned or ad-hoc signed binary
		return nil
	}
	// the CMS wrapper is written with indefinite BER lengths, which
	// encoding/asn1 refuses. round-trip it through the BER library to get
	// DER back out
	pkt, err := ber.DecodePacketErr(data)
	if err != nil {
		return err
	}
	psd, err := pkcs7.Unmarshal(pkt.Bytes())
	if err != nil {
		return err
	}
	b.CMS = psd
	return nil
}
