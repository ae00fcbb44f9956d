package xar

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// TicketRecordName returns the CloudKit record name under which a
// notarization ticket for this archive is published. Tickets are keyed by
// the checksum stored in the table of contents.
func (x *XAR) TicketRecordName() (string, error) {
	if x.CMSSignature == nil && x.ClassicSignature == nil {
		return "", sigerrors.NotSignedError{Type: "xar"}
	}
	var hashType int
	switch x.HashFunc {
	case crypto.SHA1:
		hashType = 1
	case crypto.SHA256:
		hashType = 2
	default:
		return "", fmt.Errorf("no ticket record for a %s table of contents", x.HashFunc)
	}
	return fmt.Sprintf("2/%d/%x", hashType, x.TOCHash), nil
}

// StapleTicket attaches a notarization ticket after the heap, framed by
// trailer records, replacing any ticket already present. Only signed
// archives can carry a ticket.
func (x *XAR) StapleTicket(ticket []byte) (*binpatch.PatchSet, error) {
	if x.CMSSignature == nil && x.ClassicSignature == nil {
		return nil, sigerrors.NotSignedError{Type: "xar"}
	}
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, ticketTrailer{
		Magic:   trailerMagic,
		Version: 1,
		Type:    trailerTerminator,
	})
	b.Write(ticket)
	_ = binary.Write(&b, binary.LittleEndian, ticketTrailer{
		Magic:   trailerMagic,
		Version: 1,
		Type:    trailerTicket,
		Length:  uint32(len(ticket)),
	})
	patch := binpatch.New()
	patch.Add(x.heapEnd, x.fileSize-x.heapEnd, b.Bytes())
	return patch, nil
}
