package dmg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cachetsign/cachet/lib/binpatch"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// TicketRecordName returns the CloudKit record name under which a
// notarization ticket for this image is published.
func (d *DMG) TicketRecordName() (string, error) {
	if len(d.sigBlob) == 0 {
		return "", sigerrors.NotSignedError{Type: "dmg"}
	}
	sig, err := csblob.Parse(d.sigBlob)
	if err != nil {
		return "", fmt.Errorf("parsing dmg signature: %w", err)
	}
	return sig.TicketRecordName()
}

// StapleTicket splices a notarization ticket into the embedded signature so
// the image can be assessed offline. The returned patch rewrites the
// signature region and the trailer. The trailer seal is unaffected because
// it never covers the signature length.
func (d *DMG) StapleTicket(ticket []byte) (*binpatch.PatchSet, error) {
	if len(d.sigBlob) == 0 {
		return nil, sigerrors.NotSignedError{Type: "dmg"}
	}
	blob, err := csblob.StapleTicket(d.sigBlob, ticket)
	if err != nil {
		return nil, fmt.Errorf("stapling ticket: %w", err)
	}
	trailer := d.trailer
	oldLength := d.trailerBase + trailerSize - trailer.SignatureOffset
	if trailer.SignatureOffset <= 0 || oldLength < trailerSize {
		return nil, errors.New("signature region out of range")
	}
	trailer.SignatureLength = int64(len(blob))
	var b bytes.Buffer
	b.Write(blob)
	_ = binary.Write(&b, binary.BigEndian, trailer)
	patch := binpatch.New()
	patch.Add(trailer.SignatureOffset, oldLength, b.Bytes())
	return patch, nil
}
