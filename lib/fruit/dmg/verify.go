package dmg

import (
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// Signature holds the verification result for a disk image.
type Signature struct {
	*csblob.VerifiedBlob
}

// Verify checks the embedded signature of a disk image. Digest and trust
// findings accumulate on the result rather than aborting, so callers inspect
// VerifiedBlob.Problems or Err for the verdict. The rep-specific slot is
// checked against the trailer the image was opened with.
func (d *DMG) Verify(params csblob.VerifyParams, skipDigests bool) (*Signature, error) {
	if len(d.sigBlob) == 0 {
		return nil, sigerrors.NotSignedError{Type: "dmg"}
	}
	params.RepSpecific = d.trailer.forSealing()
	sig, err := csblob.Verify(d.sigBlob, params)
	if err != nil {
		return nil, fmt.Errorf("verifying dmg signature: %w", err)
	}
	if !skipDigests {
		problems, err := sig.Blob.VerifyPages(io.NewSectionReader(d.r, 0, d.trailer.sealedLength()))
		if err != nil {
			return nil, err
		}
		sig.Problems = append(sig.Problems, problems...)
	}
	return &Signature{VerifiedBlob: sig}, nil
}
