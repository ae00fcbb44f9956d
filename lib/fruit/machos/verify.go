package machos

import (
	"debug/macho"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// Verify checks the embedded signature of a single-architecture Mach-O image.
// Digest and trust findings accumulate on the result rather than aborting, so
// callers inspect VerifiedBlob.Problems or Err for the verdict. An error is
// returned only when the image or its signature cannot be examined at all.
func Verify(r io.ReaderAt, params csblob.VerifyParams, skipPages bool) (*csblob.VerifiedBlob, error) {
	hdr, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	blob, err := readSigBlob(r, hdr)
	if err != nil {
		return nil, err
	}
	if params.InfoPlist == nil {
		// standalone binaries can carry their manifest in a text section
		params.InfoPlist, err = readPlist(hdr)
		if err != nil {
			return nil, err
		}
	}
	sig, err := csblob.Verify(blob, params)
	if err != nil {
		return nil, fmt.Errorf("verifying mach-o signature: %w", err)
	}
	if !skipPages {
		problems, err := sig.Blob.VerifyPages(io.NewSectionReader(r, 0, sig.Blob.CodeSize()))
		if err != nil {
			return nil, err
		}
		sig.Problems = append(sig.Problems, problems...)
	}
	return sig, nil
}

func readSigBlob(r io.ReaderAt, hdr *macho.File) ([]byte, error) {
	for _, loadCmd := range hdr.Loads {
		raw := loadCmd.Raw()
		if macho.LoadCmd(hdr.ByteOrder.Uint32(raw)) != loadCmdCodeSignature {
			continue
		}
		if len(raw) != 16 {
			return nil, fmt.Errorf("expected LC_CODE_SIGNATURE to be 16 bytes not %d bytes", len(raw))
		}
		offset := int64(hdr.ByteOrder.Uint32(raw[8:]))
		length := int64(hdr.ByteOrder.Uint32(raw[12:]))
		if length > 10e6 {
			return nil, fmt.Errorf("unreasonably large LC_CODE_SIGNATURE of %d bytes", length)
		}
		buf := make([]byte, length)
		if _, err := r.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("reading LC_CODE_SIGNATURE: %w", err)
		}
		return buf, nil
	}
	return nil, sigerrors.NotSignedError{Type: "Mach-O"}
}

func readPlist(hdr *macho.File) ([]byte, error) {
	for _, sect := range hdr.Sections {
		if sect.Seg == segText && sect.Name == sectInfoPlist {
			infoPlist, err := sect.Data()
			if err != nil {
				return nil, fmt.Errorf("reading embedded info plist: %w", err)
			}
			return infoPlist, nil
		}
	}
	return nil, nil
}
