package machos

import (
	"crypto"
	"debug/macho"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// SignedInfo identifies an already signed binary so that a parent bundle can
// seal it by code identity instead of by content digest.
type SignedInfo struct {
	// Directory is the preferred code directory: SHA-256 when the binary has
	// one, then SHA-1, then whatever it carries.
	Directory *csblob.CodeDirectory
	// Requirement holds the designated requirement in source form, empty when
	// the signature has none.
	Requirement string
}

// ParseSignature decodes the embedded signature of a Mach-O image without
// checking anything, for display purposes. Universal binaries are represented
// by their first architecture.
func ParseSignature(r io.ReaderAt) (*csblob.SigBlob, error) {
	hdr, ir, err := firstImage(r)
	if err != nil {
		return nil, err
	}
	buf, err := readSigBlob(ir, hdr)
	if err != nil {
		return nil, err
	}
	return csblob.Parse(buf)
}

// ReadSignedInfo extracts the signed identity of a Mach-O image without
// verifying it. Universal binaries are represented by their first
// architecture.
func ReadSignedInfo(r io.ReaderAt) (*SignedInfo, error) {
	sig, err := ParseSignature(r)
	if err != nil {
		return nil, err
	}
	dir := preferredDirectory(sig.Directories)
	if dir == nil {
		return nil, sigerrors.NotSignedError{Type: "Mach-O"}
	}
	info := &SignedInfo{Directory: dir}
	if sig.RawRequirements != nil {
		reqs, err := sig.Requirements()
		if err != nil {
			return nil, fmt.Errorf("parsing requirements: %w", err)
		}
		if dr := reqs[csblob.DesignatedRequirement]; dr != nil {
			info.Requirement, err = dr.Format()
			if err != nil {
				return nil, fmt.Errorf("formatting designated requirement: %w", err)
			}
		}
	}
	return info, nil
}

// CDHash returns the truncated directory digest that identifies the binary.
func (i *SignedInfo) CDHash() []byte {
	return i.Directory.CDHash[:20]
}

// TicketRecordName returns the CloudKit record name under which a
// notarization ticket for this binary is published.
func (i *SignedInfo) TicketRecordName() string {
	return i.Directory.TicketRecordName()
}

// firstImage opens a thin image, or the first architecture of a universal
// one, along with a reader positioned at its start.
func firstImage(r io.ReaderAt) (*macho.File, io.ReaderAt, error) {
	fat, err := macho.NewFatFile(r)
	if err == nil {
		// NewFatFile rejects empty architecture lists
		arch := fat.Arches[0]
		return arch.File, io.NewSectionReader(r, int64(arch.Offset), int64(arch.Size)), nil
	}
	if err != macho.ErrNotFat {
		return nil, nil, err
	}
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, nil, err
	}
	return f, r, nil
}

func preferredDirectory(dirs []*csblob.CodeDirectory) *csblob.CodeDirectory {
	var fallback *csblob.CodeDirectory
	for _, dir := range dirs {
		switch dir.HashFunc {
		case crypto.SHA256:
			return dir
		case crypto.SHA1:
			fallback = dir
		}
	}
	if fallback == nil && len(dirs) > 0 {
		fallback = dirs[0]
	}
	return fallback
}
