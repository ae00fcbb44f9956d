package showcmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/lib/fruit/bundle"
	"github.com/cachetsign/cachet/lib/fruit/csblob"
	"github.com/cachetsign/cachet/lib/fruit/dmg"
	"github.com/cachetsign/cachet/lib/fruit/machos"
	"github.com/cachetsign/cachet/lib/fruit/xar"
	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

var ShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"show-req"},
	Short:   "Print the signature contents of signed files and bundles",
	Args:    cobra.MinimumNArgs(1),
	RunE:    showCmd,
}

func init() {
	shared.RootCmd.AddCommand(ShowCmd)
}

func showCmd(cmd *cobra.Command, args []string) error {
	for i, path := range args {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s:\n", path)
		if err := showOne(os.Stdout, path); err != nil {
			return shared.Fail(fmt.Errorf("%s: %w", path, err))
		}
	}
	return nil
}

func showOne(w io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return showBundle(w, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fileType, compression := magic.DetectCompressed(f)
	if compression != magic.CompressedNone {
		return errors.New("cannot inspect compressed file")
	}
	switch fileType {
	case magic.FileTypeMachO, magic.FileTypeMachOFat:
		sig, err := machos.ParseSignature(f)
		if err != nil {
			return err
		}
		return showBlob(w, sig)
	case magic.FileTypeDMG:
		d, err := dmg.Open(f)
		if err != nil {
			return err
		}
		blob := d.SignatureBlob()
		if blob == nil {
			return sigerrors.NotSignedError{Type: "dmg"}
		}
		sig, err := csblob.Parse(blob)
		if err != nil {
			return err
		}
		return showBlob(w, sig)
	case magic.FileTypeXAR:
		return showXar(w, f)
	}
	return errors.New("unknown filetype")
}

func showBundle(w io.Writer, root string) error {
	b, err := bundle.Open(root)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Type:        ", b.Type)
	if id := b.Identifier(); id != "" {
		fmt.Fprintln(w, "Identifier:  ", id)
	}
	exePath := b.ExecutablePath()
	if exePath == "" {
		return errors.New("bundle declares no executable")
	}
	fmt.Fprintln(w, "Executable:  ", exePath)
	if _, err := os.Stat(filepath.Join(b.Root, filepath.FromSlash(b.TicketPath()))); err == nil {
		fmt.Fprintln(w, "Ticket file: ", b.TicketPath())
	}
	exe, err := os.Open(filepath.Join(b.Root, filepath.FromSlash(exePath)))
	if err != nil {
		return err
	}
	defer exe.Close()
	sig, err := machos.ParseSignature(exe)
	if err != nil {
		return err
	}
	return showBlob(w, sig)
}

func showBlob(w io.Writer, sig *csblob.SigBlob) error {
	for _, dir := range sig.Directories {
		fmt.Fprintf(w, "Code directory (%s):\n", x509tools.HashNames[dir.HashFunc])
		fmt.Fprintln(w, "  Identifier: ", dir.SigningIdentity)
		if dir.TeamIdentifier != "" {
			fmt.Fprintln(w, "  Team ID:    ", dir.TeamIdentifier)
		}
		fmt.Fprintf(w, "  CDHash:      %x\n", dir.CDHash)
		fmt.Fprintln(w, "  Flags:      ", dir.Header.Flags)
		if dir.Header.PageSizeLog2 == 0 {
			fmt.Fprintf(w, "  Pages:       1 (single page, %d bytes)\n", dir.Header.CodeLimit)
		} else {
			fmt.Fprintf(w, "  Pages:       %d of %d bytes (%d bytes of code)\n",
				len(dir.CodeHashes), 1<<dir.Header.PageSizeLog2, dir.Header.CodeLimit)
		}
		fmt.Fprintln(w, "  Ticket name:", dir.TicketRecordName())
	}
	if sig.CMS == nil {
		fmt.Fprintln(w, "Signature: none (adhoc)")
	} else if certs, err := sig.CMS.Content.Certificates.Parse(); err != nil {
		return fmt.Errorf("parsing certificates: %w", err)
	} else if len(certs) > 0 {
		fmt.Fprintln(w, "Certificates:")
		for _, cert := range certs {
			fmt.Fprintln(w, " ", x509tools.FormatSubject(cert))
		}
	}
	if len(sig.RawRequirements) > 8 {
		reqs, err := sig.Requirements()
		if err != nil {
			return err
		}
		if len(reqs) > 0 {
			fmt.Fprintln(w, "Requirements:")
			if err := reqs.Dump(w); err != nil {
				return err
			}
		}
	}
	if len(sig.Entitlement) > 8 {
		fmt.Fprintln(w, "Entitlements:")
		w.Write(bytes.TrimRight(sig.Entitlement[8:], "\x00"))
		fmt.Fprintln(w)
	}
	if len(sig.NotaryTicket) > 0 {
		fmt.Fprintf(w, "Notarization: ticket stapled (%d bytes)\n", len(sig.NotaryTicket))
	}
	return nil
}

func showXar(w io.Writer, f *os.File) error {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	x, err := xar.Open(f, size)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Type:        xar archive")
	fmt.Fprintln(w, "TOC digest:  "+x509tools.HashNames[x.HashFunc])
	switch {
	case x.CMSSignature != nil:
		fmt.Fprintln(w, "Signature:   CMS")
	case x.ClassicSignature != nil:
		fmt.Fprintln(w, "Signature:   RSA (classic)")
	default:
		return sigerrors.NotSignedError{Type: "xar"}
	}
	if len(x.Certificates) > 0 {
		fmt.Fprintln(w, "Certificates:")
		for _, cert := range x.Certificates {
			fmt.Fprintln(w, " ", x509tools.FormatSubject(cert))
		}
	}
	if name, err := x.TicketRecordName(); err == nil {
		fmt.Fprintln(w, "Ticket name:", name)
	}
	if len(x.NotaryTicket) > 0 {
		fmt.Fprintf(w, "Notarization: ticket stapled (%d bytes)\n", len(x.NotaryTicket))
	}
	return nil
}
