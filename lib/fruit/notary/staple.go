package notary

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cachetsign/cachet/lib/fruit/bundle"
	"github.com/cachetsign/cachet/lib/fruit/dmg"
	"github.com/cachetsign/cachet/lib/fruit/machos"
	"github.com/cachetsign/cachet/lib/fruit/xar"
)

// StapleFile looks up the notarization ticket for a signed artifact and
// attaches it in the location native to its format: the CodeResources file
// of a bundle, the signature ticket slot of a disk image, or a trailer
// record on a flat package. Files are rewritten in place.
func (t *TicketClient) StapleFile(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return t.stapleBundle(ctx, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch {
	case string(magic[:]) == "xar!":
		return t.stapleXar(ctx, f, fi.Size(), path)
	case isMachO(magic):
		return fmt.Errorf("%s: mach-o binaries cannot hold a ticket; staple the enclosing bundle or disk image", path)
	default:
		return t.stapleDiskImage(ctx, f, path)
	}
}

func isMachO(magic [4]byte) bool {
	switch binary.BigEndian.Uint32(magic[:]) {
	case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe, 0xcafebabe, 0xbebafeca:
		return true
	}
	return false
}

// stapleBundle writes the ticket for the bundle's main executable to the
// standalone CodeResources file beside the signature directory.
func (t *TicketClient) stapleBundle(ctx context.Context, root string) error {
	b, err := bundle.Open(root)
	if err != nil {
		return err
	}
	exePath := b.ExecutablePath()
	if exePath == "" {
		return fmt.Errorf("%s: bundle does not declare an executable", root)
	}
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(exePath)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := machos.ReadSignedInfo(f)
	if err != nil {
		return fmt.Errorf("reading signature of %s: %w", exePath, err)
	}
	ticket, err := t.Lookup(ctx, info.TicketRecordName())
	if err != nil {
		return err
	}
	dest := filepath.Join(root, filepath.FromSlash(b.TicketPath()))
	if err := os.WriteFile(dest, ticket, 0644); err != nil {
		return fmt.Errorf("stapling ticket: %w", err)
	}
	return nil
}

func (t *TicketClient) stapleDiskImage(ctx context.Context, f *os.File, path string) error {
	d, err := dmg.Open(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	recordName, err := d.TicketRecordName()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	ticket, err := t.Lookup(ctx, recordName)
	if err != nil {
		return err
	}
	patch, err := d.StapleTicket(ticket)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return patch.Apply(f, path)
}

func (t *TicketClient) stapleXar(ctx context.Context, f *os.File, size int64, path string) error {
	x, err := xar.Open(f, size)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	recordName, err := x.TicketRecordName()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	ticket, err := t.Lookup(ctx, recordName)
	if err != nil {
		return err
	}
	patch, err := x.StapleTicket(ticket)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return patch.Apply(f, path)
}
