package macho

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"howett.net/plist"

	"github.com/cachetsign/cachet/lib/magic"
	"github.com/cachetsign/cachet/signers"
)

var ipaVerifier = &signers.Signer{
	Name:   "ipa",
	Magic:  magic.FileTypeIPA,
	Verify: verifyIPA,
}

func init() {
	signers.Register(ipaVerifier)
}

// verifyIPA digs the main executable out of a zipped app archive and checks
// its signature against the manifest and resource seal packed beside it.
func verifyIPA(f *os.File, opts signers.VerifyOpts) ([]*signers.Signature, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, err
	}
	appDir, plistBytes, err := findInfoPlist(zr)
	if err != nil {
		return nil, err
	}
	var bundle bundlePlist
	if _, err := plist.Unmarshal(plistBytes, &bundle); err != nil {
		return nil, err
	}
	if bundle.Executable == "" {
		return nil, errors.New("plist: CFBundleExecutable is missing")
	}
	resources, err := readZipPath(zr, path.Join(appDir, "_CodeSignature", "CodeResources"))
	if err != nil {
		return nil, err
	}
	// tickets are optional
	notaryTicket, _ := readZipPath(zr, path.Join(appDir, "CodeResources"))
	masTicket, _ := readZipPath(zr, path.Join(appDir, "_MASReceipt", "receipt"))
	// extract the executable to a temp file so it can be read at random
	exeDir := appDir
	if strings.HasSuffix(exeDir, "/Contents") {
		exeDir = path.Join(exeDir, "MacOS")
	}
	fe, err := os.CreateTemp("", "")
	if err != nil {
		return nil, err
	}
	defer os.Remove(fe.Name())
	defer fe.Close()
	if err := extractExecutable(zr, fe, path.Join(exeDir, bundle.Executable)); err != nil {
		return nil, err
	}
	sigs, err := verifyFat(fe, plistBytes, resources, opts)
	for _, sig := range sigs {
		if len(notaryTicket) > 0 {
			sig.SigInfo += "[HasNotaryTicket]"
		}
		if len(masTicket) > 0 {
			sig.SigInfo += "[HasMASTicket]"
		}
	}
	return sigs, err
}

// findInfoPlist locates the app's manifest at the root of the first bundle in
// the archive, either iOS style (Payload/Foo.app/Info.plist) or macOS style
// (Foo.app/Contents/Info.plist).
func findInfoPlist(zr *zip.Reader) (string, []byte, error) {
	for _, zf := range zr.File {
		if path.Base(zf.Name) != "Info.plist" {
			continue
		}
		parts := strings.Split(path.Clean(zf.Name), "/")
		if parts[0] == "Payload" {
			parts = parts[1:]
		}
		if len(parts) > 3 || !strings.HasSuffix(parts[0], ".app") {
			continue
		}
		if len(parts) == 3 && parts[1] != "Contents" {
			continue
		}
		blob, err := readZipPath(zr, zf.Name)
		if err != nil {
			return "", nil, err
		}
		return path.Dir(zf.Name), blob, nil
	}
	return "", nil, fmt.Errorf("info.plist: %w", os.ErrNotExist)
}

func readZipPath(zr *zip.Reader, fp string) ([]byte, error) {
	f, err := zr.Open(fp)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func extractExecutable(zr *zip.Reader, w io.Writer, fp string) error {
	f, err := zr.Open(fp)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type bundlePlist struct {
	Executable string `plist:"CFBundleExecutable"`
}
