package dmg

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cachetsign/cachet/signers"
)

// Signing needs the 512 byte UDIF trailer before the image contents stream
// past, so the transformed stream carries the trailer and any sidecar files
// first and the image last.
const (
	udifName = "udifheader.bin"
	dmgName  = "contents.dmg"
)

func transform(f *os.File, opts signers.SignOpts) (signers.Transformer, error) {
	if _, err := f.Seek(-512, io.SeekEnd); err != nil {
		return nil, err
	}
	trailer := make([]byte, 512)
	if _, err := io.ReadFull(f, trailer); err != nil {
		return nil, err
	}
	t := &transformer{
		image:    f,
		sidecars: []tarFile{{Name: udifName, Data: trailer}},
	}
	for _, argName := range fileArgs {
		fp := opts.Flags.GetString(argName)
		if fp == "" {
			continue
		}
		d, err := os.ReadFile(fp)
		if err != nil {
			return nil, err
		}
		t.sidecars = append(t.sidecars, tarFile{argName, d})
	}
	return t, nil
}

type transformer struct {
	image    *os.File
	sidecars []tarFile
}

type tarFile struct {
	Name string
	Data []byte
}

func (t *transformer) GetReader() (io.Reader, error) {
	r, w := io.Pipe()
	go func() {
		_ = w.CloseWithError(t.send(w))
	}()
	return r, nil
}

func (t *transformer) send(w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, f := range t.sidecars {
		if err := tw.WriteHeader(&tar.Header{Name: f.Name, Mode: 0644, Size: int64(len(f.Data))}); err != nil {
			return err
		}
		if _, err := tw.Write(f.Data); err != nil {
			return err
		}
	}
	// the image itself goes last so it can stream
	size, err := t.image.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: dmgName, Mode: 0644, Size: size}); err != nil {
		return err
	}
	if _, err := t.image.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(tw, t.image); err != nil {
		return err
	}
	return tw.Close()
}

func (t *transformer) Apply(dest, mimeType string, result io.Reader) error {
	return signers.ApplyBinPatch(t.image, dest, result)
}

// extractFiles reads back the stream produced by send: sidecar files are
// collected into args and the returned reader is positioned at the start
// of the image contents.
func extractFiles(r io.Reader) (args map[string][]byte, image io.Reader, err error) {
	known := make(map[string]bool, len(fileArgs)+1)
	known[udifName] = true
	for _, argName := range fileArgs {
		known[argName] = true
	}
	tr := tar.NewReader(r)
	args = make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, nil, fmt.Errorf("tar missing file %q", dmgName)
		} else if err != nil {
			return nil, nil, err
		}
		switch {
		case hdr.Name == dmgName:
			return args, tr, nil
		case known[hdr.Name]:
			blob, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
			args[hdr.Name] = blob
		default:
			return nil, nil, errors.New("unexpected file in tar: " + hdr.Name)
		}
	}
}
