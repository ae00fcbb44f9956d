//
// Copyright © Cachet Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package binpatch edits files by replacing byte ranges, so a signature can
// be applied by splicing it into the original file instead of rewriting the
// whole thing. A PatchSet can be serialized for later or remote application.
package binpatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"

	"github.com/cachetsign/cachet/lib/atomicfile"
)

const MimeType = "application/x-binary-patch"

// PatchSet is a series of byte ranges to replace and their replacement blobs
type PatchSet struct {
	Patches []PatchHeader
	Blobs   [][]byte
}

// PatchHeader identifies a byte range in the old file and the size of its
// replacement
type PatchHeader struct {
	Offset  int64 `json:"offset"`
	OldSize int64 `json:"old_size"`
	NewSize int64 `json:"new_size"`
}

// New creates an empty PatchSet
func New() *PatchSet {
	return new(PatchSet)
}

// Add a new patch region, replacing oldSize bytes at offset with blob
func (p *PatchSet) Add(offset, oldSize int64, blob []byte) {
	p.Patches = append(p.Patches, PatchHeader{
		Offset:  offset,
		OldSize: oldSize,
		NewSize: int64(len(blob)),
	})
	p.Blobs = append(p.Blobs, blob)
}

// Dump serializes the PatchSet to a blob: a JSON header followed by a null
// byte and the concatenated replacement regions.
func (p *PatchSet) Dump() []byte {
	header, err := json.Marshal(p.Patches)
	if err != nil {
		panic(err)
	}
	var size int64
	for _, hdr := range p.Patches {
		size += hdr.NewSize
	}
	buf := bytes.NewBuffer(make([]byte, 0, int64(len(header))+1+size))
	buf.Write(header)
	buf.WriteByte(0)
	for _, blob := range p.Blobs {
		buf.Write(blob)
	}
	return buf.Bytes()
}

// Load a PatchSet from its serialized form
func Load(blob []byte) (*PatchSet, error) {
	i := bytes.IndexByte(blob, 0)
	if i < 0 {
		return nil, errors.New("binpatch: missing header terminator")
	}
	p := new(PatchSet)
	if err := json.Unmarshal(blob[:i], &p.Patches); err != nil {
		return nil, err
	}
	rest := blob[i+1:]
	p.Blobs = make([][]byte, len(p.Patches))
	for i, hdr := range p.Patches {
		if hdr.NewSize < 0 || int64(len(rest)) < hdr.NewSize {
			return nil, errors.New("binpatch: truncated patch")
		}
		p.Blobs[i] = rest[:hdr.NewSize]
		rest = rest[hdr.NewSize:]
	}
	if len(rest) != 0 {
		return nil, errors.New("binpatch: trailing garbage after patch")
	}
	return p, nil
}

// Apply the PatchSet to the file f, writing the result to outpath. If
// outpath is empty the input file is modified. If every patched region keeps
// its old size and the output is the input, the file is patched in place,
// otherwise the new contents are laid down next to the target and renamed
// over it.
func (p *PatchSet) Apply(f *os.File, outpath string) error {
	sort.Stable(sorter{p})
	if outpath == "" {
		outpath = f.Name()
	}
	if p.sameSize() {
		if ok, err := canOverwrite(f, outpath); err != nil {
			return err
		} else if ok {
			return p.applyInPlace(f)
		}
	}
	return p.applyRewrite(f, outpath)
}

// sameSize is true when no patch changes the size of its region
func (p *PatchSet) sameSize() bool {
	for _, hdr := range p.Patches {
		if hdr.OldSize != hdr.NewSize {
			return false
		}
	}
	return true
}

// canOverwrite is true when outpath refers to the file f and it is safe to
// write into it directly. Hardlinked files are rewritten instead so that the
// other names keep the old contents.
func canOverwrite(f *os.File, outpath string) (bool, error) {
	ininfo, err := f.Stat()
	if err != nil || !ininfo.Mode().IsRegular() {
		return false, nil
	}
	outinfo, err := os.Lstat(outpath)
	if err != nil {
		return false, nil
	}
	if !outinfo.Mode().IsRegular() || !os.SameFile(ininfo, outinfo) {
		return false, nil
	}
	return !hasLinks(outinfo), nil
}

func (p *PatchSet) applyInPlace(f *os.File) error {
	for i, hdr := range p.Patches {
		if _, err := f.WriteAt(p.Blobs[i], hdr.Offset); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (p *PatchSet) applyRewrite(f *os.File, outpath string) error {
	out, err := atomicfile.WriteAny(outpath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var pos int64
	for i, hdr := range p.Patches {
		if hdr.Offset < pos {
			return errors.New("binpatch: patches out of order")
		}
		if hdr.Offset > pos {
			if _, err := io.CopyN(out, f, hdr.Offset-pos); err != nil {
				return err
			}
		}
		if _, err := out.Write(p.Blobs[i]); err != nil {
			return err
		}
		pos = hdr.Offset + hdr.OldSize
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return err
		}
	}
	if _, err := io.Copy(out, f); err != nil {
		return err
	}
	return out.Commit()
}

// sorter orders patches by offset, keeping each header with its blob
type sorter struct {
	p *PatchSet
}

func (s sorter) Len() int { return len(s.p.Patches) }

func (s sorter) Less(i, j int) bool {
	return s.p.Patches[i].Offset < s.p.Patches[j].Offset
}

func (s sorter) Swap(i, j int) {
	p := s.p
	p.Patches[i], p.Patches[j] = p.Patches[j], p.Patches[i]
	p.Blobs[i], p.Blobs[j] = p.Blobs[j], p.Blobs[i]
}
