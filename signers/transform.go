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

package signers

// Some package types can't be signed from a bare stream, either because the
// signer needs sidecar files or because part of the file has to be read ahead
// of the rest. Those modules transform the input into a tarball holding all
// the pieces, sign that, and apply the resulting patch to the original file.

import (
	"fmt"
	"io"
	"os"

	"github.com/cachetsign/cachet/lib/atomicfile"
	"github.com/cachetsign/cachet/lib/binpatch"
)

type Transformer interface {
	GetReader() (stream io.Reader, err error)
	Apply(dest, mimetype string, result io.Reader) error
}

// GetTransform returns the transform for the module, or a default
// implementation that signs the file as-is.
func (s *Signer) GetTransform(f *os.File, opts SignOpts) (Transformer, error) {
	if s != nil && s.Transform != nil {
		return s.Transform(f, opts)
	}
	return fileProducer{f}, nil
}

// Dummy implementation that sends the original file as the stream, and
// either applies a binary patch or overwrites the whole file depending on the
// MIME type of the result.

type fileProducer struct {
	f *os.File
}

func (p fileProducer) GetReader() (io.Reader, error) {
	if _, err := p.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking input file: %w", err)
	}
	return p.f, nil
}

func (p fileProducer) Apply(dest, mimetype string, result io.Reader) error {
	if mimetype == binpatch.MimeType {
		return ApplyBinPatch(p.f, dest, result)
	}
	f, err := atomicfile.WriteAny(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, result); err != nil {
		return err
	}
	return f.Commit()
}

// ApplyBinPatch decodes a patch set from result and applies it to src,
// writing the patched file to dest. src and dest may name the same file.
func ApplyBinPatch(src *os.File, dest string, result io.Reader) error {
	blob, err := io.ReadAll(result)
	if err != nil {
		return err
	}
	patch, err := binpatch.Load(blob)
	if err != nil {
		return err
	}
	return patch.Apply(src, dest)
}
