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

// Package magic identifies signable file types by their contents
package magic

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
)

type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeMachO
	FileTypeMachOFat
	FileTypeIPA
	FileTypeXAR
	FileTypeDMG
	FileTypePKCS7
)

type CompressionType int

const (
	CompressedNone CompressionType = iota
	CompressedGzip
)

var oidSignedData = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}

// Detect the type of a file from the first KiB of its contents
func Detect(r io.Reader) FileType {
	blob := make([]byte, 1024)
	n, _ := io.ReadFull(r, blob)
	blob = blob[:n]
	switch {
	case len(blob) < 8:
		return FileTypeUnknown
	case bytes.HasPrefix(blob, []byte{0xfe, 0xed, 0xfa, 0xce}),
		bytes.HasPrefix(blob, []byte{0xfe, 0xed, 0xfa, 0xcf}),
		bytes.HasPrefix(blob, []byte{0xce, 0xfa, 0xed, 0xfe}),
		bytes.HasPrefix(blob, []byte{0xcf, 0xfa, 0xed, 0xfe}):
		return FileTypeMachO
	case bytes.HasPrefix(blob, []byte{0xca, 0xfe, 0xba, 0xbe}),
		bytes.HasPrefix(blob, []byte{0xca, 0xfe, 0xba, 0xbf}):
		// shares a magic number with java class files, but the second word
		// of a fat header counts architectures and is always small
		if narch := binary.BigEndian.Uint32(blob[4:8]); narch > 0 && narch < 32 {
			return FileTypeMachOFat
		}
	case bytes.HasPrefix(blob, []byte("xar!")):
		return FileTypeXAR
	case bytes.HasPrefix(blob, []byte{0x50, 0x4b, 0x03, 0x04}):
		if bytes.Contains(blob, []byte("Payload/")) {
			return FileTypeIPA
		}
	case bytes.Contains(blob, oidSignedData):
		return FileTypePKCS7
	}
	return FileTypeUnknown
}

// DetectCompressed detects the type of a file, looking through any
// compression layer and at trailers as well as leading magic.
func DetectCompressed(f *os.File) (FileType, CompressionType) {
	blob := make([]byte, 1024)
	n, _ := f.ReadAt(blob, 0)
	blob = blob[:n]
	if bytes.HasPrefix(blob, []byte{0x1f, 0x8b}) {
		zr, err := gzip.NewReader(bytes.NewReader(blob))
		if err == nil {
			return Detect(zr), CompressedGzip
		}
		return FileTypeUnknown, CompressedGzip
	}
	if ft := Detect(bytes.NewReader(blob)); ft != FileTypeUnknown {
		return ft, CompressedNone
	}
	return detectTrailer(f), CompressedNone
}

// detectTrailer checks for types identified by a block at the end of the
// file. Notably UDIF disk images keep their "koly" header there.
func detectTrailer(f *os.File) FileType {
	info, err := f.Stat()
	if err != nil || info.Size() < 512 {
		return FileTypeUnknown
	}
	trailer := make([]byte, 4)
	if _, err := f.ReadAt(trailer, info.Size()-512); err != nil {
		return FileTypeUnknown
	}
	if bytes.Equal(trailer, []byte("koly")) {
		return FileTypeDMG
	}
	return FileTypeUnknown
}
