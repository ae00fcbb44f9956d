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

// Package atomicfile writes files by building them in a temporary location
// and renaming over the destination on commit, so a crashed or cancelled
// signing operation never leaves a half-written artifact behind.
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

type AtomicFile interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Seeker
	io.Closer
	// GetFile returns the underlying open file
	GetFile() *os.File
	// Commit the temporary file to its final location
	Commit() error
}

type atomicFile struct {
	*os.File
	name string
}

// New creates a temporary file in the same directory as name, which will be
// renamed over name when Commit is called.
func New(name string) (AtomicFile, error) {
	tempfile, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name))
	if err != nil {
		return nil, err
	}
	return &atomicFile{tempfile, name}, nil
}

func (f *atomicFile) GetFile() *os.File {
	return f.File
}

// Close and remove the temporary file without committing it
func (f *atomicFile) Close() error {
	if f.File == nil {
		return nil
	}
	f.File.Close()
	os.Remove(f.File.Name())
	f.File = nil
	return nil
}

// Commit the temporary file to its final location
func (f *atomicFile) Commit() error {
	if f.File == nil {
		return errors.New("file is closed")
	}
	if err := f.File.Sync(); err != nil {
		return err
	}
	tempname := f.File.Name()
	if err := f.File.Close(); err != nil {
		return err
	}
	// rename can't overwrite an existing file on windows
	if err := os.Remove(f.name); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(tempname, f.name); err != nil {
		return err
	}
	f.File = nil
	return nil
}

type nonAtomicFile struct {
	*os.File
}

func (f *nonAtomicFile) GetFile() *os.File {
	return f.File
}

func (f *nonAtomicFile) Commit() error {
	return f.File.Sync()
}

type stdoutFile struct {
	*os.File
}

func (f *stdoutFile) GetFile() *os.File {
	return f.File
}

func (f *stdoutFile) Close() error  { return nil }
func (f *stdoutFile) Commit() error { return nil }

// WriteAny writes to a file, device, pipe, or standard output depending on
// what name refers to. The atomic rename strategy is only used for regular
// files; everything else is written through directly.
func WriteAny(name string) (AtomicFile, error) {
	if name == "-" {
		return &stdoutFile{os.Stdout}, nil
	}
	if info, err := os.Lstat(name); err == nil && !info.Mode().IsRegular() {
		f, err := os.OpenFile(name, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		return &nonAtomicFile{f}, nil
	}
	return New(name)
}

// WriteFile atomically replaces the named file with the given contents
func WriteFile(name string, data []byte) error {
	f, err := New(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}
