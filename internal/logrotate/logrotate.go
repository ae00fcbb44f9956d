// Copyright © Cachet Contributors
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

// Package logrotate writes to a log file and reopens it when an external
// rotation tool renames it out of the way.
package logrotate

import (
	"os"
	"sync"
)

type Writer struct {
	mu      sync.Mutex
	path    string
	current *os.File
	opened  os.FileInfo
}

func NewWriter(path string) (*Writer, error) {
	w := &Writer{path: path}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w, w.open()
}

func (w *Writer) Write(d []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rotated() {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	return w.current.Write(d)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// rotated reports whether the path no longer refers to the file that was
// opened, i.e. something renamed or deleted it since the last write.
func (w *Writer) rotated() bool {
	if w.current == nil {
		return true
	}
	fi, err := os.Stat(w.path)
	if err != nil {
		return true
	}
	return !os.SameFile(fi, w.opened)
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if w.current != nil {
		w.current.Close()
	}
	w.current = f
	w.opened = fi
	return nil
}
