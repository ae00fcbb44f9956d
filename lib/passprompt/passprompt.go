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

// Package passprompt gets PINs and passphrases from the terminal and
// optionally remembers them in the system keyring.
package passprompt

import (
	"io"
	"os"

	"github.com/howeyc/gopass"
)

type PasswordGetter interface {
	// GetPasswd prints a prompt and reads a password without echoing it.
	// Returns io.EOF if the user cancelled.
	GetPasswd(prompt string) (string, error)
}

// PasswordPrompt reads a password interactively from the terminal
type PasswordPrompt struct{}

func (p *PasswordPrompt) GetPasswd(prompt string) (string, error) {
	blob, err := gopass.GetPasswdPrompt(prompt, true, os.Stdin, os.Stderr)
	if err == gopass.ErrInterrupted {
		return "", io.EOF
	} else if err != nil {
		return "", err
	}
	return string(blob), nil
}

// Static returns a canned password once and cancels thereafter, for
// non-interactive use.
type Static struct {
	Value string
	used  bool
}

func (s *Static) GetPasswd(prompt string) (string, error) {
	if s.used {
		return "", io.EOF
	}
	s.used = true
	return s.Value, nil
}
