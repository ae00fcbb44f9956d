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

package passprompt

import (
	"fmt"
	"io"
	"os"

	"github.com/zalando/go-keyring"
)

// LoginFunc tries a PIN and reports whether it was accepted. A false return
// with nil error means the PIN was wrong and the user may be prompted again.
type LoginFunc func(pin string) (bool, error)

// Login tries saved and prompted PINs against loginFunc until one works or
// the user gives up. If keyringService is set, a password saved in the
// system keyring is tried first, and a successfully prompted password is
// saved back to it. Returns io.EOF if the user cancelled or no prompt is
// available.
func Login(loginFunc LoginFunc, getter PasswordGetter, keyringService, keyringUser, initialPrompt, failPrefix string) error {
	useKeyring := keyringService != "" && keyringUser != ""
	if useKeyring {
		saved, err := keyring.Get(keyringService, keyringUser)
		if err == nil {
			if ok, err := loginFunc(saved); err != nil {
				return err
			} else if ok {
				return nil
			}
		}
	}
	if getter == nil {
		return io.EOF
	}
	prompt := initialPrompt
	for {
		password, err := getter.GetPasswd(prompt)
		if err != nil {
			return err
		}
		if password == "" {
			return io.EOF
		}
		if ok, err := loginFunc(password); err != nil {
			return err
		} else if ok {
			if useKeyring {
				if err := keyring.Set(keyringService, keyringUser, password); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to save password in keyring: %s\n", err)
				}
			}
			return nil
		}
		prompt = failPrefix + initialPrompt
	}
}
