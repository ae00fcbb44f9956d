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

package token

import (
	"errors"
	"io"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/signers/sigerrors"
)

// Login to the token named in tokenConf, using a PIN from the configuration
// if one is present and prompting otherwise. loginFunc is invoked with each
// candidate PIN until it returns true. If the keyring is enabled for this
// token then PINs are stashed there under keyringUser after a successful
// attempt.
func Login(tokenConf *config.TokenConfig, pinProvider passprompt.PasswordGetter, loginFunc passprompt.LoginFunc, keyringUser, initialPrompt string) error {
	if tokenConf.Pin != nil {
		ok, err := loginFunc(*tokenConf.Pin)
		if err != nil {
			return err
		} else if !ok {
			return sigerrors.PinIncorrectError{}
		}
		return nil
	}
	var keyringService string
	if tokenConf.UseKeyring {
		keyringService = "cachet"
	}
	err := passprompt.Login(loginFunc, pinProvider, keyringService, keyringUser, initialPrompt, "Incorrect PIN\r\n")
	if err == io.EOF {
		return errors.New("a PIN is required but none was provided")
	}
	return err
}
