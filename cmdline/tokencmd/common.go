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

// Package tokencmd holds the commands that inspect signing tokens and keys,
// and the token plumbing the sign command builds on.
package tokencmd

import (
	"github.com/cachetsign/cachet/cmdline/shared"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/token"
	"github.com/cachetsign/cachet/token/open"
)

var (
	argToken    string
	argType     string
	argProvider string
	argLabel    string
	argID       string
	argValues   bool
)

// tokens opened by this invocation, by name. Tokens hold locks and login
// state so each one is opened once and shared.
var tokenMap = make(map[string]token.Token)

// OpenToken opens the named token from the configuration, reusing a token
// already opened by this invocation.
func OpenToken(tokenName string) (token.Token, error) {
	if tok, ok := tokenMap[tokenName]; ok {
		return tok, nil
	}
	if err := shared.InitConfig(); err != nil {
		return nil, err
	}
	tok, err := open.Token(shared.CurrentConfig, tokenName, new(passprompt.PasswordPrompt))
	if err != nil {
		return nil, err
	}
	tokenMap[tokenName] = tok
	return tok, nil
}

// OpenTokenByKey opens the token that holds the named key.
func OpenTokenByKey(keyName string) (token.Token, error) {
	if err := shared.InitConfig(); err != nil {
		return nil, err
	}
	keyConf, err := shared.CurrentConfig.GetKey(keyName)
	if err != nil {
		return nil, err
	}
	return OpenToken(keyConf.Token)
}
