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

// Package open instantiates tokens and keys of any registered type.
package open

import (
	"context"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/token"

	_ "github.com/cachetsign/cachet/token/filetoken"
)

// Token opens the named token from the configuration
func Token(conf *config.Config, tokenName string, prompt passprompt.PasswordGetter) (token.Token, error) {
	tcfg, err := conf.GetToken(tokenName)
	if err != nil {
		return nil, err
	}
	tokenType := tcfg.Type
	if tokenType == "" {
		tokenType = "pkcs11"
	}
	ofunc := token.Openers[tokenType]
	if ofunc == nil {
		return nil, fmt.Errorf("unknown token type %q in token %q", tokenType, tokenName)
	}
	tok, err := ofunc(conf, tokenName, prompt)
	if err != nil {
		return nil, err
	}
	return token.Metrics{Token: token.WithRetry(tok)}, nil
}

// Key opens the token that holds the named key and then retrieves the key
// from it. The token is closed again if the key can't be found.
func Key(ctx context.Context, conf *config.Config, keyName string, prompt passprompt.PasswordGetter) (token.Key, error) {
	keyConf, err := conf.GetKey(keyName)
	if err != nil {
		return nil, err
	}
	tok, err := Token(conf, keyConf.Token, prompt)
	if err != nil {
		return nil, err
	}
	key, err := tok.GetKey(ctx, keyName)
	if err != nil {
		tok.Close()
		return nil, err
	}
	return key, nil
}

// List the objects in a token of the named type without reference to the
// configuration. Only some token types support this.
func List(tokenType, provider string, output io.Writer) error {
	lfunc := token.Listers[tokenType]
	if lfunc == nil {
		return fmt.Errorf("token type %q does not support listing objects", tokenType)
	}
	return lfunc(provider, output)
}
