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

package certloader

import (
	"crypto/x509"
	"errors"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/cachetsign/cachet/lib/passprompt"
)

// ParsePKCS12 decodes a key and certificate chain from a PKCS#12 blob,
// prompting for the password as needed.
func ParsePKCS12(blob []byte, prompt passprompt.PasswordGetter) (*Certificate, error) {
	var clearTried bool
	for {
		password, err := prompt.GetPasswd("Password for PKCS12: ")
		if err != nil {
			return nil, err
		}
		if password == "" {
			if clearTried {
				return nil, errors.New("aborted")
			}
			// decode once with an empty password before giving up
			clearTried = true
		}
		key, leaf, chain, err := pkcs12.DecodeChain(blob, password)
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Certificate{
			PrivateKey:   key,
			Leaf:         leaf,
			Certificates: append([]*x509.Certificate{leaf}, chain...),
		}, nil
	}
}
