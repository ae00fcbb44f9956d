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

package pkcs9

import (
	"crypto/hmac"
	"errors"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// Verify checks that the imprint covers the given data.
func (i MessageImprint) Verify(data []byte) error {
	hash, ok := x509tools.PkixDigestToHash(i.HashAlgorithm)
	if !ok || !hash.Available() {
		return errors.New("unsupported digest algorithm in timestamp imprint")
	}
	w := hash.New()
	w.Write(data)
	if !hmac.Equal(w.Sum(nil), i.HashedMessage) {
		return errors.New("timestamp imprint does not cover signature")
	}
	return nil
}
