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

package shared

import (
	"crypto"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// DefaultHash is the digest used when no --digest flag is given.
const DefaultHash = "SHA-256"

var ArgDigest string

func AddDigestFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ArgDigest, "digest", DefaultHash, "Specify a digest algorithm")
}

// GetDigest resolves the --digest flag to a crypto.Hash.
func GetDigest() (crypto.Hash, error) {
	name := ArgDigest
	if name == "" {
		name = DefaultHash
	}
	hash := x509tools.HashByName(name)
	if hash == 0 {
		return 0, fmt.Errorf("unsupported digest %q", name)
	}
	return hash, nil
}
