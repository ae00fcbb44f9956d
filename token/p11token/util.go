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

package p11token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// makeKeyID generates a random 20-byte object ID, or nil if the platform
// random source fails.
func makeKeyID() []byte {
	keyID := make([]byte, 20)
	if _, err := rand.Read(keyID); err != nil {
		return nil
	}
	return keyID
}

// parseKeyID accepts an object ID in hex form, with or without the colons
// that formatKeyID inserts.
func parseKeyID(value string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(value, ":", ""))
}

// formatKeyID renders an object ID the way it appears in configuration
// files, as hex bytes separated by colons.
func formatKeyID(keyID []byte) string {
	chunks := make([]string, len(keyID))
	for i, b := range keyID {
		chunks[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(chunks, ":")
}
