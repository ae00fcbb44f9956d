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

package x509tools

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"os"
)

func MakeSerial() *big.Int {
	blob := make([]byte, 12)
	if n, err := rand.Reader.Read(blob); err != nil || n != len(blob) {
		return nil
	}
	return new(big.Int).SetBytes(blob)
}

// SameKey returns true if the two public or private keys refer to the same
// key pair
func SameKey(pub1, pub2 interface{}) bool {
	if priv, ok := pub1.(crypto.Signer); ok {
		pub1 = priv.Public()
	}
	if priv, ok := pub2.(crypto.Signer); ok {
		pub2 = priv.Public()
	}
	switch key1 := pub1.(type) {
	case *rsa.PublicKey:
		key2, ok := pub2.(*rsa.PublicKey)
		return ok && key1.E == key2.E && key1.N.Cmp(key2.N) == 0
	case *ecdsa.PublicKey:
		key2, ok := pub2.(*ecdsa.PublicKey)
		return ok && key1.X.Cmp(key2.X) == 0 && key1.Y.Cmp(key2.Y) == 0
	case ed25519.PublicKey:
		key2, ok := pub2.(ed25519.PublicKey)
		return ok && key1.Equal(key2)
	default:
		return false
	}
}

// LoadCertPool sets the CA pool of a TLS config from a PEM file. An empty
// path leaves the default system pool in place.
func LoadCertPool(path string, tconf *tls.Config) error {
	if path == "" {
		return nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading CA certificates: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(blob) {
		return fmt.Errorf("no CA certificates found in %s", path)
	}
	tconf.RootCAs = pool
	return nil
}
