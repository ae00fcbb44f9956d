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
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/passprompt"
)

type KeyType uint

const (
	KeyTypeRsa   KeyType = 0
	KeyTypeEcdsa KeyType = 3
)

// Token provides access to a signing-capable key store, either a PKCS#11
// device or a file-based stand-in for one.
type Token interface {
	io.Closer
	// Check that the token is still alive
	Ping(ctx context.Context) error
	// Return the token config object used to instantiate this token
	Config() *config.TokenConfig
	// Get a key from the token by its config alias
	GetKey(ctx context.Context, keyName string) (Key, error)
	// Import a public+private keypair into the token
	Import(keyName string, privKey crypto.PrivateKey) (Key, error)
	// Import an issuer certificate into the token. The new object label will
	// be labelBase plus the fingerprint of the certificate.
	ImportCertificate(cert *x509.Certificate, labelBase string) error
	// Generate a new key in the token
	Generate(keyName string, keyType KeyType, bits uint) (Key, error)
	// Print key info to the given writer
	ListKeys(opts ListOptions) error
}

type Key interface {
	crypto.Signer
	// Sign a digest, respecting cancellation of the given context
	SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	// Return the key config object used to instantiate this key
	Config() *config.KeyConfig
	// Return the certificate stored alongside the key, if any, in DER form
	Certificate() []byte
	// Get the CKA_ID or equivalent for the key
	GetID() []byte
	// Import a leaf certificate for this key
	ImportCertificate(cert *x509.Certificate) error
}

type ListOptions struct {
	// Destination stream
	Output io.Writer
	// Filter by attributes
	Label string
	ID    string
	// Print full values of attributes
	Values bool
}

type OpenFunc func(conf *config.Config, tokenName string, pinProvider passprompt.PasswordGetter) (Token, error)
type ListFunc func(provider string, output io.Writer) error

// Openers maps token types to a function that can open them
var Openers = make(map[string]OpenFunc)

// Listers maps token types to a function that can show what objects they hold
var Listers = make(map[string]ListFunc)

// NotImplementedError indicates that a token type does not support the
// requested operation
type NotImplementedError struct {
	Op, Type string
}

func (e NotImplementedError) Error() string {
	return fmt.Sprintf("operation %q is not implemented for tokens of type %q", e.Op, e.Type)
}
