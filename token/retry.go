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
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/cachetsign/cachet/signers/sigerrors"
)

// maxAuthAttempts caps how many times an operation interrupted by an
// authentication lapse is run before giving up.
const maxAuthAttempts = 3

// Reauthenticator is implemented by tokens that can restore a login that
// lapsed mid-operation, for example devices that require a fresh PIN for
// every signature or drop the session when idle.
type Reauthenticator interface {
	Reauthenticate() error
}

// AuthFailedError is the terminal failure after reauthentication attempts
// are exhausted. It is never returned while attempts remain.
type AuthFailedError struct {
	Attempts int
	Err      error
}

func (e AuthFailedError) Error() string {
	return fmt.Sprintf("token authentication failed after %d attempts: %s", e.Attempts, e.Err)
}

func (e AuthFailedError) Unwrap() error { return e.Err }

// WithRetry wraps a token so that operations failing with an
// authentication lapse log in again and retry the same operation, up to
// maxAuthAttempts. Tokens that cannot reauthenticate are returned
// unchanged.
func WithRetry(tok Token) Token {
	if _, ok := tok.(Reauthenticator); !ok {
		return tok
	}
	return &retryToken{Token: tok}
}

type retryToken struct {
	Token
}

func authLapsed(err error) bool {
	return errors.As(err, new(sigerrors.SessionExpiredError)) ||
		errors.As(err, new(sigerrors.PinIncorrectError))
}

// retry runs op, reauthenticating and running it again when the token
// reports an authentication lapse. The attempt counter is the hard stop;
// exhausting it reports a typed terminal failure, never a partial success.
func (t *retryToken) retry(op string, f func() error) error {
	var last error
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil || !authLapsed(err) {
			return err
		}
		last = err
		if attempt >= maxAuthAttempts {
			return AuthFailedError{Attempts: attempt, Err: last}
		}
		log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", maxAuthAttempts).
			Err(err).
			Msg("token authentication lapsed; logging in again")
		if err := t.Token.(Reauthenticator).Reauthenticate(); err != nil {
			return AuthFailedError{Attempts: attempt, Err: err}
		}
	}
}

func (t *retryToken) GetKey(ctx context.Context, keyName string) (Key, error) {
	key, err := t.Token.GetKey(ctx, keyName)
	if err != nil {
		return nil, err
	}
	return retryKey{Key: key, tok: t}, nil
}

func (t *retryToken) Import(keyName string, privKey crypto.PrivateKey) (key Key, err error) {
	err = t.retry("import", func() error {
		key, err = t.Token.Import(keyName, privKey)
		return err
	})
	return
}

func (t *retryToken) ImportCertificate(cert *x509.Certificate, labelBase string) error {
	return t.retry("importCertificate", func() error {
		return t.Token.ImportCertificate(cert, labelBase)
	})
}

func (t *retryToken) Generate(keyName string, keyType KeyType, bits uint) (key Key, err error) {
	err = t.retry("generate", func() error {
		key, err = t.Token.Generate(keyName, keyType, bits)
		return err
	})
	return
}

type retryKey struct {
	Key
	tok *retryToken
}

func (k retryKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) (sig []byte, err error) {
	err = k.tok.retry("sign", func() error {
		sig, err = k.Key.Sign(rand, digest, opts)
		return err
	})
	return
}

func (k retryKey) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) (sig []byte, err error) {
	err = k.tok.retry("sign", func() error {
		sig, err = k.Key.SignContext(ctx, digest, opts)
		return err
	})
	return
}

func (k retryKey) ImportCertificate(cert *x509.Certificate) error {
	return k.tok.retry("importCertificate", func() error {
		return k.Key.ImportCertificate(cert)
	})
}
