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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachetsign/cachet/signers/sigerrors"
)

type flakyToken struct {
	Token
	// fail this many sign attempts before succeeding
	failures  int
	signCalls int
	relogins  int
	loginErr  error
}

func (t *flakyToken) Reauthenticate() error {
	t.relogins++
	return t.loginErr
}

func (t *flakyToken) GetKey(ctx context.Context, keyName string) (Key, error) {
	return &flakyKey{tok: t}, nil
}

type flakyKey struct {
	Key
	tok *flakyToken
}

func (k *flakyKey) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k.tok.signCalls++
	if k.tok.signCalls <= k.tok.failures {
		return nil, sigerrors.SessionExpiredError{}
	}
	return []byte("signature"), nil
}

func TestRetrySucceedsAfterRelogin(t *testing.T) {
	inner := &flakyToken{failures: 2}
	tok := WithRetry(inner)
	key, err := tok.GetKey(context.Background(), "k")
	require.NoError(t, err)

	sig, err := key.SignContext(context.Background(), []byte("digest"), crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, []byte("signature"), sig)
	assert.Equal(t, 3, inner.signCalls)
	assert.Equal(t, 2, inner.relogins)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &flakyToken{failures: 100}
	tok := WithRetry(inner)
	key, err := tok.GetKey(context.Background(), "k")
	require.NoError(t, err)

	_, err = key.SignContext(context.Background(), nil, crypto.SHA256)
	var exhausted AuthFailedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, maxAuthAttempts, exhausted.Attempts)
	assert.ErrorAs(t, err, new(sigerrors.SessionExpiredError))
	// the operation ran exactly once per attempt
	assert.Equal(t, maxAuthAttempts, inner.signCalls)
	assert.Equal(t, maxAuthAttempts-1, inner.relogins)
}

func TestRetryReloginFailureIsTerminal(t *testing.T) {
	inner := &flakyToken{failures: 100, loginErr: errors.New("device removed")}
	tok := WithRetry(inner)
	key, err := tok.GetKey(context.Background(), "k")
	require.NoError(t, err)

	_, err = key.SignContext(context.Background(), nil, crypto.SHA256)
	var exhausted AuthFailedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorContains(t, err, "device removed")
	assert.Equal(t, 1, inner.signCalls)
	assert.Equal(t, 1, inner.relogins)
}

func TestRetryPassthrough(t *testing.T) {
	// tokens that can't reauthenticate are not wrapped
	type plainToken struct{ Token }
	inner := &plainToken{}
	assert.Equal(t, Token(inner), WithRetry(inner))
}
