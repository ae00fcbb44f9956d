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

//go:build cgo

package p11token

import (
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/signers/sigerrors"
	"github.com/cachetsign/cachet/token"
)

type Key struct {
	tok    *Token
	cfg    *config.KeyConfig
	kind   uint
	pub    pkcs11.ObjectHandle
	priv   pkcs11.ObjectHandle
	public crypto.PublicKey
}

func (t *Token) GetKey(ctx context.Context, keyName string) (token.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kcfg, err := t.cfg.GetKey(keyName)
	if err != nil {
		return nil, err
	}
	return t.loadKey(kcfg)
}

// loadKey locates the private and public halves of the configured key and
// parses the public part. Callers must hold the token mutex.
func (t *Token) loadKey(kcfg *config.KeyConfig) (*Key, error) {
	k := &Key{tok: t, cfg: kcfg}
	var err error
	if k.priv, err = t.findKey(kcfg, pkcs11.CKO_PRIVATE_KEY); err != nil {
		return nil, err
	}
	if k.pub, err = t.findKey(kcfg, pkcs11.CKO_PUBLIC_KEY); err != nil {
		return nil, err
	}
	rawKind := t.attribute(k.priv, pkcs11.CKA_KEY_TYPE)
	if len(rawKind) == 0 {
		return nil, errors.New("private key: CKA_KEY_TYPE is missing")
	}
	if k.kind, err = getUlong(rawKind); err != nil {
		return nil, fmt.Errorf("private key: CKA_KEY_TYPE: %w", err)
	}
	switch k.kind {
	case CKK_RSA:
		k.public, err = k.readRsaPublic()
	case CKK_ECDSA:
		k.public, err = k.readEcdsaPublic()
	default:
		return nil, errors.New("unsupported key type")
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (t *Token) findKey(kcfg *config.KeyConfig, class uint) (pkcs11.ObjectHandle, error) {
	attrs := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	if kcfg.Label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, kcfg.Label))
	}
	if kcfg.ID != "" {
		keyID, err := parseKeyID(kcfg.ID)
		if err != nil {
			return 0, err
		}
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, keyID))
	}
	handles, err := t.findHandles(attrs)
	if err != nil {
		return 0, err
	}
	switch len(handles) {
	case 0:
		return 0, sigerrors.KeyNotFoundError{}
	case 1:
		return handles[0], nil
	default:
		return 0, errors.New("multiple token objects with the specified attributes")
	}
}

func (k *Key) Config() *config.KeyConfig {
	return k.cfg
}

// Certificate returns the DER certificate stored in the token with the same
// ID as the key, if there is one
func (k *Key) Certificate() []byte {
	_, handle, err := k.findCertificate()
	if err != nil || handle == 0 {
		return nil
	}
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	return k.tok.attribute(handle, pkcs11.CKA_VALUE)
}

func (k *Key) Public() crypto.PublicKey {
	return k.public
}

func (k *Key) label() string {
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	return string(k.tok.attribute(k.priv, pkcs11.CKA_LABEL))
}

func (k *Key) GetID() []byte {
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	return k.tok.attribute(k.priv, pkcs11.CKA_ID)
}

func (k *Key) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	var sig []byte
	var err error
	switch k.kind {
	case CKK_RSA:
		sig, err = k.signRSA(digest, opts)
	case CKK_ECDSA:
		sig, err = k.signECDSA(digest)
	default:
		return nil, errors.New("unsupported key type")
	}
	if err != nil {
		return nil, sessionLapsed(err)
	}
	return sig, nil
}

func (k *Key) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.Sign(rand.Reader, digest, opts)
}
