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

// Package filetoken reads keys from ordinary files, presenting them behind
// the same interface as a hardware token.
package filetoken

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/lib/certloader"
	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/token"
)

const tokenType = "file"

func init() {
	token.Openers[tokenType] = Open
}

type fileToken struct {
	cfg      *config.Config
	tokenCfg *config.TokenConfig
	prompt   passprompt.PasswordGetter
}

func Open(conf *config.Config, tokenName string, prompt passprompt.PasswordGetter) (token.Token, error) {
	tcfg, err := conf.GetToken(tokenName)
	if err != nil {
		return nil, err
	}
	return &fileToken{cfg: conf, tokenCfg: tcfg, prompt: prompt}, nil
}

func (t *fileToken) Ping(context.Context) error { return nil }
func (t *fileToken) Close() error { return nil }
func (t *fileToken) Config() *config.TokenConfig { return t.tokenCfg }

func (t *fileToken) GetKey(ctx context.Context, keyName string) (token.Key, error) {
	kcfg, err := t.cfg.GetKey(keyName)
	if err != nil {
		return nil, err
	}
	if kcfg.KeyFile == "" {
		return nil, fmt.Errorf("key %q needs a KeyFile setting", keyName)
	}
	blob, err := os.ReadFile(kcfg.KeyFile)
	if err != nil {
		return nil, err
	}
	k := &fileKey{cfg: kcfg}
	var priv crypto.PrivateKey
	if kcfg.IsPkcs12 {
		cert, err := certloader.ParsePKCS12(blob, t.prompt)
		if err != nil {
			return nil, err
		}
		priv = cert.PrivateKey
		for _, chainCert := range cert.Chain() {
			k.cert = append(k.cert, chainCert.Raw...)
		}
	} else if priv, err = certloader.ParseAnyPrivateKey(blob, t.prompt); err != nil {
		return nil, err
	}
	k.signer = priv.(crypto.Signer)
	return k, nil
}

func (t *fileToken) ListKeys(opts token.ListOptions) error {
	return token.NotImplementedError{Op: "list-keys", Type: tokenType}
}

func (t *fileToken) Import(keyName string, privKey crypto.PrivateKey) (token.Key, error) {
	return nil, token.NotImplementedError{Op: "import-key", Type: tokenType}
}

func (t *fileToken) ImportCertificate(cert *x509.Certificate, labelBase string) error {
	return token.NotImplementedError{Op: "import-certificate", Type: tokenType}
}

func (t *fileToken) Generate(keyName string, keyType token.KeyType, bits uint) (token.Key, error) {
	return nil, token.NotImplementedError{Op: "generate-key", Type: tokenType}
}

type fileKey struct {
	cfg    *config.KeyConfig
	signer crypto.Signer
	cert   []byte
}

func (k *fileKey) Config() *config.KeyConfig { return k.cfg }
func (k *fileKey) Certificate() []byte { return k.cert }
func (k *fileKey) GetID() []byte { return nil }
func (k *fileKey) Public() crypto.PublicKey { return k.signer.Public() }

func (k *fileKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.signer.Sign(rand, digest, opts)
}

func (k *fileKey) SignContext(ctx context.Context, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.signer.Sign(rand.Reader, digest, opts)
}

func (k *fileKey) ImportCertificate(cert *x509.Certificate) error {
	return token.NotImplementedError{Op: "import-certificate", Type: tokenType}
}
