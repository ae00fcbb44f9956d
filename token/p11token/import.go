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
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/config"
	"github.com/cachetsign/cachet/token"
)

// Common attributes for new public keys
var basePublicAttrs = []*pkcs11.Attribute{
	pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
	pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
	pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
	pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
}

// Common attributes for new private keys
var basePrivateAttrs = []*pkcs11.Attribute{
	pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
	pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
	pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
	pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
	pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
}

func joinAttrs(attrSets ...[]*pkcs11.Attribute) (joined []*pkcs11.Attribute) {
	for _, attrs := range attrSets {
		joined = append(joined, attrs...)
	}
	return
}

// newObjectConfig resolves the key configuration for an object about to be
// created, checks it names a label, and picks a random object ID.
func (t *Token) newObjectConfig(keyName string) (*config.KeyConfig, []byte, error) {
	kcfg, err := t.cfg.GetKey(keyName)
	if err != nil {
		return nil, nil, err
	}
	if kcfg.Label == "" {
		return nil, nil, errors.New("key attribute 'label' must be defined in order to create an object")
	}
	keyID := makeKeyID()
	if keyID == nil {
		return nil, nil, errors.New("failed to make key ID")
	}
	return kcfg, keyID, nil
}

// importPkcs8 sneaks a PKCS#8 encoded key into the token by encrypting it
// with a throwaway 3DES key and calling Unwrap. For some HSMs this is the
// only way to import keys.
func (t *Token) importPkcs8(pk8 []byte, attrs []*pkcs11.Attribute) (err error) {
	genMech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_KEY_GEN, nil)}
	wrapKey, err := t.p11.GenerateKey(t.session, genMech, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, false),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, true),
		pkcs11.NewAttribute(pkcs11.CKA_UNWRAP, true),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err2 := t.p11.DestroyObject(t.session, wrapKey); err2 != nil && err == nil {
			err = fmt.Errorf("destroying temporary key: %w", err2)
		}
	}()
	iv := make([]byte, 8)
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	encMech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_CBC_PAD, iv)}
	if err := t.p11.EncryptInit(t.session, encMech, wrapKey); err != nil {
		return err
	}
	wrapped, err := t.p11.Encrypt(t.session, pk8)
	if err != nil {
		return err
	}
	_, err = t.p11.UnwrapKey(t.session, encMech, wrapKey, wrapped, attrs)
	return err
}

// Import stores an RSA or ECDSA private key into the token
func (t *Token) Import(keyName string, privKey crypto.PrivateKey) (token.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kcfg, keyID, err := t.newObjectConfig(keyName)
	if err != nil {
		return nil, err
	}
	var kind uint
	var pubTypeAttrs, privTypeAttrs []*pkcs11.Attribute
	switch priv := privKey.(type) {
	case *rsa.PrivateKey:
		kind = pkcs11.CKK_RSA
		pubTypeAttrs, privTypeAttrs, err = rsaImportAttrs(priv)
	case *ecdsa.PrivateKey:
		kind = pkcs11.CKK_ECDSA
		pubTypeAttrs, privTypeAttrs, err = ecdsaImportAttrs(priv)
	default:
		return nil, errors.New("unsupported key type")
	}
	if err != nil {
		return nil, err
	}
	commonAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, kind),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, kcfg.Label),
	}
	pubHandle, err := t.p11.CreateObject(t.session, joinAttrs(commonAttrs, basePublicAttrs, pubTypeAttrs))
	if err != nil {
		return nil, err
	}
	_, err = t.p11.CreateObject(t.session, joinAttrs(commonAttrs, basePrivateAttrs, privTypeAttrs))
	if pkcs11.Error(pkcs11.CKR_TEMPLATE_INCONSISTENT) == err {
		// Some HSMs don't seem to allow importing private keys directly so
		// use key wrapping to sneak it in. Exclude the "sensitive" attrs
		// since only the flags, label etc. are useful for Unwrap
		var pk8 []byte
		if pk8, err = x509.MarshalPKCS8PrivateKey(privKey); err == nil {
			err = t.importPkcs8(pk8, joinAttrs(commonAttrs, basePrivateAttrs))
		}
	}
	if err != nil {
		_ = t.p11.DestroyObject(t.session, pubHandle)
		return nil, sessionLapsed(err)
	}
	kcfg.ID = hex.EncodeToString(keyID)
	return t.loadKey(kcfg)
}

// Generate creates an RSA or ECDSA key pair in the token
func (t *Token) Generate(keyName string, keyType token.KeyType, bits uint) (token.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kcfg, keyID, err := t.newObjectConfig(keyName)
	if err != nil {
		return nil, err
	}
	var pubTypeAttrs []*pkcs11.Attribute
	var mech *pkcs11.Mechanism
	switch keyType {
	case token.KeyTypeRsa:
		pubTypeAttrs, mech, err = rsaGenerateAttrs(bits)
	case token.KeyTypeEcdsa:
		pubTypeAttrs, mech, err = ecdsaGenerateAttrs(bits)
	default:
		return nil, errors.New("unsupported key type")
	}
	if err != nil {
		return nil, err
	}
	commonAttrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, kcfg.Label),
	}
	pubAttrs := joinAttrs(commonAttrs, basePublicAttrs, pubTypeAttrs)
	privAttrs := joinAttrs(commonAttrs, basePrivateAttrs)
	_, _, err = t.p11.GenerateKeyPair(t.session, []*pkcs11.Mechanism{mech}, pubAttrs, privAttrs)
	if pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID) == err && mech.Mechanism == pkcs11.CKM_RSA_X9_31_KEY_PAIR_GEN {
		// fall back for tokens that don't implement the X9.31 generator
		mech.Mechanism = pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN
		_, _, err = t.p11.GenerateKeyPair(t.session, []*pkcs11.Mechanism{mech}, pubAttrs, privAttrs)
	}
	if err != nil {
		return nil, sessionLapsed(err)
	}
	kcfg.ID = hex.EncodeToString(keyID)
	return t.loadKey(kcfg)
}
