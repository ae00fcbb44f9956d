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
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/signers/sigerrors"
)

// certObjectAttrs builds the attributes common to every certificate object
// we create on a token.
func certObjectAttrs(keyID []byte, label string, cert *x509.Certificate) []*pkcs11.Attribute {
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_SUBJECT, cert.RawSubject),
		pkcs11.NewAttribute(pkcs11.CKA_ISSUER, cert.RawIssuer),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, cert.Raw),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, false),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}
}

// ImportCertificate stores a chain certificate on the token under a fresh
// object ID, labelled with the key label plus the certificate fingerprint.
func (t *Token) ImportCertificate(cert *x509.Certificate, labelBase string) error {
	if labelBase == "" {
		return errors.New("label is required")
	}
	fingerprint := sha1.Sum(cert.Raw)
	label := fmt.Sprintf("%s_chain_%x", labelBase, fingerprint[:8])
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.certExists(label); err != nil {
		return err
	}
	keyID := makeKeyID()
	if keyID == nil {
		return errors.New("failed to make key ID")
	}
	_, err := t.p11.CreateObject(t.session, certObjectAttrs(keyID, label, cert))
	return sessionLapsed(err)
}

func (t *Token) certExists(label string) error {
	handles, err := t.findHandles([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	})
	if err != nil {
		return err
	}
	if len(handles) != 0 {
		return sigerrors.ErrExist
	}
	return nil
}

// ImportCertificate stores the leaf certificate for this key, sharing the
// key's object ID so it can be found again later.
func (k *Key) ImportCertificate(cert *x509.Certificate) error {
	keyID, handle, err := k.findCertificate()
	if err != nil {
		return err
	} else if handle != 0 {
		return sigerrors.ErrExist
	}
	label := k.label()
	if label == "" {
		return errors.New("label is required")
	}
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	_, err = k.tok.p11.CreateObject(k.tok.session, certObjectAttrs(keyID, label, cert))
	return err
}

// findCertificate looks for a certificate object sharing the key's ID
func (k *Key) findCertificate() (keyID []byte, handle pkcs11.ObjectHandle, err error) {
	keyID = k.GetID()
	if len(keyID) == 0 {
		return nil, 0, errors.New("key has no ID attribute")
	}
	k.tok.mu.Lock()
	defer k.tok.mu.Unlock()
	handles, err := k.tok.findHandles([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	})
	if err != nil {
		return nil, 0, err
	}
	if len(handles) == 0 {
		return keyID, 0, nil
	}
	return keyID, handles[0], nil
}
