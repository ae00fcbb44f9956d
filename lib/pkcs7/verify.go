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

package pkcs7

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// Signature holds a signature after its integrity has been checked against
// the signed content. The certificate chain has not been validated yet.
type Signature struct {
	SignerInfo    *SignerInfo
	Certificate   *x509.Certificate
	Intermediates []*x509.Certificate
}

// Verify checks the integrity of every signature in the document against the
// embedded content, or externalContent for a detached signature, and returns
// the last one. Certificate chains are not validated; use VerifyChain on the
// result for that.
func (sd *SignedData) Verify(externalContent []byte, skipDigests bool) (Signature, error) {
	var content []byte
	if !skipDigests {
		var err error
		content, err = sd.ContentInfo.Bytes()
		if err != nil {
			return Signature{}, err
		} else if content == nil {
			// Detached signature. When no external content was provided
			// either, the signature may cover the empty string; the
			// message-digest attribute comparison settles it.
			content = externalContent
		}
	}
	certs, err := sd.Certificates.Parse()
	if err != nil {
		return Signature{}, err
	}
	if len(sd.SignerInfos) == 0 {
		return Signature{}, errors.New("signature has no signers")
	}
	var sig Signature
	for i := range sd.SignerInfos {
		si := &sd.SignerInfos[i]
		cert, err := si.Verify(content, skipDigests, certs)
		if err != nil {
			return Signature{}, err
		}
		sig = Signature{
			SignerInfo:    si,
			Certificate:   cert,
			Intermediates: certs,
		}
	}
	return sig, nil
}

// Verify checks a single signer against the given content and returns the
// certificate that made the signature. When authenticated attributes are
// present the content digest is checked against the message-digest attribute
// and the signature is checked over the attribute set; otherwise the
// signature covers the content directly.
func (si *SignerInfo) Verify(content []byte, skipDigests bool, certs []*x509.Certificate) (*x509.Certificate, error) {
	hash, ok := x509tools.PkixDigestToHash(si.DigestAlgorithm)
	if !ok || !hash.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm: %s", si.DigestAlgorithm.Algorithm)
	}
	var signedMessage []byte
	if len(si.AuthenticatedAttributes) > 0 {
		if !skipDigests {
			d := hash.New()
			d.Write(content)
			var expected []byte
			if err := si.AuthenticatedAttributes.GetOne(OidAttributeMessageDigest, &expected); err != nil {
				return nil, err
			}
			if !hmac.Equal(d.Sum(nil), expected) {
				return nil, errors.New("content digest does not match")
			}
		}
		// pivot to verifying the signature over the attribute set
		buf, err := si.AuthenticatedAttributes.Bytes()
		if err != nil {
			return nil, err
		}
		signedMessage = buf
	} else {
		signedMessage = content
	}
	cert, err := si.FindCertificate(certs)
	if err != nil {
		return nil, err
	}
	d := hash.New()
	d.Write(signedMessage)
	digest := d.Sum(nil)
	err = x509tools.Verify(cert.PublicKey, hash, signedMessage, digest, si.EncryptedDigest)
	if err == rsa.ErrVerification {
		// "certum" timestamp server and probably others sign the bare digest
		// without a DigestInfo prefix
		err = x509tools.Verify(cert.PublicKey, crypto.Hash(0), signedMessage, digest, si.EncryptedDigest)
	}
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	return cert, nil
}

// FindCertificate looks up the signer's leaf certificate by issuer name and
// serial number.
func (si *SignerInfo) FindCertificate(certs []*x509.Certificate) (*x509.Certificate, error) {
	is := si.IssuerAndSerialNumber
	for _, cert := range certs {
		if bytes.Equal(cert.RawIssuer, is.IssuerName.FullBytes) && cert.SerialNumber.Cmp(is.SerialNumber) == 0 {
			return cert, nil
		}
	}
	return nil, errors.New("no certificate found matching signature issuer and serial")
}

// VerifyChain builds a validated path from the signing certificate to a
// trusted root. A zero currentTime validates against the present time.
func (sig Signature) VerifyChain(roots *x509.CertPool, extraCerts []*x509.Certificate, usage x509.ExtKeyUsage, currentTime time.Time) error {
	pool := x509.NewCertPool()
	for _, cert := range extraCerts {
		pool.AddCert(cert)
	}
	for _, cert := range sig.Intermediates {
		pool.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Intermediates: pool,
		Roots:         roots,
		CurrentTime:   currentTime,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}
	_, err := sig.Certificate.Verify(opts)
	return err
}
