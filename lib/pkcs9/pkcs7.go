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

package pkcs9

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/x509tools"
)

// CounterSignature is a validated timestamp token.
type CounterSignature struct {
	pkcs7.Signature
	Hash        crypto.Hash
	SigningTime time.Time
}

// TimestampedSignature is a validated signature with an optional validated
// timestamp token.
type TimestampedSignature struct {
	pkcs7.Signature
	CounterSignature *CounterSignature
	Raw              []byte
}

// VerifyTimestamp looks for a timestamp token or counter-signature in the
// unsigned attributes of an already-validated signature and checks its
// integrity. The certificate chain is not checked; call VerifyChain on the
// result to validate it fully.
func VerifyTimestamp(sig pkcs7.Signature) (CounterSignature, error) {
	var tst pkcs7.ContentInfoSignedData
	certs := sig.Intermediates
	err := sig.SignerInfo.UnauthenticatedAttributes.GetOne(OidAttributeTimeStampToken, &tst)
	switch err.(type) {
	case nil:
		// an RFC 3161 token is a fully nested SignedData covering the
		// parent's signature bytes through the TSTInfo imprint
		if len(tst.Content.SignerInfos) != 1 {
			return CounterSignature{}, errors.New("timestamp should have exactly one SignerInfo")
		}
		tsi := tst.Content.SignerInfos[0]
		tsicerts, err := tst.Content.Certificates.Parse()
		if err != nil {
			return CounterSignature{}, err
		} else if len(tsicerts) != 0 {
			// keep both sets of certs just in case
			certs = append(certs, tsicerts...)
		}
		verifyBlob, err := tst.Content.ContentInfo.Bytes()
		if err != nil {
			return CounterSignature{}, err
		}
		cert, err := tsi.Verify(verifyBlob, false, certs)
		if err != nil {
			return CounterSignature{}, fmt.Errorf("verifying timestamp token: %w", err)
		}
		info, err := UnpackTokenInfo(&tst)
		if err != nil {
			return CounterSignature{}, err
		}
		if err := info.MessageImprint.Verify(sig.SignerInfo.EncryptedDigest); err != nil {
			return CounterSignature{}, fmt.Errorf("verifying timestamp imprint: %w", err)
		}
		signingTime, err := info.SigningTime()
		if err != nil {
			return CounterSignature{}, err
		}
		imprintHash, _ := x509tools.PkixDigestToHash(info.MessageImprint.HashAlgorithm)
		return CounterSignature{
			Signature: pkcs7.Signature{
				SignerInfo:    &tsi,
				Certificate:   cert,
				Intermediates: certs,
			},
			Hash:        imprintHash,
			SigningTime: signingTime,
		}, nil
	case pkcs7.ErrNoAttribute:
		// old-style counter-signature, a bare SignerInfo whose certificates
		// come from the parent document
		var tsi pkcs7.SignerInfo
		if err := sig.SignerInfo.UnauthenticatedAttributes.GetOne(OidAttributeCounterSign, &tsi); err != nil {
			return CounterSignature{}, err
		}
		cert, err := tsi.Verify(sig.SignerInfo.EncryptedDigest, false, certs)
		if err != nil {
			return CounterSignature{}, fmt.Errorf("verifying counter-signature: %w", err)
		}
		var signingTime time.Time
		if err := tsi.AuthenticatedAttributes.GetOne(pkcs7.OidAttributeSigningTime, &signingTime); err != nil {
			return CounterSignature{}, err
		}
		hash, _ := x509tools.PkixDigestToHash(tsi.DigestAlgorithm)
		return CounterSignature{
			Signature: pkcs7.Signature{
				SignerInfo:    &tsi,
				Certificate:   cert,
				Intermediates: certs,
			},
			Hash:        hash,
			SigningTime: signingTime,
		}, nil
	default:
		return CounterSignature{}, err
	}
}

// VerifyOptionalTimestamp validates a timestamp token if one is present. If
// no token is attached then the current time will be used when validating
// the certificate chain.
func VerifyOptionalTimestamp(sig pkcs7.Signature) (TimestampedSignature, error) {
	tsig := TimestampedSignature{Signature: sig}
	ts, err := VerifyTimestamp(sig)
	if _, ok := err.(pkcs7.ErrNoAttribute); ok {
		return tsig, nil
	} else if err != nil {
		return tsig, err
	}
	tsig.CounterSignature = &ts
	return tsig, nil
}

// VerifyChain checks that the timestamp token was made by a trusted
// authority.
func (cs CounterSignature) VerifyChain(roots *x509.CertPool, extraCerts []*x509.Certificate) error {
	return cs.Signature.VerifyChain(roots, extraCerts, x509.ExtKeyUsageTimeStamping, cs.SigningTime)
}

// VerifyChain checks the signing certificate against trusted roots, using
// the counter-signature's time if one was present.
func (sig TimestampedSignature) VerifyChain(roots *x509.CertPool, extraCerts []*x509.Certificate, usage x509.ExtKeyUsage) error {
	var signingTime time.Time
	if sig.CounterSignature != nil {
		if err := sig.CounterSignature.VerifyChain(roots, extraCerts); err != nil {
			return fmt.Errorf("validating timestamp: %w", err)
		}
		signingTime = sig.CounterSignature.SigningTime
	}
	return sig.Signature.VerifyChain(roots, extraCerts, usage, signingTime)
}
