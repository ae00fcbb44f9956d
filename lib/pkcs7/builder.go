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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// SignatureBuilder accumulates content and attributes for a signature,
// producing a SignedData with a single SignerInfo.
type SignatureBuilder struct {
	signer      crypto.Signer
	chain       []*x509.Certificate
	hash        crypto.Hash
	contentInfo ContentInfo
	digest      []byte
	authAttrs   AttributeList
}

func NewBuilder(signer crypto.Signer, chain []*x509.Certificate, hash crypto.Hash) *SignatureBuilder {
	return &SignatureBuilder{
		signer: signer,
		chain:  chain,
		hash:   hash,
	}
}

// SetContentData embeds the given bytes as the signed payload.
func (sb *SignatureBuilder) SetContentData(data []byte) error {
	contentInfo, err := NewContentInfo(OidData, data)
	if err != nil {
		return err
	}
	return sb.SetContentInfo(contentInfo)
}

// SetContentInfo embeds a prepared payload as the signed content.
func (sb *SignatureBuilder) SetContentInfo(contentInfo ContentInfo) error {
	content, err := contentInfo.Bytes()
	if err != nil {
		return err
	}
	d := sb.hash.New()
	d.Write(content)
	sb.contentInfo = contentInfo
	sb.digest = d.Sum(nil)
	return nil
}

// SetDetachedContent signs content that is stored separately from the
// signature document. digest must have been computed with the builder's hash
// function.
func (sb *SignatureBuilder) SetDetachedContent(contentType asn1.ObjectIdentifier, digest []byte) error {
	if len(digest) != sb.hash.Size() {
		return errors.New("digest does not match configured hash function")
	}
	contentInfo, err := NewContentInfo(contentType, nil)
	if err != nil {
		return err
	}
	sb.contentInfo = contentInfo
	sb.digest = digest
	return nil
}

// AddAuthenticatedAttribute adds a signed attribute. The mandatory
// content-type, message-digest and signing-time attributes are added
// automatically.
func (sb *SignatureBuilder) AddAuthenticatedAttribute(oid asn1.ObjectIdentifier, value interface{}) error {
	return sb.authAttrs.Add(oid, value)
}

// Sign produces the final SignedData document. The signature always covers
// the authenticated attribute set, never the content directly.
func (sb *SignatureBuilder) Sign() (*ContentInfoSignedData, error) {
	if !sb.hash.Available() {
		return nil, errors.New("unsupported digest algorithm")
	}
	if sb.digest == nil {
		// signing no content at all is allowed, the digest is then over the
		// empty string
		if err := sb.SetDetachedContent(OidData, sb.hash.New().Sum(nil)); err != nil {
			return nil, err
		}
	}
	if len(sb.chain) == 0 {
		return nil, errors.New("certificate required to sign")
	}
	leaf := sb.chain[0]
	if !x509tools.SameKey(sb.signer.Public(), leaf.PublicKey) {
		return nil, errors.New("certificate does not match signing key")
	}
	digestAlg, ok := x509tools.PkixDigestAlgorithm(sb.hash)
	if !ok {
		return nil, errors.New("unsupported digest algorithm")
	}
	pubKeyAlg, ok := x509tools.PkixPublicKeyAlgorithm(leaf.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", leaf.PublicKey)
	}
	attrs, err := sb.finishAttributes()
	if err != nil {
		return nil, err
	}
	// The signature covers the DER of the attribute set. The attributes were
	// already put in SET order so the implicitly tagged form in the document
	// matches the digested form byte for byte.
	attrBytes, err := attrs.Bytes()
	if err != nil {
		return nil, err
	}
	sig, err := sb.signMessage(attrBytes)
	if err != nil {
		return nil, err
	}
	certs, err := MarshalCertificates(sortCertificates(sb.chain)...)
	if err != nil {
		return nil, err
	}
	return &ContentInfoSignedData{
		ContentType: OidSignedData,
		Content: SignedData{
			Version:                    1,
			DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlg},
			ContentInfo:                sb.contentInfo,
			Certificates:               certs,
			SignerInfos: []SignerInfo{{
				Version: 1,
				IssuerAndSerialNumber: IssuerAndSerial{
					IssuerName:   asn1.RawValue{FullBytes: leaf.RawIssuer},
					SerialNumber: leaf.SerialNumber,
				},
				DigestAlgorithm:           digestAlg,
				AuthenticatedAttributes:   attrs,
				DigestEncryptionAlgorithm: pubKeyAlg,
				EncryptedDigest:           sig,
			}},
		},
	}, nil
}

// finishAttributes fills in the mandatory attributes and returns the list in
// DER SET order.
func (sb *SignatureBuilder) finishAttributes() (AttributeList, error) {
	attrs := make(AttributeList, len(sb.authAttrs))
	copy(attrs, sb.authAttrs)
	if err := attrs.Add(OidAttributeContentType, sb.contentInfo.ContentType); err != nil {
		return nil, err
	}
	if err := attrs.Add(OidAttributeMessageDigest, sb.digest); err != nil {
		return nil, err
	}
	if !attrs.Exists(OidAttributeSigningTime) {
		if err := attrs.Add(OidAttributeSigningTime, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	return attrs.sorted()
}

func (sb *SignatureBuilder) signMessage(message []byte) ([]byte, error) {
	if _, ok := sb.signer.Public().(ed25519.PublicKey); ok {
		// Ed25519 signs the full message, there is no prehash
		return sb.signer.Sign(rand.Reader, message, crypto.Hash(0))
	}
	d := sb.hash.New()
	d.Write(message)
	return sb.signer.Sign(rand.Reader, d.Sum(nil), sb.hash)
}

// sortCertificates orders the bag so that each certificate's issuer precedes
// it. Certificates whose issuer is absent keep their relative order at the
// point where no further progress can be made.
func sortCertificates(certs []*x509.Certificate) []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(certs))
	remaining := append([]*x509.Certificate{}, certs...)
	for len(remaining) > 0 {
		emitted := -1
		for i, cert := range remaining {
			if !issuerRemains(cert, i, remaining) {
				emitted = i
				break
			}
		}
		if emitted < 0 {
			out = append(out, remaining...)
			break
		}
		out = append(out, remaining[emitted])
		remaining = append(remaining[:emitted], remaining[emitted+1:]...)
	}
	return out
}

func issuerRemains(cert *x509.Certificate, self int, remaining []*x509.Certificate) bool {
	for j, other := range remaining {
		if j == self || bytes.Equal(cert.RawSubject, other.RawSubject) {
			continue
		}
		if bytes.Equal(cert.RawIssuer, other.RawSubject) {
			return true
		}
	}
	return false
}
