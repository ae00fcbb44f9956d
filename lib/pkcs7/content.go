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
	"crypto/x509"
	"encoding/asn1"
	"errors"
)

// ErrNoContent is returned when attempting to read the payload of a detached
// signature.
var ErrNoContent = errors.New("contentInfo has no embedded content")

// NewContentInfo wraps an arbitrary payload for signing. A nil value
// produces the empty ContentInfo used by detached signatures.
func NewContentInfo(contentType asn1.ObjectIdentifier, value interface{}) (ContentInfo, error) {
	if value == nil {
		return ContentInfo{ContentType: contentType}, nil
	}
	der, err := asn1.Marshal(value)
	if err != nil {
		return ContentInfo{}, err
	}
	return ContentInfo{
		ContentType: contentType,
		Value: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      der,
		},
	}, nil
}

// Bytes returns the octets that the content digest covers, or nil if the
// signature is detached. An octet string payload is unwrapped; for any other
// payload type the digest covers the value without its tag and length, per
// the PKCS #7 rules for non-data content.
func (ci ContentInfo) Bytes() ([]byte, error) {
	if len(ci.Value.Bytes) == 0 {
		return nil, nil
	}
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(ci.Value.Bytes, &inner); err != nil {
		return nil, err
	}
	return inner.Bytes, nil
}

// Unmarshal parses the payload into dest.
func (ci ContentInfo) Unmarshal(dest interface{}) error {
	if len(ci.Value.Bytes) == 0 {
		return ErrNoContent
	}
	_, err := asn1.Unmarshal(ci.Value.Bytes, dest)
	return err
}

// IsDetached reports whether the signature carries no embedded payload.
func (ci ContentInfo) IsDetached() bool {
	return len(ci.Value.Bytes) == 0
}

// MarshalCertificates packs certificates into the implicitly tagged bag used
// by SignedData, preserving the given order.
func MarshalCertificates(certs ...*x509.Certificate) (RawCertificates, error) {
	var buf bytes.Buffer
	for _, cert := range certs {
		buf.Write(cert.Raw)
	}
	full, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      buf.Bytes(),
	})
	if err != nil {
		return RawCertificates{}, err
	}
	return RawCertificates{Raw: asn1.RawContent(full)}, nil
}

// Parse returns the certificates in the bag in wire order.
func (r RawCertificates) Parse() ([]*x509.Certificate, error) {
	if len(r.Raw) == 0 {
		return nil, nil
	}
	var val asn1.RawValue
	if _, err := asn1.Unmarshal(r.Raw, &val); err != nil {
		return nil, err
	}
	return x509.ParseCertificates(val.Bytes)
}

// ParseCertificates extracts the certificate bag from a certs-only signature
// document, the format typically used to exchange certificate chains.
func ParseCertificates(blob []byte) ([]*x509.Certificate, error) {
	psd, err := Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	return psd.Content.Certificates.Parse()
}

// Unmarshal parses a signature document from DER. Trailing zero padding is
// tolerated since signatures are often stored in fixed-size regions.
func Unmarshal(blob []byte) (*ContentInfoSignedData, error) {
	psd := new(ContentInfoSignedData)
	rest, err := asn1.Unmarshal(blob, psd)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimRight(rest, "\x00")) != 0 {
		return nil, errors.New("trailing garbage after signature")
	}
	if !psd.ContentType.Equal(OidSignedData) {
		return nil, errors.New("not a signature")
	}
	return psd, nil
}

// Marshal encodes the signature document to DER.
func (psd *ContentInfoSignedData) Marshal() ([]byte, error) {
	return asn1.Marshal(*psd)
}

// Detach drops the embedded payload, leaving a detached signature over the
// same content type.
func (psd *ContentInfoSignedData) Detach() error {
	content, err := NewContentInfo(psd.Content.ContentInfo.ContentType, nil)
	if err != nil {
		return err
	}
	psd.Content.ContentInfo = content
	return nil
}
