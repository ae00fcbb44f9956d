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

// Package pkcs7 implements the CMS SignedData structure from RFC 5652,
// covering the subset needed to produce and check detached and enveloped
// code signatures.
package pkcs7

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
)

// MimeType is used when transporting a detached signature between processes.
const MimeType = "application/pkcs7-mime"

var (
	OidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	OidAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OidAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OidAttributeSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// ContentInfoSignedData is the top-level CMS document, a ContentInfo holding
// a SignedData structure.
type ContentInfoSignedData struct {
	ContentType asn1.ObjectIdentifier
	Content     SignedData `asn1:"explicit,optional,tag:0"`
}

// SignedData is defined in RFC 5652 section 5.1
type SignedData struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                ContentInfo
	Certificates               RawCertificates        `asn1:"optional,tag:0"`
	CRLs                       []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos                []SignerInfo           `asn1:"set"`
}

// ContentInfo holds the signed payload. The tagged wrapper around the inner
// value is kept verbatim so that reserializing a parsed structure is
// byte-exact.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Value       asn1.RawValue `asn1:"optional"`
}

// RawCertificates is an opaque certificate bag. Order is preserved exactly as
// it appeared on the wire.
type RawCertificates struct {
	Raw asn1.RawContent
}

// SignerInfo is defined in RFC 5652 section 5.3
type SignerInfo struct {
	Version                   int `asn1:"default:1"`
	IssuerAndSerialNumber     IssuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   AttributeList `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes AttributeList `asn1:"optional,tag:1"`
}

type IssuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

// Attribute is a single signed or unsigned attribute. Values holds the raw
// SET OF AttributeValue.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue
}

// AttributeList is a set of attributes keyed by OID. The same OID may appear
// more than once.
type AttributeList []Attribute
