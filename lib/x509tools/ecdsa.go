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

package x509tools

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

type CurveDefinition struct {
	Bits  uint
	Curve elliptic.Curve
	Oid   asn1.ObjectIdentifier
}

var DefinedCurves = []CurveDefinition{
	{256, elliptic.P256(), asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}},
	{384, elliptic.P384(), asn1.ObjectIdentifier{1, 3, 132, 0, 34}},
	{521, elliptic.P521(), asn1.ObjectIdentifier{1, 3, 132, 0, 35}},
}

// ToDer returns the DER encoding of the curve's named OID
func (def *CurveDefinition) ToDer() []byte {
	der, err := asn1.Marshal(def.Oid)
	if err != nil {
		panic(err)
	}
	return der
}

func SupportedCurves() string {
	curves := make([]string, len(DefinedCurves))
	for i, def := range DefinedCurves {
		curves[i] = strconv.FormatUint(uint64(def.Bits), 10)
	}
	return strings.Join(curves, ", ")
}

func CurveByOid(oid asn1.ObjectIdentifier) (*CurveDefinition, error) {
	for i, def := range DefinedCurves {
		if oid.Equal(def.Oid) {
			return &DefinedCurves[i], nil
		}
	}
	return nil, fmt.Errorf("unsupported ECDSA curve with OID %s (supported: %s)", oid, SupportedCurves())
}

func CurveByDer(der []byte) (*CurveDefinition, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, err
	}
	return CurveByOid(oid)
}

func CurveByCurve(curve elliptic.Curve) (*CurveDefinition, error) {
	for i, def := range DefinedCurves {
		if curve == def.Curve {
			return &DefinedCurves[i], nil
		}
	}
	return nil, fmt.Errorf("unsupported ECDSA curve %v (supported: %s)", curve, SupportedCurves())
}

func CurveByBits(bits uint) (*CurveDefinition, error) {
	for i, def := range DefinedCurves {
		if bits == def.Bits {
			return &DefinedCurves[i], nil
		}
	}
	return nil, fmt.Errorf("unsupported ECDSA curve %d (supported: %s)", bits, SupportedCurves())
}

// DerToPoint decodes an octet string holding an uncompressed EC point
func DerToPoint(curve elliptic.Curve, der []byte) (*big.Int, *big.Int) {
	var blob []byte
	if _, err := asn1.Unmarshal(der, &blob); err != nil {
		return nil, nil
	}
	return elliptic.Unmarshal(curve, blob)
}

// PointToDer encodes an EC public key into an octet string
func PointToDer(pub *ecdsa.PublicKey) []byte {
	blob := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	der, err := asn1.Marshal(blob)
	if err != nil {
		return nil
	}
	return der
}

// EcdsaSignature is the raw R and S values of an ECDSA signature
type EcdsaSignature struct {
	R, S *big.Int
}

// UnpackEcdsaSignature parses an ECDSA signature from either the packed
// R||S form that PKCS#11 tokens produce or the ASN.1 form
func UnpackEcdsaSignature(packed []byte) (sig EcdsaSignature, err error) {
	if len(packed) == 0 {
		return sig, errors.New("invalid ECDSA signature")
	}
	if packed[0] == 0x30 {
		_, err = asn1.Unmarshal(packed, &sig)
		if err != nil {
			return sig, fmt.Errorf("invalid ECDSA signature: %w", err)
		}
	} else if len(packed)%2 == 0 {
		byteLen := len(packed) / 2
		sig.R = new(big.Int).SetBytes(packed[:byteLen])
		sig.S = new(big.Int).SetBytes(packed[byteLen:])
	} else {
		return sig, errors.New("invalid ECDSA signature")
	}
	return sig, nil
}

// Marshal the signature in the ASN.1 form used by most formats
func (sig EcdsaSignature) Marshal() []byte {
	der, err := asn1.Marshal(sig)
	if err != nil {
		panic(err)
	}
	return der
}
