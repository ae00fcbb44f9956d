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
	"errors"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// readEcdsaPublic assembles a *ecdsa.PublicKey from the curve parameters
// and point attributes of the token object.
func (k *Key) readEcdsaPublic() (crypto.PublicKey, error) {
	params := k.tok.attribute(k.pub, pkcs11.CKA_EC_PARAMS)
	point := k.tok.attribute(k.pub, pkcs11.CKA_EC_POINT)
	if len(params) == 0 || len(point) == 0 {
		return nil, errors.New("unable to retrieve ECDSA public key")
	}
	curve, err := x509tools.CurveByDer(params)
	if err != nil {
		return nil, err
	}
	x, y := x509tools.DerToPoint(curve.Curve, point)
	if x == nil {
		return nil, errors.New("invalid elliptic curve point")
	}
	return &ecdsa.PublicKey{Curve: curve.Curve, X: x, Y: y}, nil
}

// signECDSA signs a digest and re-encodes the raw R and S values that the
// token returns into an ASN.1 signature. The caller must hold the token
// mutex.
func (k *Key) signECDSA(digest []byte) ([]byte, error) {
	mech := pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	if err := k.tok.p11.SignInit(k.tok.session, []*pkcs11.Mechanism{mech}, k.priv); err != nil {
		return nil, err
	}
	packed, err := k.tok.p11.Sign(k.tok.session, digest)
	if err != nil {
		return nil, err
	}
	sig, err := x509tools.UnpackEcdsaSignature(packed)
	if err != nil {
		return nil, err
	}
	return sig.Marshal(), nil
}

// ecdsaImportAttrs builds ECDSA-specific attributes for both halves of an
// imported key pair.
func ecdsaImportAttrs(priv *ecdsa.PrivateKey) (pubAttrs, privAttrs []*pkcs11.Attribute, err error) {
	curve, err := x509tools.CurveByCurve(priv.Curve)
	if err != nil {
		return nil, nil, err
	}
	pubAttrs = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curve.ToDer()),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, x509tools.PointToDer(&priv.PublicKey)),
	}
	privAttrs = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curve.ToDer()),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, priv.D.Bytes()),
	}
	return
}

// ecdsaGenerateAttrs picks a named curve matching the requested size for
// generating a key pair on the token.
func ecdsaGenerateAttrs(bits uint) ([]*pkcs11.Attribute, *pkcs11.Mechanism, error) {
	curve, err := x509tools.CurveByBits(bits)
	if err != nil {
		return nil, nil, err
	}
	attrs := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, curve.ToDer())}
	return attrs, pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil), nil
}
