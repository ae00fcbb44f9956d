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
	"crypto/rsa"
	"errors"
	"math"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/lib/x509tools"
)

// readRsaPublic assembles a *rsa.PublicKey from the modulus and exponent
// attributes of the token object.
func (k *Key) readRsaPublic() (crypto.PublicKey, error) {
	modulus := k.tok.attribute(k.pub, pkcs11.CKA_MODULUS)
	exponent := k.tok.attribute(k.pub, pkcs11.CKA_PUBLIC_EXPONENT)
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("unable to retrieve RSA public key")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > math.MaxInt {
		return nil, errors.New("RSA exponent is out of bounds")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}, nil
}

var pssHashMechs = map[crypto.Hash][2]uint{
	crypto.SHA1:   {pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1},
	crypto.SHA224: {pkcs11.CKM_SHA224, pkcs11.CKG_MGF1_SHA224},
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

// pssMech builds a CKM_RSA_PKCS_PSS mechanism whose parameter block holds
// the hash, MGF and salt length as native CK_ULONGs.
func (k *Key) pssMech(opts *rsa.PSSOptions) (*pkcs11.Mechanism, error) {
	mechs, ok := pssHashMechs[opts.Hash]
	if !ok {
		return nil, errors.New("unsupported hash type for PSS")
	}
	saltLen := opts.SaltLength
	switch saltLen {
	case rsa.PSSSaltLengthAuto:
		pub := k.public.(*rsa.PublicKey)
		saltLen = (pub.N.BitLen()+7)/8 - 2 - opts.Hash.Size()
	case rsa.PSSSaltLengthEqualsHash:
		saltLen = opts.Hash.Size()
	}
	params := make([]byte, ulongSize*3)
	putUlong(params, mechs[0])
	putUlong(params[ulongSize:], mechs[1])
	putUlong(params[ulongSize*2:], uint(saltLen))
	return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params), nil
}

// signRSA signs a digest, wrapping it in a DigestInfo structure unless PSS
// was requested. The caller must hold the token mutex.
func (k *Key) signRSA(digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil || opts.HashFunc() == 0 {
		return nil, errors.New("signer options are required")
	}
	var mech *pkcs11.Mechanism
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		var err error
		if mech, err = k.pssMech(pss); err != nil {
			return nil, err
		}
	} else {
		wrapped, ok := x509tools.MarshalDigest(opts.HashFunc(), digest)
		if !ok {
			return nil, errors.New("unsupported hash function")
		}
		digest = wrapped
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	}
	if err := k.tok.p11.SignInit(k.tok.session, []*pkcs11.Mechanism{mech}, k.priv); err != nil {
		return nil, err
	}
	return k.tok.p11.Sign(k.tok.session, digest)
}

// rsaImportAttrs builds RSA-specific attributes for both halves of an
// imported key pair. Multi-prime keys and keys missing the precomputed CRT
// values are not supported.
func rsaImportAttrs(priv *rsa.PrivateKey) (pubAttrs, privAttrs []*pkcs11.Attribute, err error) {
	pre := &priv.Precomputed
	if len(priv.Primes) != 2 || pre.Dp == nil || pre.Dq == nil || pre.Qinv == nil {
		return nil, nil, errors.New("unsupported RSA key")
	}
	exponent := big.NewInt(int64(priv.E)).Bytes()
	pubAttrs = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, exponent),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, priv.N.Bytes()),
	}
	privAttrs = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, exponent),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, priv.N.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, priv.D.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIME_1, priv.Primes[0].Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_PRIME_2, priv.Primes[1].Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_1, pre.Dp.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_EXPONENT_2, pre.Dq.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_COEFFICIENT, pre.Qinv.Bytes()),
	}
	return
}

// rsaGenerateAttrs builds the public attributes needed to generate an RSA
// key pair on the token, using F4 as the public exponent.
func rsaGenerateAttrs(bits uint) ([]*pkcs11.Attribute, *pkcs11.Mechanism, error) {
	if bits < 1024 || bits > 4096 {
		return nil, nil, errors.New("unsupported number of bits")
	}
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
	}
	return attrs, pkcs11.NewMechanism(pkcs11.CKM_RSA_X9_31_KEY_PAIR_GEN, nil), nil
}
