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

// Package certloader loads private keys and certificate chains from files
// and tokens and binds them together for signing.
package certloader

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cachetsign/cachet/lib/passprompt"
	"github.com/cachetsign/cachet/lib/pkcs7"
	"github.com/cachetsign/cachet/lib/pkcs9"
	"github.com/cachetsign/cachet/lib/x509tools"
)

const asn1Magic = 0x30 // weak but good enough?
var pkcs7SignedData = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}

// Certificate is a private key joined to the certificate chain it signs for,
// plus the optional timestamper used to counter-sign with it.
type Certificate struct {
	Leaf         *x509.Certificate
	Certificates []*x509.Certificate
	PrivateKey   crypto.PrivateKey
	Timestamper  pkcs9.Timestamper
	KeyName      string
}

// Chain returns the certificate chain starting with the leaf, omitting the
// root CA
func (s *Certificate) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i, cert := range s.Certificates {
		if i > 0 && bytes.Equal(cert.RawIssuer, cert.RawSubject) {
			// omit root CA
			continue
		}
		chain = append(chain, cert)
	}
	return chain
}

// Issuer returns the certificate that issued the leaf, if it is present in
// the chain
func (s *Certificate) Issuer() *x509.Certificate {
	for _, cert := range s.Certificates {
		if bytes.Equal(cert.RawSubject, s.Leaf.RawIssuer) {
			return cert
		}
	}
	return nil
}

func (s *Certificate) Signer() crypto.Signer {
	return s.PrivateKey.(crypto.Signer)
}

// TLS returns the certificate chain in the form crypto/tls wants it
func (s *Certificate) TLS() tls.Certificate {
	var raw [][]byte
	for _, cert := range s.Certificates {
		raw = append(raw, cert.Raw)
	}
	return tls.Certificate{Leaf: s.Leaf, Certificate: raw, PrivateKey: s.PrivateKey}
}

// findPEMKey scans PEM data for the first private key block of any type
func findPEMKey(pemData []byte) (*pem.Block, error) {
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			return nil, errors.New("failed to find any private keys in PEM data")
		}
		if block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY") {
			return block, nil
		}
	}
}

// ParsePrivateKey parses a private key from a blob of PEM or DER data
func ParsePrivateKey(pemData []byte) (crypto.PrivateKey, error) {
	if len(pemData) >= 1 && pemData[0] == asn1Magic {
		// already DER form
		return parsePrivateKey(pemData)
	}
	block, err := findPEMKey(pemData)
	if err != nil {
		return nil, err
	}
	return parsePrivateKey(block.Bytes)
}

// ParseAnyPrivateKey parses a private key in any format, prompting for a
// password if the key turns out to be encrypted
func ParseAnyPrivateKey(blob []byte, prompt passprompt.PasswordGetter) (crypto.PrivateKey, error) {
	if len(blob) >= 1 && blob[0] == asn1Magic {
		return parsePrivateKey(blob)
	}
	block, err := findPEMKey(blob)
	if err != nil {
		return nil, err
	}
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // old-style key files still show up
		return decryptPrivateKey(block, prompt)
	}
	return parsePrivateKey(block.Bytes)
}

func decryptPrivateKey(keyBlock *pem.Block, prompt passprompt.PasswordGetter) (crypto.PrivateKey, error) {
	if prompt == nil {
		return nil, errors.New("private key is encrypted and no password was provided")
	}
	for {
		password, err := prompt.GetPasswd("Password for private key: ")
		if err != nil {
			return nil, err
		}
		if password == "" {
			return nil, errors.New("aborted")
		}
		der, err := x509.DecryptPEMBlock(keyBlock, []byte(password)) //nolint:staticcheck // old-style key files still show up
		if err == x509.IncorrectPasswordError {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parsePrivateKey(der)
	}
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		}
		return nil, errors.New("found unknown private key type in PKCS#8 wrapping")
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key")
}

// ParseCertificates parses a list of certificates, PEM or DER, X509 or
// PKCS#7, and returns them with the first certificate as the leaf
func ParseCertificates(pemData []byte) (*Certificate, error) {
	if len(pemData) >= 1 && pemData[0] == asn1Magic {
		// already in DER form
		return parseCertificates(pemData)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" && block.Type != "PKCS7" {
			continue
		}
		parsed, err := parseCertificates(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, parsed.Certificates...)
	}
	if len(certs) == 0 {
		return nil, ErrNoCerts
	}
	return &Certificate{Leaf: certs[0], Certificates: certs}, nil
}

func parseCertificates(der []byte) (*Certificate, error) {
	parse := x509.ParseCertificates
	if len(der) > 32 && bytes.Contains(der[:32], pkcs7SignedData) {
		parse = pkcs7.ParseCertificates
	}
	certs, err := parse(der)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, ErrNoCerts
	}
	return &Certificate{Leaf: certs[0], Certificates: certs}, nil
}

// LoadX509KeyPair loads a private key and certificate chain from a pair of
// files. Like the crypto/tls version but p7b certificate files work too.
func LoadX509KeyPair(certFile, keyFile string) (*Certificate, error) {
	keyblob, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	certblob, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyblob)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificates(certblob)
	if err != nil {
		return nil, err
	}
	if !x509tools.SameKey(cert.Leaf.PublicKey, key) {
		return nil, errors.New("private key does not match certificate")
	}
	cert.PrivateKey = key
	return cert, nil
}

// LoadTokenCertificates joins a key living in a token with its certificate
// chain. The chain comes from the configured certificate file when there is
// one, otherwise from keyCert, a DER certificate stored in the token
// alongside the key.
func LoadTokenCertificates(key crypto.PrivateKey, x509cert string, keyCert []byte) (*Certificate, error) {
	var cert *Certificate
	switch {
	case x509cert != "":
		blob, err := os.ReadFile(x509cert)
		if err != nil {
			return nil, err
		}
		cert, err = ParseCertificates(blob)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", x509cert, err)
		}
	case len(keyCert) != 0:
		var err error
		cert, err = parseCertificates(keyCert)
		if err != nil {
			return nil, fmt.Errorf("certificate stored in token: %w", err)
		}
	default:
		return &Certificate{PrivateKey: key}, nil
	}
	if !x509tools.SameKey(key, cert.Leaf.PublicKey) {
		return nil, errors.New("certificate does not match key in token")
	}
	cert.PrivateKey = key
	return cert, nil
}

type errNoCerts struct{}

func (errNoCerts) Error() string {
	return "failed to find any certificates in PEM file"
}

var ErrNoCerts = errNoCerts{}
