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
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/cachetsign/cachet/lib/x509tools"
	"github.com/cachetsign/cachet/token"
)

var objectClasses = map[uint]string{
	pkcs11.CKO_DATA:              "data",
	pkcs11.CKO_CERTIFICATE:       "certificate",
	pkcs11.CKO_PUBLIC_KEY:        "public_key",
	pkcs11.CKO_PRIVATE_KEY:       "private_key",
	pkcs11.CKO_SECRET_KEY:        "secret_key",
	pkcs11.CKO_HW_FEATURE:        "hw_feature",
	pkcs11.CKO_DOMAIN_PARAMETERS: "domain_parameters",
	pkcs11.CKO_MECHANISM:         "mechanism",
	pkcs11.CKO_OTP_KEY:           "otp_key",
}

var keyKinds = map[uint]string{
	pkcs11.CKK_RSA: "rsa",
	pkcs11.CKK_DSA: "dsa",
	pkcs11.CKK_EC:  "ec",
}

// ListKeys walks every object on the token and prints those matching the
// label and ID filters in opts.
func (t *Token) ListKeys(opts token.ListOptions) (err error) {
	wantID, err := parseKeyID(opts.ID)
	if err != nil {
		return errors.New("invalid filter id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.p11.FindObjectsInit(t.session, nil); err != nil {
		return err
	}
	defer func() {
		if err2 := t.p11.FindObjectsFinal(t.session); err2 != nil && err == nil {
			err = err2
		}
	}()
	for {
		handles, _, err := t.p11.FindObjects(t.session, 16)
		if err != nil {
			return err
		} else if len(handles) == 0 {
			return nil
		}
		for _, handle := range handles {
			t.printObject(opts, handle, wantID)
		}
	}
}

func (t *Token) printObject(opts token.ListOptions, handle pkcs11.ObjectHandle, wantID []byte) {
	objID := t.attribute(handle, pkcs11.CKA_ID)
	label := t.attribute(handle, pkcs11.CKA_LABEL)
	if opts.Label != "" && string(label) != opts.Label {
		return
	}
	if len(wantID) != 0 && !bytes.Equal(wantID, objID) {
		return
	}
	fmt.Fprintf(opts.Output, "handle 0x%08x:\n", handle)
	rawClass := t.attribute(handle, pkcs11.CKA_CLASS)
	class, err := getUlong(rawClass)
	if name := objectClasses[class]; name != "" && err == nil {
		fmt.Fprintf(opts.Output, " class:   %s\n", name)
	} else {
		fmt.Fprintf(opts.Output, " class:   0x%x\n", rawClass)
	}
	if len(objID) > 0 {
		fmt.Fprintf(opts.Output, " id:      %s\n", formatKeyID(objID))
	}
	if len(label) > 0 {
		fmt.Fprintf(opts.Output, " label:   %s\n", label)
	}
	switch class {
	case pkcs11.CKO_PUBLIC_KEY, pkcs11.CKO_PRIVATE_KEY:
		t.printKey(opts, handle)
	case pkcs11.CKO_CERTIFICATE:
		t.printCertificate(opts, handle)
	case pkcs11.CKO_DATA:
		value := t.attribute(handle, pkcs11.CKA_VALUE)
		fmt.Fprintf(opts.Output, " size:    %d\n", len(value))
		if opts.Values {
			fmt.Fprintln(opts.Output, " value: !!binary |")
			writeBase64(opts.Output, value)
		}
	}
	fmt.Fprintln(opts.Output)
}

func (t *Token) printKey(opts token.ListOptions, handle pkcs11.ObjectHandle) {
	rawKind := t.attribute(handle, pkcs11.CKA_KEY_TYPE)
	kind, err := getUlong(rawKind)
	if name := keyKinds[kind]; name != "" && err == nil {
		fmt.Fprintf(opts.Output, " type:    %s\n", name)
	} else {
		fmt.Fprintf(opts.Output, " type:    0x%x\n", kind)
	}
	switch kind {
	case pkcs11.CKK_RSA:
		if n := t.attribute(handle, pkcs11.CKA_MODULUS); len(n) != 0 {
			fmt.Fprintf(opts.Output, " bits:    %d\n", len(n)*8)
			if opts.Values {
				fmt.Fprintf(opts.Output, " n:       0x%x\n", new(big.Int).SetBytes(n))
			}
		}
		if e := t.attribute(handle, pkcs11.CKA_PUBLIC_EXPONENT); len(e) != 0 && opts.Values {
			fmt.Fprintf(opts.Output, " e:       %s\n", new(big.Int).SetBytes(e))
		}
	case pkcs11.CKK_EC:
		params := t.attribute(handle, pkcs11.CKA_EC_PARAMS)
		if len(params) == 0 {
			return
		}
		curve, err := x509tools.CurveByDer(params)
		if err != nil {
			fmt.Fprintf(opts.Output, " curve:   %x\n", params)
			return
		}
		fmt.Fprintf(opts.Output, " bits:    %d\n", curve.Bits)
		if point := t.attribute(handle, pkcs11.CKA_EC_POINT); len(point) > 0 && opts.Values {
			if x, y := x509tools.DerToPoint(curve.Curve, point); x != nil {
				fmt.Fprintf(opts.Output, " x:       0x%x\n", x)
				fmt.Fprintf(opts.Output, " y:       0x%x\n", y)
			}
		}
	}
}

func (t *Token) printCertificate(opts token.ListOptions, handle pkcs11.ObjectHandle) {
	blob := t.attribute(handle, pkcs11.CKA_VALUE)
	if len(blob) == 0 {
		fmt.Fprintln(opts.Output, "certificate is missing")
		return
	}
	cert, err := x509.ParseCertificate(blob)
	if err != nil {
		fmt.Fprintln(opts.Output, "certificate is invalid:", err)
		return
	}
	d := crypto.SHA1.New()
	d.Write(blob)
	fmt.Fprintf(opts.Output, " subject: %s\n issuer:  %s\n sha1:    %x\n",
		x509tools.FormatSubject(cert), x509tools.FormatIssuer(cert), d.Sum(nil))
	if opts.Values {
		fmt.Fprintln(opts.Output, " value: |\n  -----BEGIN CERTIFICATE-----")
		writeBase64(opts.Output, blob)
		fmt.Fprintln(opts.Output, "  -----END CERTIFICATE-----")
	}
}

// writeBase64 encodes d, wrapped and indented to line up with the yaml-ish
// output of ListKeys.
func writeBase64(w io.Writer, d []byte) {
	encoded := base64.StdEncoding.EncodeToString(d)
	for ; len(encoded) > 64; encoded = encoded[64:] {
		fmt.Fprintln(w, " ", encoded[:64])
	}
	if len(encoded) > 0 {
		fmt.Fprintln(w, " ", encoded)
	}
}
