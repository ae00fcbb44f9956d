package csblob

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
)

// DefaultRequirement builds the designated requirement that verifiers will
// hold this identity to: the identifier, the generic anchor, the leaf common
// name, and the endorsement extension of the issuing intermediate if one can
// be found in the chain.
func DefaultRequirement(identifier string, certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("certificate required to build requirement")
	}
	leaf := certs[0]
	terms := [][]byte{
		identifierIs(identifier),
		anchorAppleGeneric(),
		certFieldIs(0, "subject.CN", leaf.Subject.CommonName),
	}
	if oid := endorsementOID(certs, leaf); oid != nil {
		terms = append(terms, certExtensionPresent(1, oid))
	}
	var e reqEmit
	e.uint32(1) // expression form
	// conjunction is encoded in prefix form, each operator binding one term
	// to the rest
	for _, term := range terms[:len(terms)-1] {
		e.uint32(opAnd)
		e.buf = append(e.buf, term...)
	}
	e.buf = append(e.buf, terms[len(terms)-1]...)
	item := newSuperItem(csRequirement, e.buf)
	item.slot = uint32(DesignatedRequirement)
	return marshalSuperBlob(csRequirements, []superItem{item}), nil
}

// endorsementOID looks for a signing-role endorsement extension on the
// intermediate that issued the leaf.
func endorsementOID(certs []*x509.Certificate, leaf *x509.Certificate) asn1.ObjectIdentifier {
	for _, cert := range certs[1:] {
		if !bytes.Equal(cert.RawSubject, leaf.RawIssuer) {
			continue
		}
		for _, ext := range cert.Extensions {
			if hasPrefix(ext.Id, Intermediate) {
				return ext.Id
			}
		}
		return nil
	}
	return nil
}

// reqEmit assembles requirement expressions. All fields are word-aligned.
type reqEmit struct {
	buf []byte
}

func (e *reqEmit) uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *reqEmit) data(v []byte) {
	e.uint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

func identifierIs(v string) []byte {
	var e reqEmit
	e.uint32(opIdent)
	e.data([]byte(v))
	return e.buf
}

func anchorAppleGeneric() []byte {
	var e reqEmit
	e.uint32(opAppleGenericAnchor)
	return e.buf
}

func certFieldIs(slot int32, field, value string) []byte {
	var e reqEmit
	e.uint32(opCertField)
	e.uint32(uint32(slot))
	e.data([]byte(field))
	e.uint32(uint32(matchEqual))
	e.data([]byte(value))
	return e.buf
}

func certExtensionPresent(slot int32, oid asn1.ObjectIdentifier) []byte {
	var e reqEmit
	e.uint32(opCertGeneric)
	e.uint32(uint32(slot))
	e.data(packReqOID(oid))
	e.uint32(uint32(matchExists))
	return e.buf
}

// packReqOID encodes an OID in DER base-128 form with the first two arcs
// packed into a single word.
func packReqOID(oid asn1.ObjectIdentifier) []byte {
	arcs := append([]int{oid[0]*40 + oid[1]}, oid[2:]...)
	var out []byte
	for _, arc := range arcs {
		shift := 0
		for arc>>uint(shift+7) != 0 {
			shift += 7
		}
		for ; shift > 0; shift -= 7 {
			out = append(out, byte(arc>>uint(shift))|0x80)
		}
		out = append(out, byte(arc&0x7f))
	}
	return out
}
