package csblob

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
)

type RequirementType uint32

// Requirement kinds from CSCommon.h
const (
	HostRequirement RequirementType = iota + 1
	GuestRequirement
	DesignatedRequirement
	LibraryRequirement
	PluginRequirement
)

var reqTypeNames = [...]string{
	HostRequirement:       "host",
	GuestRequirement:      "guest",
	DesignatedRequirement: "designated",
	LibraryRequirement:    "library",
	PluginRequirement:     "plugin",
}

func (t RequirementType) String() string {
	if int(t) < len(reqTypeNames) && reqTypeNames[t] != "" {
		return reqTypeNames[t]
	}
	return fmt.Sprintf("/*unknown type*/ %d", uint32(t))
}

type Requirements map[RequirementType]*Requirement

type Requirement struct {
	Raw []byte
}

func (b *SigBlob) Requirements() (Requirements, error) {
	magic, items, err := parseSuper(b.RawRequirements)
	if err != nil {
		return nil, fmt.Errorf("internal requirements: %w", err)
	} else if magic != csRequirements {
		return nil, errors.New("internal requirements: bad magic")
	}
	reqs := make(Requirements, len(items))
	for _, item := range items {
		reqs[RequirementType(item.slot)] = &Requirement{Raw: item.data[8:]}
	}
	return reqs, nil
}

func (r Requirements) Dump(w io.Writer) error {
	for reqType, req := range r {
		formatted, err := req.Format()
		if err != nil {
			return fmt.Errorf("%s: %w", reqType, err)
		}
		fmt.Fprintln(w, reqType, "=>", formatted)
	}
	return nil
}

// Format renders a compiled requirement back into source form.
func (r *Requirement) Format() (string, error) {
	p := &reqPrinter{rest: r.Raw}
	version, ok := p.u32()
	if !ok {
		return "", p.err
	} else if version != 1 {
		return "", fmt.Errorf("unsupported requirement format %d", version)
	}
	p.expr(precTop)
	if p.err != nil {
		return "", p.err
	}
	return p.out.String(), nil
}

// reqPrinter walks the compiled expression tree, which is serialized in
// prefix order, and renders it with the fewest parentheses that keep the
// original grouping.
type reqPrinter struct {
	rest []byte
	out  strings.Builder
	err  error
}

func (p *reqPrinter) take(n int) ([]byte, bool) {
	if p.err != nil {
		return nil, false
	}
	if len(p.rest) < n {
		p.err = io.ErrUnexpectedEOF
		return nil, false
	}
	v := p.rest[:n]
	p.rest = p.rest[n:]
	return v, true
}

func (p *reqPrinter) u32() (uint32, bool) {
	v, ok := p.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func (p *reqPrinter) i32() (int32, bool) {
	v, ok := p.u32()
	return int32(v), ok
}

// blob consumes a length-prefixed chunk, skipping the padding that rounds
// it up to a 4-byte boundary.
func (p *reqPrinter) blob() []byte {
	length, ok := p.u32()
	if !ok {
		return nil
	}
	padded := (int64(length) + 3) &^ 3
	if padded > int64(len(p.rest)) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	v := p.rest[:length]
	p.rest = p.rest[padded:]
	return v
}

func (p *reqPrinter) expr(level precLevel) {
	if p.err != nil {
		return
	}
	raw, ok := p.u32()
	if !ok {
		return
	}
	switch op := opCode(raw &^ opFlagMask); op {
	case opFalse:
		p.out.WriteString("never")
	case opTrue:
		p.out.WriteString("always")
	case opIdent:
		p.out.WriteString("identifier ")
		p.quoted(p.blob())
	case opAppleAnchor:
		p.out.WriteString("anchor apple")
	case opAppleGenericAnchor:
		p.out.WriteString("anchor apple generic")
	case opAnchorHash:
		p.out.WriteString("certificate")
		p.slot()
		p.out.WriteString(" = ")
		p.hash()
	case opInfoKeyValue:
		p.out.WriteString("info[")
		p.word(p.blob(), true)
		p.out.WriteString("] = ")
		p.word(p.blob(), false)
	case opAnd:
		p.binary(level, precAnd, " and ")
	case opOr:
		p.binary(level, precOr, " or ")
	case opNot:
		p.out.WriteString("! ")
		p.expr(precPrimary)
	case opCDHash:
		p.out.WriteString("cdhash ")
		p.hash()
	case opInfoKeyField:
		p.out.WriteString("info[")
		p.word(p.blob(), true)
		p.out.WriteByte(']')
		p.matchSuffix()
	case opEntitlementField:
		p.out.WriteString("entitlement[")
		p.word(p.blob(), true)
		p.out.WriteByte(']')
		p.matchSuffix()
	case opCertField:
		p.certField("", false, true)
	case opCertFieldDate:
		p.certField("timestamp.", true, false)
	case opCertGeneric:
		p.certField("field.", true, true)
	case opCertPolicy:
		p.certField("policy.", true, true)
	case opTrustedCert:
		p.out.WriteString("certificate")
		p.slot()
		p.out.WriteString("trusted")
	case opTrustedCerts:
		p.out.WriteString("anchor trusted")
	case opNamedAnchor:
		p.out.WriteString("anchor apple ")
		p.word(p.blob(), false)
	case opNamedCode:
		p.out.WriteByte('(')
		p.word(p.blob(), false)
		p.out.WriteByte(')')
	case opPlatform:
		if n, ok := p.i32(); ok {
			fmt.Fprintf(&p.out, "platform = %d", n)
		}
	case opNotarized:
		p.out.WriteString("notarized")
	case opLegacyDevID:
		p.out.WriteString("legacy")
	default:
		// Unknown opcodes carry flags saying how a verifier that does
		// not implement them should proceed.
		switch {
		case raw&opGenericFalse != 0:
			fmt.Fprintf(&p.out, " false /* opcode %d */", op)
		case raw&opGenericSkip != 0:
			fmt.Fprintf(&p.out, " /* opcode %d */", op)
		default:
			p.err = fmt.Errorf("unrecognized opcode %d", op)
		}
	}
}

// binary prints a two-operand expression, parenthesized if the surrounding
// context binds tighter than the operator itself.
func (p *reqPrinter) binary(level, prec precLevel, conj string) {
	wrap := level < prec
	if wrap {
		p.out.WriteByte('(')
	}
	p.expr(prec)
	p.out.WriteString(conj)
	p.expr(prec)
	if wrap {
		p.out.WriteByte(')')
	}
}

// certField prints the common certificate[...] shape shared by the field,
// policy and timestamp opcodes.
func (p *reqPrinter) certField(prefix string, isOid, withMatch bool) {
	p.out.WriteString("certificate")
	p.slot()
	p.out.WriteByte('[')
	p.out.WriteString(prefix)
	if isOid {
		p.oid()
	} else {
		p.word(p.blob(), true)
	}
	p.out.WriteByte(']')
	if withMatch {
		p.matchSuffix()
	}
}

func (p *reqPrinter) slot() {
	n, ok := p.i32()
	if !ok {
		return
	}
	switch n {
	case 0:
		p.out.WriteString(" leaf")
	case -1:
		p.out.WriteString(" root")
	default:
		fmt.Fprintf(&p.out, " %d", n)
	}
}

type matchArg int

const (
	argNone matchArg = iota
	argData
	argTime
)

var matchSyntax = map[matchOp]struct {
	infix string
	arg   matchArg
	star  bool
}{
	matchExists:       {infix: " /* exists */"},
	matchAbsent:       {infix: " absent "},
	matchEqual:        {infix: " = ", arg: argData},
	matchContains:     {infix: " ~ ", arg: argData},
	matchBeginsWith:   {infix: " = ", arg: argData, star: true},
	matchEndsWith:     {infix: " = *", arg: argData},
	matchLessThan:     {infix: " < ", arg: argData},
	matchGreaterThan:  {infix: " > ", arg: argData},
	matchLessEqual:    {infix: " <= ", arg: argData},
	matchGreaterEqual: {infix: " >= ", arg: argData},
	matchOn:           {infix: " = ", arg: argTime},
	matchBefore:       {infix: " < ", arg: argTime},
	matchAfter:        {infix: " > ", arg: argTime},
	matchOnOrBefore:   {infix: " <= ", arg: argTime},
	matchOnOrAfter:    {infix: " >= ", arg: argTime},
}

func (p *reqPrinter) matchSuffix() {
	n, ok := p.u32()
	if !ok {
		return
	}
	syntax, ok := matchSyntax[matchOp(n)]
	if !ok {
		p.err = fmt.Errorf("unrecognized match opcode %d", n)
		return
	}
	p.out.WriteString(syntax.infix)
	switch syntax.arg {
	case argData:
		p.word(p.blob(), false)
	case argTime:
		p.timestamp()
	}
	if syntax.star {
		p.out.WriteByte('*')
	}
}

const (
	wordBare = iota
	wordQuoted
	wordHex
)

// classifyWord decides whether a string can appear unquoted in requirement
// syntax, needs quoting, or must be hex-escaped. Bare words are letters,
// digits after the first position, and dots where the context allows them.
func classifyWord(v []byte, dotOK bool) int {
	class := wordBare
	for i, c := range v {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '.' && dotOK:
		case c >= '0' && c <= '9':
			if i == 0 {
				class = wordQuoted
			}
		case c < 128 && unicode.IsGraphic(rune(c)):
			class = wordQuoted
		default:
			return wordHex
		}
	}
	return class
}

func (p *reqPrinter) word(v []byte, dotOK bool) {
	p.printWord(v, classifyWord(v, dotOK))
}

// quoted prints a string operand quoted even when it would scan as a bare
// word. Identifier operands always print this way, matching csreq output.
func (p *reqPrinter) quoted(v []byte) {
	class := classifyWord(v, false)
	if class == wordBare {
		class = wordQuoted
	}
	p.printWord(v, class)
}

func (p *reqPrinter) printWord(v []byte, class int) {
	if len(v) == 0 {
		if p.err == nil {
			p.out.WriteString(`""`)
		}
		return
	}
	switch class {
	case wordBare:
		p.out.Write(v)
	case wordQuoted:
		p.out.WriteByte('"')
		for _, c := range v {
			if c == '"' || c == '\\' {
				p.out.WriteByte('\\')
			}
			p.out.WriteByte(c)
		}
		p.out.WriteByte('"')
	default:
		fmt.Fprintf(&p.out, "0x%x", v)
	}
}

func (p *reqPrinter) hash() {
	fmt.Fprintf(&p.out, "H\"%x\"", p.blob())
}

func (p *reqPrinter) oid() {
	p.out.WriteString(decodeReqOid(p.blob()).String())
}

// decodeReqOid unpacks the DER base-128 arc encoding that requirement
// blobs store OIDs in. The first two arcs share a byte.
func decodeReqOid(der []byte) asn1.ObjectIdentifier {
	var oid asn1.ObjectIdentifier
	for i := 0; i < len(der); {
		var arc int
		for i < len(der) {
			c := der[i]
			i++
			arc = arc<<7 | int(c&0x7f)
			if c&0x80 == 0 {
				break
			}
		}
		if len(oid) == 0 {
			oid = append(oid, arc/40, arc%40)
		} else {
			oid = append(oid, arc)
		}
	}
	return oid
}

func (p *reqPrinter) timestamp() {
	v, ok := p.take(8)
	if !ok {
		return
	}
	// Stored as seconds relative to the Mac absolute time epoch.
	secs := int64(binary.BigEndian.Uint64(v)) + macEpoch.Unix()
	t := time.Unix(secs, 0).UTC()
	p.out.WriteString(t.Format("<2006-01-02 15:04:05Z>"))
}

var macEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

type opCode uint32

// Expression opcodes from requirement.h
const (
	opFalse = iota
	opTrue
	opIdent
	opAppleAnchor
	opAnchorHash
	opInfoKeyValue
	opAnd
	opOr
	opCDHash
	opNot
	opInfoKeyField
	opCertField
	opTrustedCert
	opTrustedCerts
	opCertGeneric
	opAppleGenericAnchor
	opEntitlementField
	opCertPolicy
	opNamedAnchor
	opNamedCode
	opPlatform
	opNotarized
	opCertFieldDate
	opLegacyDevID

	opFlagMask     = 0xff000000
	opGenericFalse = 0x80000000
	opGenericSkip  = 0x40000000
)

type matchOp uint32

const (
	matchExists matchOp = iota
	matchEqual
	matchContains
	matchBeginsWith
	matchEndsWith
	matchLessThan
	matchGreaterThan
	matchLessEqual
	matchGreaterEqual
	matchOn
	matchBefore
	matchAfter
	matchOnOrBefore
	matchOnOrAfter
	matchAbsent
)

type precLevel int

const (
	precPrimary precLevel = iota
	precAnd
	precOr
	precTop
)
