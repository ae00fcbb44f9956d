package csblob

// ProblemKind classifies a verification finding.
type ProblemKind int

const (
	// CodeDigestMismatch means a page of code does not match its digest in
	// the code directory.
	CodeDigestMismatch ProblemKind = iota + 1
	// CodeDigestMissing means the code extends past the last digested page.
	CodeDigestMissing
	// CodeDigestExtra means the code directory digests more pages than the
	// code contains.
	CodeDigestExtra
	// SlotDigestMismatch means a special slot does not match its digest in
	// the code directory.
	SlotDigestMismatch
	// SlotDigestMissing means content is present for a special slot that the
	// code directory does not digest.
	SlotDigestMissing
	// SlotDigestExtra means the code directory digests a special slot with no
	// matching content.
	SlotDigestExtra
	// LegacyDigestAlgorithm means the signature still uses SHA-1 digests.
	LegacyDigestAlgorithm
	// LegacySignatureAlgorithm means the signature algorithm is obsolete.
	LegacySignatureAlgorithm
	// SignatureInvalid means the CMS signature or one of its authenticated
	// attributes failed to check out.
	SignatureInvalid
	// UntrustedChain means the signing certificate does not chain to a
	// trusted root.
	UntrustedChain
	// TicketMissing means a notarization ticket was required but not found.
	TicketMissing
	// ResourceDigestMismatch means a sealed bundle file does not match its
	// entry in the resources manifest.
	ResourceDigestMismatch
	// ResourceMissing means the resources manifest seals a file that is
	// absent from the bundle.
	ResourceMissing
	// ResourceAdded means the bundle holds a file the resources manifest does
	// not seal.
	ResourceAdded
)

func (k ProblemKind) String() string {
	switch k {
	case CodeDigestMismatch:
		return "code digest mismatch"
	case CodeDigestMissing:
		return "code digest missing"
	case CodeDigestExtra:
		return "code digest extra"
	case SlotDigestMismatch:
		return "slot digest mismatch"
	case SlotDigestMissing:
		return "slot digest missing"
	case SlotDigestExtra:
		return "slot digest extra"
	case LegacyDigestAlgorithm:
		return "legacy digest algorithm"
	case LegacySignatureAlgorithm:
		return "legacy signature algorithm"
	case SignatureInvalid:
		return "signature invalid"
	case UntrustedChain:
		return "untrusted certificate chain"
	case TicketMissing:
		return "notarization ticket missing"
	case ResourceDigestMismatch:
		return "sealed resource modified"
	case ResourceMissing:
		return "sealed resource missing"
	case ResourceAdded:
		return "resource not sealed"
	default:
		return "unknown problem"
	}
}

// Problem is a single verification finding. Findings accumulate rather than
// stopping the check, so a damaged signature gets reported in full.
type Problem struct {
	Kind   ProblemKind
	Slot   int    // special slot number, for slot digest findings
	Page   int    // code page index, for code digest findings
	Path   string // bundle-relative path, for resource findings
	Detail string
}

func (p Problem) Error() string {
	if p.Detail != "" {
		return p.Detail
	}
	return p.Kind.String()
}

func slotName(slot int) string {
	switch slot {
	case cdInfoSlot:
		return "info manifest"
	case cdRequirementsSlot:
		return "requirements"
	case cdResourceDirSlot:
		return "resource directory"
	case cdTopDirectorySlot:
		return "top directory"
	case cdEntitlementSlot:
		return "entitlements"
	case cdRepSpecificSlot:
		return "rep-specific data"
	case cdEntitlementDERSlot:
		return "DER entitlements"
	default:
		return "special slot"
	}
}
