package csblob

import (
	"crypto/x509"
	"encoding/asn1"
)

func appleOID(sub ...int) asn1.ObjectIdentifier {
	return append(asn1.ObjectIdentifier{1, 2, 840, 113635, 100}, sub...)
}

// Extensions marking what a leaf certificate is endorsed to sign.
// https://images.apple.com/certificateauthority/pdf/Apple_WWDR_CPS_v1.22.pdf
var (
	CodeSign = appleOID(6, 1)

	CodeSignApple                = appleOID(6, 1, 1)
	CodeSignIphoneDev            = appleOID(6, 1, 2)
	CodeSignIphoneApple          = appleOID(6, 1, 3)
	CodeSignIphoneSubmit         = appleOID(6, 1, 4)
	CodeSignSafariExtension      = appleOID(6, 1, 5)
	CodeSignMacAppSubmit         = appleOID(6, 1, 7)
	CodeSignMacInstallerSubmit   = appleOID(6, 1, 8)
	CodeSignMacAppStore          = appleOID(6, 1, 9)
	CodeSignMacAppStoreInstaller = appleOID(6, 1, 10)
	CodeSignMacDev               = appleOID(6, 1, 12)
	CodeSignDevIDExecute         = appleOID(6, 1, 13)
	CodeSignDevIDInstall         = appleOID(6, 1, 14)
	CodeSignDevIDKernel          = appleOID(6, 1, 18)
)

// Extensions marking what kind of leaf an intermediate may issue.
var (
	Intermediate = appleOID(6, 2)

	IntermediateWWDR  = appleOID(6, 2, 1)
	IntermediateITMS  = appleOID(6, 2, 2)
	IntermediateAAI   = appleOID(6, 2, 3)
	IntermediateDevID = appleOID(6, 2, 6)
)

// Authenticated attributes found in a signature
var (
	// AttrCodeDirHashPlist holds a plist with (truncated) hashes of each code
	// directory found in the signature
	AttrCodeDirHashPlist = appleOID(9, 1)
	// AttrCodeDirHashes is a set of code directory digests identified by ASN.1
	// algorithm
	AttrCodeDirHashes = appleOID(9, 2)
)

func hasPrefix(id, prefix asn1.ObjectIdentifier) bool {
	return len(id) >= len(prefix) && id[:len(prefix)].Equal(prefix)
}

// MarkHandledExtensions marks proprietary critical extensions as handled so
// that chain verification can proceed
func MarkHandledExtensions(cert *x509.Certificate) {
	kept := cert.UnhandledCriticalExtensions[:0]
	for _, ext := range cert.UnhandledCriticalExtensions {
		if !hasPrefix(ext, CodeSign) {
			kept = append(kept, ext)
		}
	}
	cert.UnhandledCriticalExtensions = kept
}

// TeamID returns the team identifier found in an apple-issued leaf
// certificate, or "" if none was found
func TeamID(cert *x509.Certificate) string {
	// the team id rides in the OU field of certs that carry an Apple code
	// signing usage extension
	ou := cert.Subject.OrganizationalUnit
	if len(ou) != 1 {
		return ""
	}
	for _, ext := range cert.Extensions {
		if hasPrefix(ext.Id, CodeSign) {
			return ou[0]
		}
	}
	return ""
}
