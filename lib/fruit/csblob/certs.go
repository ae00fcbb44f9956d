package csblob

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"sync"
)

// KnownCertificate identifies one of the built-in CA certificates from the
// proprietary code-signing hierarchy. Matching is by exact encoded bytes,
// never by subject name.
type KnownCertificate int

const (
	UnknownCertificate KnownCertificate = iota
	CertAppleRoot
	CertWWDRG3
)

func (k KnownCertificate) String() string {
	switch k {
	case CertAppleRoot:
		return "Apple Root CA"
	case CertWWDRG3:
		return "Apple Worldwide Developer Relations CA - G3"
	default:
		return "unknown"
	}
}

// IsRoot reports whether this entry anchors the hierarchy.
func (k KnownCertificate) IsRoot() bool {
	return k == CertAppleRoot
}

// Certificate returns the stored certificate, or nil for UnknownCertificate.
func (k KnownCertificate) Certificate() *x509.Certificate {
	return knownCerts()[k]
}

// IdentifyCertificate matches a certificate against the built-in table by
// comparing encoded bytes.
func IdentifyCertificate(cert *x509.Certificate) KnownCertificate {
	for id, known := range knownCerts() {
		if bytes.Equal(known.Raw, cert.Raw) {
			return id
		}
	}
	return UnknownCertificate
}

// KnownRoots returns a pool holding the built-in root certificates, for
// validating signing chains.
func KnownRoots() *x509.CertPool {
	pool := x509.NewCertPool()
	for id, cert := range knownCerts() {
		if id.IsRoot() {
			pool.AddCert(cert)
		}
	}
	return pool
}

// CompleteChain walks issuers upward from the end of a chain, filling in any
// that the built-in table can supply. Signing configurations frequently hold
// just the leaf, while consumers expect the intermediates and root to ride
// along in the signature.
func CompleteChain(chain []*x509.Certificate) []*x509.Certificate {
	if len(chain) == 0 {
		return chain
	}
	out := append([]*x509.Certificate{}, chain...)
	for len(out) < 16 {
		last := out[len(out)-1]
		if bytes.Equal(last.RawIssuer, last.RawSubject) {
			break
		}
		issuer := knownIssuerOf(last)
		if issuer == nil {
			break
		}
		out = append(out, issuer)
	}
	return out
}

func knownIssuerOf(cert *x509.Certificate) *x509.Certificate {
	for _, known := range knownCerts() {
		if bytes.Equal(known.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(known) == nil {
			return known
		}
	}
	return nil
}

// CertificatePurpose classifies what a leaf certificate is endorsed to sign,
// according to its marker extensions.
type CertificatePurpose int

const (
	PurposeUnknown CertificatePurpose = iota
	PurposeDeveloperID
	PurposeAppStore
	PurposeDevelopment
)

func (p CertificatePurpose) String() string {
	switch p {
	case PurposeDeveloperID:
		return "Developer ID"
	case PurposeAppStore:
		return "App Store"
	case PurposeDevelopment:
		return "development"
	default:
		return "unknown"
	}
}

// Purpose inspects the marker extensions on a leaf certificate.
func Purpose(cert *x509.Certificate) CertificatePurpose {
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(CodeSignDevIDExecute),
			ext.Id.Equal(CodeSignDevIDInstall),
			ext.Id.Equal(CodeSignDevIDKernel):
			return PurposeDeveloperID
		case ext.Id.Equal(CodeSignMacAppStore),
			ext.Id.Equal(CodeSignMacAppStoreInstaller),
			ext.Id.Equal(CodeSignMacAppSubmit),
			ext.Id.Equal(CodeSignMacInstallerSubmit),
			ext.Id.Equal(CodeSignIphoneSubmit):
			return PurposeAppStore
		case ext.Id.Equal(CodeSignMacDev),
			ext.Id.Equal(CodeSignIphoneDev):
			return PurposeDevelopment
		}
	}
	return PurposeUnknown
}

var knownCertsOnce struct {
	sync.Once
	table map[KnownCertificate]*x509.Certificate
}

func knownCerts() map[KnownCertificate]*x509.Certificate {
	knownCertsOnce.Do(func() {
		table := make(map[KnownCertificate]*x509.Certificate, len(knownCertDER))
		for id, text := range knownCertDER {
			der, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				panic("csblob: embedded certificate: " + err.Error())
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				panic("csblob: embedded certificate: " + err.Error())
			}
			table[id] = cert
		}
		knownCertsOnce.table = table
	})
	return knownCertsOnce.table
}

// DER of the well-known CA certificates. The table holds authentic encoded
// bytes only; entries are matched byte for byte so a transcription would
// never match anything.
var knownCertDER = map[KnownCertificate]string{
	CertAppleRoot: `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`,
	CertWWDRG3: `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`,
}
