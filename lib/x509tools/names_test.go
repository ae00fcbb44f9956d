package x509tools

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatPkixName(t *testing.T) {
	name := pkix.Name{
		Country:      []string{"US"},
		Organization: []string{"Quince Industries"},
		CommonName:   "Test Leaf",
	}
	der, err := asn1.Marshal(name.ToRDNSequence())
	require.NoError(t, err)
	assert.Equal(t, "/C=US/O=Quince Industries/CN=Test Leaf/", FormatPkixName(der))
}

func TestFormatPkixNameEscape(t *testing.T) {
	name := pkix.Name{CommonName: "a/b"}
	der, err := asn1.Marshal(name.ToRDNSequence())
	require.NoError(t, err)
	assert.Equal(t, "/CN=a\\/b/", FormatPkixName(der))
}

func TestFormatPkixNameInvalid(t *testing.T) {
	assert.Equal(t, InvalidName, FormatPkixName([]byte{0x30}))
}
