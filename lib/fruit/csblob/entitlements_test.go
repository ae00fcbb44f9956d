package csblob

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestEntitlementsDER(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		hex  string
	}{
		{
			name: "Bool",
			xml: `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict><key>get-task-allow</key><true/></dict></plist>`,
			hex: "701a020101b01530130c0e6765742d7461736b2d616c6c6f770101ff",
		},
		{
			name: "Nested",
			xml: `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict>
<key>aps-environment</key><string>production</string>
<key>keys</key><array><string>a</string><string>b</string></array>
<key>n</key><integer>3</integer>
</dict></plist>`,
			hex: "703c020101b037301d0c0f6170732d656e7669726f6e6d656e740c0a70726f64756374696f6e300e0c046b65797330060c01610c016230060c016e020103",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			der, err := EntitlementsDER([]byte(tc.xml))
			require.NoError(t, err)
			assert.Equal(t, tc.hex, hex.EncodeToString(der))
		})
	}
}

func TestEntitlementsDERRejects(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want string
	}{
		{
			name: "Real",
			xml:  `<plist version="1.0"><dict><key>r</key><real>1.5</real></dict></plist>`,
			want: "real values",
		},
		{
			name: "Date",
			xml:  `<plist version="1.0"><dict><key>d</key><date>2024-01-02T03:04:05Z</date></dict></plist>`,
			want: "date values",
		},
		{
			name: "Data",
			xml:  `<plist version="1.0"><dict><key>b</key><data>AQID</data></dict></plist>`,
			want: "data values",
		},
		{
			name: "HugeInteger",
			xml:  `<plist version="1.0"><dict><key>n</key><integer>18446744073709551615</integer></dict></plist>`,
			want: "out of range",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EntitlementsDER([]byte(tc.xml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEntitlementsDERUID(t *testing.T) {
	_, err := derValue(plist.UID(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UID values")
}
