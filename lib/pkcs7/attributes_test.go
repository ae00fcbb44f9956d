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

package pkcs7

import (
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// marshalUnsortedSet encodes the list as a SET OF in insertion order, the way
// a lax producer would.
func marshalUnsortedSet(l AttributeList) ([]byte, error) {
	der, err := asn1.Marshal(l)
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      raw.Bytes,
	})
}

func roundTrip(t *testing.T, l AttributeList) AttributeList {
	t.Helper()
	raw, err := marshalUnsortedSet(l)
	require.NoError(t, err)
	var l2 AttributeList
	_, err = asn1.UnmarshalWithParams(raw, &l2, "set")
	require.NoError(t, err)
	return l2
}

func TestAttributeList(t *testing.T) {
	var l AttributeList
	assert.False(t, l.Exists(OidAttributeSigningTime))

	t1 := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, l.Add(OidAttributeSigningTime, t1))
	l2 := roundTrip(t, l)
	assert.True(t, l2.Exists(OidAttributeSigningTime))

	var got time.Time
	require.NoError(t, l2.GetOne(OidAttributeSigningTime, &got))
	assert.True(t, t1.Equal(got))

	t2 := time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Add(OidAttributeSigningTime, t2))
	l2 = roundTrip(t, l)

	err := l2.GetOne(OidAttributeSigningTime, &got)
	assert.Error(t, err)

	var all []time.Time
	require.NoError(t, l2.GetAll(OidAttributeSigningTime, &all))
	require.Len(t, all, 2)
	assert.True(t, t1.Equal(all[0]))
	assert.True(t, t2.Equal(all[1]))
}

func TestAttributeNotFound(t *testing.T) {
	var l AttributeList
	require.NoError(t, l.Add(OidAttributeContentType, OidData))
	var got time.Time
	err := l.GetOne(OidAttributeSigningTime, &got)
	require.Error(t, err)
	_, ok := err.(ErrNoAttribute)
	assert.True(t, ok)
}

func TestAttributeSetOrder(t *testing.T) {
	// insertion order must not affect the digested form
	var a, b AttributeList
	require.NoError(t, a.Add(OidAttributeContentType, OidData))
	require.NoError(t, a.Add(OidAttributeMessageDigest, []byte{1, 2, 3}))
	require.NoError(t, b.Add(OidAttributeMessageDigest, []byte{1, 2, 3}))
	require.NoError(t, b.Add(OidAttributeContentType, OidData))

	aBytes, err := a.Bytes()
	require.NoError(t, err)
	bBytes, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, aBytes, bBytes)
	// the digested form carries the explicit SET tag
	assert.EqualValues(t, 0x31, aBytes[0])
}
