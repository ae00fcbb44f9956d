package p11token

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUlongRoundTrip(t *testing.T) {
	for _, v := range []uint{1, 255, 65537, 0x12345678} {
		buf := make([]byte, ulongSize)
		putUlong(buf, v)
		got, err := getUlong(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestUlongWidths(t *testing.T) {
	got, err := getUlong([]byte{0x7f})
	require.NoError(t, err)
	assert.Equal(t, uint(0x7f), got)

	buf := make([]byte, 8)
	binary.NativeEndian.PutUint16(buf, 0x1234)
	got, err = getUlong(buf[:2])
	require.NoError(t, err)
	assert.Equal(t, uint(0x1234), got)

	binary.NativeEndian.PutUint32(buf, 0xcafe1234)
	got, err = getUlong(buf[:4])
	require.NoError(t, err)
	assert.Equal(t, uint(0xcafe1234), got)

	binary.NativeEndian.PutUint64(buf, 0x89abcdef)
	got, err = getUlong(buf)
	require.NoError(t, err)
	assert.Equal(t, uint(0x89abcdef), got)

	_, err = getUlong(make([]byte, 3))
	assert.EqualError(t, err, "unable to parse value as unsigned integer: 000000")
}
