package machos

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withLoadCmd appends a raw load command to an image built by
// buildTestImage, which leaves room between the load commands and the first
// section.
func withLoadCmd(t *testing.T, img []byte, words []uint32) []byte {
	t.Helper()
	bo := binary.LittleEndian
	out := append([]byte{}, img...)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, bo, words))
	cmdsz := bo.Uint32(out[20:])
	copy(out[32+cmdsz:], buf.Bytes())
	bo.PutUint32(out[16:], bo.Uint32(out[16:])+1)
	bo.PutUint32(out[20:], cmdsz+uint32(buf.Len()))
	return out
}

func TestTargetVersion(t *testing.T) {
	plain := buildTestImage(t, nil)
	version, err := TargetVersion(bytes.NewReader(plain))
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)

	versionMin := withLoadCmd(t, plain, []uint32{0x24, 16, 0x000a0b00, 0x000a0b00})
	version, err = TargetVersion(bytes.NewReader(versionMin))
	require.NoError(t, err)
	assert.EqualValues(t, 0x000a0b00, version)

	build := withLoadCmd(t, plain, []uint32{0x32, 24, 1, 0x000c0100, 0x000c0300, 0})
	version, err = TargetVersion(bytes.NewReader(build))
	require.NoError(t, err)
	assert.EqualValues(t, 0x000c0100, version)

	// build versions for other platforms don't count
	ios := withLoadCmd(t, plain, []uint32{0x32, 24, 2, 0x000f0000, 0x000f0000, 0})
	version, err = TargetVersion(bytes.NewReader(ios))
	require.NoError(t, err)
	assert.EqualValues(t, 0, version)

	_, err = TargetVersion(strings.NewReader("not an image"))
	assert.Error(t, err)
}
