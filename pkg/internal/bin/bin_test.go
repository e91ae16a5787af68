package bin

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsInOrder(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, PutU8(&b, 7))
	require.NoError(t, PutI32(&b, -2))
	require.NoError(t, PutString(&b, "/usr/lib/libc.so.6"))
	require.NoError(t, PutBytes(&b, []byte{1, 2, 3}))
	assert.Equal(t, []byte{7, 0xff, 0xff, 0xff, 0xfe}, b.Bytes()[:5])

	r := bytes.NewReader(b.Bytes())
	u, err := GetU8(r)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u)
	i, err := GetI32(r)
	require.NoError(t, err)
	assert.Equal(t, int32(-2), i)
	s, err := GetString(r)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/libc.so.6", s)
	p, err := GetBytes(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p)
	assert.Zero(t, r.Len())
}

func TestTruncatedInput(t *testing.T) {
	_, err := GetU32(bytes.NewReader([]byte{0, 1}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = GetU8(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// claims 9 bytes, carries 2
	_, err = GetBytes(bytes.NewReader([]byte{0, 0, 0, 9, 'a', 'b'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, GetFixed(bytes.NewReader([]byte{1}), make([]byte, 4)), io.ErrUnexpectedEOF)
}

func TestStringLimit(t *testing.T) {
	var b bytes.Buffer
	assert.ErrorIs(t, PutString(&b, strings.Repeat("x", MaxString+1)), ErrStringTooLong)

	_, err := GetString(bytes.NewReader([]byte{0, 0, 0x10, 0x01}))
	assert.ErrorIs(t, err, ErrStringTooLong)
}
