package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF} // absurd length
	buf.Write(hdr)
	_, err := ReadFrame(&buf)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFrameTruncatedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00}) // only 2 of 4 length bytes
	_, err := ReadFrame(&buf)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0x00, 0x00, 0x00, 0x05}
	buf.Write(hdr)
	buf.Write([]byte("ab")) // only 2 of 5 declared bytes
	_, err := ReadFrame(&buf)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF))
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCodecRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutUint8(7)
	w.PutBool(true)
	w.PutUint32(42)
	w.PutInt32(-5)
	w.PutUint64(1 << 40)
	w.PutInt64(-1 << 40)
	w.PutString("hello")
	w.PutBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	u8, err := r.GetUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	b, err := r.GetBool()
	require.NoError(t, err)
	assert.True(t, b)

	u32, err := r.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), u32)

	i32, err := r.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-5), i32)

	u64, err := r.GetUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u64)

	i64, err := r.GetInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<40), i64)

	s, err := r.GetString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	bs, err := r.GetBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, bs)

	assert.Equal(t, 0, r.Remaining())
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0x00})
	_, err := r.GetUint32()
	assert.True(t, errors.Is(err, ErrShortBuffer))
}
