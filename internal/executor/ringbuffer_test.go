package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferReadFromStart(t *testing.T) {
	r := newRingBuffer()
	r.write([]byte("hello"))
	out, next, err := r.readFrom(0, 4096)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
	assert.Equal(t, uint64(5), next)
}

func TestRingBufferReadPastEndReturnsEmptyNotError(t *testing.T) {
	r := newRingBuffer()
	r.write([]byte("hi"))
	out, next, err := r.readFrom(2, 4096)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, uint64(2), next)
}

func TestRingBufferAgedOffsetReturnsDroppedMarker(t *testing.T) {
	r := newRingBuffer()
	big := make([]byte, ringCapacity+100)
	for i := range big {
		big[i] = byte(i % 256)
	}
	r.write(big)
	out, next, err := r.readFrom(0, 10)
	require.NoError(t, err)
	assert.Contains(t, string(out), "dropped 100 bytes")
	assert.Equal(t, r.lowestOffset(), next)
}

func TestRingBufferOffsetBeyondTotalIsOutOfRange(t *testing.T) {
	r := newRingBuffer()
	r.write([]byte("hi"))
	_, _, err := r.readFrom(100, 10)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestRingBufferWrapsAndKeepsMostRecentBytes(t *testing.T) {
	r := newRingBuffer()
	r.write(make([]byte, ringCapacity))
	r.write([]byte("tail"))
	out, _, err := r.readFrom(r.total-4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), out)
}

func TestRingBufferMaxBytesTruncates(t *testing.T) {
	r := newRingBuffer()
	r.write([]byte("abcdef"))
	out, next, err := r.readFrom(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
	assert.Equal(t, uint64(3), next)
}

func TestRingBufferSingleWriteLargerThanCapacityDropsLeading(t *testing.T) {
	r := newRingBuffer()
	big := make([]byte, ringCapacity+10)
	for i := range big {
		big[i] = byte(i % 256)
	}
	dropped := r.write(big)
	assert.Equal(t, 10, dropped)
	out, _, err := r.readFrom(r.lowestOffset(), 1)
	require.NoError(t, err)
	assert.Equal(t, big[10], out[0])
}
