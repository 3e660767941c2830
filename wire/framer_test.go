package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func framed(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func TestFramerTwoMessagesOneChunk(t *testing.T) {
	var f Framer
	plain := append(framed([]byte("aa")), framed([]byte("bbb"))...)
	f.Push(3, plain, []byte("cipher3"))

	m1, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("aa"), m1.Body)
	assert.Equal(t, uint64(3), m1.ChunkFirst)
	assert.Equal(t, uint64(3), m1.ChunkLast)
	assert.Equal(t, []byte("cipher3"), m1.Ciphertext)

	m2, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("bbb"), m2.Body)
	assert.Equal(t, uint64(3), m2.ChunkFirst)

	_, ok = f.Next()
	assert.False(t, ok)
}

func TestFramerMessageSpanningChunks(t *testing.T) {
	var f Framer
	plain := framed([]byte("abcdefgh"))
	f.Push(3, plain[:5], []byte("c3"))
	_, ok := f.Next()
	assert.False(t, ok)

	f.Push(4, plain[5:], []byte("c4"))
	m, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("abcdefgh"), m.Body)
	assert.Equal(t, uint64(3), m.ChunkFirst)
	assert.Equal(t, uint64(4), m.ChunkLast)
	assert.Equal(t, []byte("c3c4"), m.Ciphertext)
}

func TestFramerSharedChunkAttribution(t *testing.T) {
	// Chunk 4 carries the tail of one message and the head of the
	// next; it must appear in both messages' chunk ranges.
	var f Framer
	first := framed([]byte("0123456789"))
	second := framed([]byte("xy"))
	f.Push(3, first[:8], []byte("c3"))
	f.Push(4, append(append([]byte(nil), first[8:]...), second...), []byte("c4"))

	m1, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(3), m1.ChunkFirst)
	assert.Equal(t, uint64(4), m1.ChunkLast)

	m2, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("xy"), m2.Body)
	assert.Equal(t, uint64(4), m2.ChunkFirst)
	assert.Equal(t, uint64(4), m2.ChunkLast)
}

func TestFramerResidue(t *testing.T) {
	var f Framer
	f.Push(3, framed([]byte("complete")), nil)
	f.Push(4, []byte{0x00, 0x00, 0x00, 0x09, 'p'}, nil)

	_, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, 5, f.Pending())
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x09, 'p'}, f.Residue())
	assert.Zero(t, f.Pending())
}
