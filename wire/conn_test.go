package wire

import (
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"tezrec/types"
)

// cmChunk builds one connection message as stream bytes, length
// header included.
func cmChunk(port uint16, pub [32]byte, seed Nonce) []byte {
	payload := make([]byte, 0, 2+32+24+24+2)
	payload = binary.BigEndian.AppendUint16(payload, port)
	payload = append(payload, pub[:]...)
	payload = append(payload, make([]byte, 24)...) // proof of work
	payload = append(payload, seed[:]...)
	payload = append(payload, 0x00, 0x01) // versions
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)
	return out
}

// sealChunk encrypts one chunk the way a node would.
func sealChunk(plain []byte, nonce Nonce, key *[32]byte) []byte {
	sealed := secretbox.Seal(nil, plain, (*[NonceSize]byte)(&nonce), key)
	out := make([]byte, 2+len(sealed))
	binary.BigEndian.PutUint16(out, uint16(len(sealed)))
	copy(out[2:], sealed)
	return out
}

type testPeer struct {
	conn    *Conn
	records []*types.MessageRecord
	key     *[32]byte
	seedIn  Nonce
	seedOut Nonce
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	localPub, localSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	remotePub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	p := &testPeer{key: PrecomputeKey(remotePub, localSec)}
	p.seedIn[NonceSize-1] = 0x11
	p.seedOut[NonceSize-1] = 0x22
	p.conn = NewConn(7, "198.51.100.4:9732", false, time.Now(),
		localSec, func(m *types.MessageRecord) {
			p.records = append(p.records, m)
		})

	p.conn.Data(types.DIR_OUTGOING, time.Now(), cmChunk(9732, *localPub, p.seedOut))
	p.conn.Data(types.DIR_INCOMING, time.Now(), cmChunk(9732, *remotePub, p.seedIn))
	return p
}

func (p *testPeer) kinds() []types.MessageKind {
	out := make([]types.MessageKind, len(p.records))
	for i, r := range p.records {
		out[i] = r.Kind
	}
	return out
}

func TestConnHandshakeAndSchedule(t *testing.T) {
	p := newTestPeer(t)
	require.Equal(t, StateEstablished, p.conn.State())

	now := time.Now()
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk([]byte("meta"), p.seedOut, p.key))
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk([]byte{0x00}, p.seedOut.Add(1), p.key))
	p.conn.Data(types.DIR_INCOMING, now, sealChunk([]byte("meta"), p.seedIn, p.key))
	p.conn.Data(types.DIR_INCOMING, now, sealChunk([]byte{0x00}, p.seedIn.Add(1), p.key))

	p.conn.Data(types.DIR_INCOMING, now,
		sealChunk(framed(body(0x02, nil)), p.seedIn.Add(2), p.key))

	assert.Equal(t, []types.MessageKind{
		types.KindConnectionMessage, types.KindConnectionMessage,
		types.KindMetadata, types.KindAck,
		types.KindMetadata, types.KindAck,
		types.KindBootstrap,
	}, p.kinds())

	last := p.records[len(p.records)-1]
	assert.Equal(t, types.SenderRemote, last.Sender)
	assert.Equal(t, types.CategoryP2P, last.Category)
	assert.Equal(t, "bootstrap", last.Preview)
	assert.Equal(t, uint64(7), last.ConnectionID)
	assert.Empty(t, last.Error)

	rec := p.conn.Record(nil)
	assert.True(t, rec.Decryptable)
	assert.Equal(t, uint64(7), rec.Messages)
}

func TestConnMessageSpanningChunks(t *testing.T) {
	p := newTestPeer(t)
	now := time.Now()
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk([]byte("meta"), p.seedOut, p.key))
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk([]byte{0x00}, p.seedOut.Add(1), p.key))

	// A get_current_branch split over two encrypted chunks.
	msg := framed(body(0x10, []byte{0xde, 0xad, 0xbe, 0xef}))
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk(msg[:3], p.seedOut.Add(2), p.key))
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk(msg[3:], p.seedOut.Add(3), p.key))

	last := p.records[len(p.records)-1]
	assert.Equal(t, types.KindGetCurrentBranch, last.Kind)
	assert.Equal(t, uint64(3), last.ChunkFirst)
	assert.Equal(t, uint64(4), last.ChunkLast)
	assert.NotEmpty(t, last.Ciphertext)
}

func TestConnChunksHeldUntilEstablished(t *testing.T) {
	localPub, localSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	remotePub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := PrecomputeKey(remotePub, localSec)

	var seedOut Nonce
	seedOut[NonceSize-1] = 0x22
	var records []*types.MessageRecord
	c := NewConn(1, "203.0.113.1:9732", true, time.Now(),
		localSec, func(m *types.MessageRecord) { records = append(records, m) })

	now := time.Now()
	c.Data(types.DIR_OUTGOING, now, cmChunk(9732, *localPub, seedOut))
	c.Data(types.DIR_OUTGOING, now, sealChunk([]byte("meta"), seedOut, key))
	assert.Equal(t, StateAwaitingRemoteConn, c.State())
	assert.Len(t, records, 1, "encrypted chunk held until the handshake completes")

	var seedIn Nonce
	c.Data(types.DIR_INCOMING, now, cmChunk(9732, *remotePub, seedIn))
	require.Equal(t, StateEstablished, c.State())
	require.Len(t, records, 3)
	assert.Equal(t, types.KindMetadata, records[2].Kind)
}

func TestConnMACFailureIsSticky(t *testing.T) {
	p := newTestPeer(t)
	now := time.Now()

	bad := sealChunk([]byte("meta"), p.seedOut, p.key)
	bad[len(bad)-1] ^= 0xff
	p.conn.Data(types.DIR_OUTGOING, now, bad)

	last := p.records[len(p.records)-1]
	assert.Equal(t, types.KindDecryptFailed, last.Kind)
	assert.Equal(t, "MAC check failed", last.Error)
	assert.NotEmpty(t, last.Ciphertext)
	assert.Empty(t, last.Plaintext)

	// The next chunk would decrypt, but the nonce track is lost.
	p.conn.Data(types.DIR_OUTGOING, now, sealChunk([]byte{0x00}, p.seedOut.Add(1), p.key))
	last = p.records[len(p.records)-1]
	assert.Equal(t, types.KindDecryptFailed, last.Kind)

	// The other direction is unaffected.
	p.conn.Data(types.DIR_INCOMING, now, sealChunk([]byte("meta"), p.seedIn, p.key))
	last = p.records[len(p.records)-1]
	assert.Equal(t, types.KindMetadata, last.Kind)

	assert.False(t, p.conn.Record(nil).Decryptable)
}

func TestConnTruncated(t *testing.T) {
	p := newTestPeer(t)
	p.conn.Truncated()
	assert.Equal(t, "truncated", p.conn.Err())

	p.conn.Data(types.DIR_INCOMING, time.Now(),
		sealChunk([]byte("meta"), p.seedIn, p.key))
	last := p.records[len(p.records)-1]
	assert.Equal(t, types.KindDecryptFailed, last.Kind)
	assert.Equal(t, "truncated", last.Error)
	assert.False(t, p.conn.Record(nil).Decryptable)
}

func TestConnCloseFlushesResidue(t *testing.T) {
	p := newTestPeer(t)
	now := time.Now()
	p.conn.Data(types.DIR_INCOMING, now, []byte{0x00, 0x10, 'p', 'a', 'r', 't'})

	before := len(p.records)
	p.conn.Close(now)
	require.Len(t, p.records, before+1)
	last := p.records[len(p.records)-1]
	assert.Equal(t, types.KindMalformed, last.Kind)
	assert.Equal(t, "incomplete chunk at close", last.Error)

	// Data after close is ignored.
	p.conn.Data(types.DIR_INCOMING, now, sealChunk([]byte("meta"), p.seedIn, p.key))
	assert.Len(t, p.records, before+1)
}

func TestConnMalformedConnectionMessage(t *testing.T) {
	_, localSec, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var records []*types.MessageRecord
	c := NewConn(1, "203.0.113.1:9732", false, time.Now(),
		localSec, func(m *types.MessageRecord) { records = append(records, m) })

	c.Data(types.DIR_OUTGOING, time.Now(), []byte{0x00, 0x03, 'b', 'a', 'd'})
	require.Len(t, records, 1)
	assert.Equal(t, types.KindMalformed, records[0].Kind)
	assert.Equal(t, StateFailed, c.State())
}
