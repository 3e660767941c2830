package agent

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tezrec/types"
)

func TestFrameRoundtripData(t *testing.T) {
	in := &types.SyscallEvent{
		Type:      types.EVENT_DATA,
		Seq:       42,
		Pid:       1234,
		Fd:        7,
		Timestamp: time.Unix(0, 1714564800123456789),
		Direction: types.DIR_INCOMING,
		Remote:    net.ParseIP("192.0.2.9"),
		Port:      9732,
		Payload:   []byte("chunk bytes"),
	}

	body, err := ReadFrame(bytes.NewReader(EncodeEvent(in)))
	require.NoError(t, err)
	out, err := DecodeEvent(body)
	require.NoError(t, err)

	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Pid, out.Pid)
	assert.Equal(t, in.Fd, out.Fd)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Direction, out.Direction)
	assert.Equal(t, "192.0.2.9:9732", out.RemoteAddr())
	assert.Equal(t, in.Payload, out.Payload)
}

func TestFrameRoundtripIPv6(t *testing.T) {
	in := &types.SyscallEvent{
		Type:      types.EVENT_CONNECT,
		Timestamp: time.Now(),
		Remote:    net.ParseIP("2001:db8::1"),
		Port:      9733,
	}
	out, err := DecodeEvent(EncodeEvent(in)[4:])
	require.NoError(t, err)
	assert.True(t, out.Remote.Equal(in.Remote))
	assert.Equal(t, "[2001:db8::1]:9733", out.RemoteAddr())
	assert.Empty(t, out.Payload)
}

func TestFrameRoundtripNoAddress(t *testing.T) {
	in := &types.SyscallEvent{Type: types.EVENT_CLOSE, Timestamp: time.Now()}
	out, err := DecodeEvent(EncodeEvent(in)[4:])
	require.NoError(t, err)
	assert.Nil(t, out.Remote)
	assert.Equal(t, "", out.RemoteAddr())
}

func TestDecodeEventRejectsShortFrame(t *testing.T) {
	_, err := DecodeEvent(make([]byte, frameHeaderLen-1))
	assert.ErrorContains(t, err, "too short")
}

func TestDecodeEventRejectsLengthMismatch(t *testing.T) {
	frame := EncodeEvent(&types.SyscallEvent{
		Type:      types.EVENT_DATA,
		Timestamp: time.Now(),
		Payload:   []byte("abcd"),
	})
	body := frame[4:]
	binary.LittleEndian.PutUint32(body[48:], 99)
	_, err := DecodeEvent(body)
	assert.ErrorContains(t, err, "length mismatch")
}

func TestReadFrameRejectsImplausibleLength(t *testing.T) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], frameHeaderLen+MaxFramePayload+1)
	_, err := ReadFrame(bytes.NewReader(buf[:]))
	assert.ErrorContains(t, err, "implausible")

	binary.LittleEndian.PutUint32(buf[:], frameHeaderLen-1)
	_, err = ReadFrame(bytes.NewReader(buf[:]))
	assert.ErrorContains(t, err, "implausible")
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	frame := EncodeEvent(&types.SyscallEvent{Timestamp: time.Now()})
	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameStream(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		stream.Write(EncodeEvent(&types.SyscallEvent{
			Type:      types.EVENT_DATA,
			Seq:       uint64(i),
			Timestamp: time.Now(),
			Payload:   bytes.Repeat([]byte{byte(i)}, i*10),
		}))
	}
	for i := 0; i < 3; i++ {
		body, err := ReadFrame(&stream)
		require.NoError(t, err)
		e, err := DecodeEvent(body)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), e.Seq)
		assert.Len(t, e.Payload, i*10)
	}
	_, err := ReadFrame(&stream)
	assert.ErrorIs(t, err, io.EOF)
}
