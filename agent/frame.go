package agent

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"tezrec/types"
)

// Socket frame layout, all integers little-endian:
//
//	u32 frame length (bytes following)
//	u32 type | u64 seq | u32 pid | u32 fd | u64 unix-nano timestamp
//	u8 direction | u8 family | u16 port | 16 bytes address
//	u32 payload length | payload
const frameHeaderLen = 4 + 8 + 4 + 4 + 8 + 1 + 1 + 2 + 16 + 4

// MaxFramePayload bounds a single Data frame. Larger reads are
// split by the kernel side before they reach the socket.
const MaxFramePayload = 1 << 20

// EncodeEvent renders an event as a length-prefixed socket frame.
func EncodeEvent(e *types.SyscallEvent) []byte {
	total := frameHeaderLen + len(e.Payload)
	out := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(out[0:], uint32(total))
	p := out[4:]
	binary.LittleEndian.PutUint32(p[0:], e.Type)
	binary.LittleEndian.PutUint64(p[4:], e.Seq)
	binary.LittleEndian.PutUint32(p[12:], e.Pid)
	binary.LittleEndian.PutUint32(p[16:], e.Fd)
	binary.LittleEndian.PutUint64(p[20:], uint64(e.Timestamp.UnixNano()))
	p[28] = e.Direction
	var family uint8
	var addr [16]byte
	if ip4 := e.Remote.To4(); ip4 != nil {
		family = 4
		copy(addr[:], ip4)
	} else if e.Remote != nil {
		family = 6
		copy(addr[:], e.Remote.To16())
	}
	p[29] = family
	binary.LittleEndian.PutUint16(p[30:], e.Port)
	copy(p[32:48], addr[:])
	binary.LittleEndian.PutUint32(p[48:], uint32(len(e.Payload)))
	copy(p[52:], e.Payload)
	return out
}

// DecodeEvent parses one socket frame body (length prefix removed).
func DecodeEvent(p []byte) (*types.SyscallEvent, error) {
	if len(p) < frameHeaderLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(p))
	}
	e := &types.SyscallEvent{
		Type:      binary.LittleEndian.Uint32(p[0:]),
		Seq:       binary.LittleEndian.Uint64(p[4:]),
		Pid:       binary.LittleEndian.Uint32(p[12:]),
		Fd:        binary.LittleEndian.Uint32(p[16:]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(p[20:]))),
		Direction: p[28],
		Port:      binary.LittleEndian.Uint16(p[30:]),
	}
	switch p[29] {
	case 4:
		e.Remote = net.IP(append([]byte(nil), p[32:36]...))
	case 6:
		e.Remote = net.IP(append([]byte(nil), p[32:48]...))
	}
	payloadLen := binary.LittleEndian.Uint32(p[48:])
	if int(payloadLen) != len(p)-frameHeaderLen {
		return nil, fmt.Errorf("frame payload length mismatch: header %d, actual %d",
			payloadLen, len(p)-frameHeaderLen)
	}
	if payloadLen > 0 {
		e.Payload = append([]byte(nil), p[52:52+payloadLen]...)
	}
	return e, nil
}

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.LittleEndian.Uint32(lenBuf[:])
	if l < frameHeaderLen || l > frameHeaderLen+MaxFramePayload {
		return nil, fmt.Errorf("implausible frame length %d", l)
	}
	body := make([]byte, l)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
