package types

import (
	"fmt"
	"net"
	"time"
)

// Event type constants matching the BPF program
const (
	EVENT_BIND    = 1
	EVENT_LISTEN  = 2
	EVENT_CONNECT = 3
	EVENT_ACCEPT  = 4
	EVENT_DATA    = 5
	EVENT_CLOSE   = 6
)

// Data direction constants matching BPF program
const (
	DIR_INCOMING = 1
	DIR_OUTGOING = 2
)

// RawEvent is the fixed-size header of every ring buffer sample.
// Payload bytes follow the header for EVENT_DATA samples.
type RawEvent struct {
	EventType uint32
	Pid       uint32
	Fd        uint32
	DataLen   uint32
	Timestamp uint64
	Direction uint8
	Family    uint8
	Port      uint16
	_         uint32 // padding for 8-byte alignment
	Addr      [16]byte
}

// SyscallEvent is the user-space form of one captured syscall,
// as framed on the agent socket.
type SyscallEvent struct {
	Type      uint32
	Seq       uint64
	Pid       uint32
	Fd        uint32
	Timestamp time.Time
	Direction uint8
	Remote    net.IP
	Port      uint16
	Payload   []byte
}

// RemoteAddr renders the peer address as host:port.
func (e *SyscallEvent) RemoteAddr() string {
	if e.Remote == nil {
		return ""
	}
	return net.JoinHostPort(e.Remote.String(), fmt.Sprintf("%d", e.Port))
}

// TypeString returns a human-readable event type name.
func (e *SyscallEvent) TypeString() string {
	switch e.Type {
	case EVENT_BIND:
		return "bind"
	case EVENT_LISTEN:
		return "listen"
	case EVENT_CONNECT:
		return "connect"
	case EVENT_ACCEPT:
		return "accept"
	case EVENT_DATA:
		return "data"
	case EVENT_CLOSE:
		return "close"
	default:
		return "unknown"
	}
}
