package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Connection message layout, offsets into the raw chunk including
// its 2-byte length header.
const (
	cmPortOff  = 2
	cmKeyOff   = 4
	cmPowOff   = 36
	cmNonceOff = 60
	cmEnd      = 84
)

// ConnectionMessage is the parsed first chunk of one direction.
// It is sent in the clear and carries the ephemeral key material
// the rest of the stream is encrypted with.
type ConnectionMessage struct {
	Port      uint16
	PublicKey [32]byte
	PoW       [24]byte
	NonceSeed Nonce
	Versions  []byte
	Raw       []byte
}

// ParseConnectionMessage parses the raw first chunk of a direction,
// header included.
func ParseConnectionMessage(raw []byte) (*ConnectionMessage, error) {
	if len(raw) < cmEnd {
		return nil, fmt.Errorf("connection message too short: %d bytes", len(raw))
	}
	cm := &ConnectionMessage{
		Port: binary.BigEndian.Uint16(raw[cmPortOff:cmKeyOff]),
		Raw:  raw,
	}
	copy(cm.PublicKey[:], raw[cmKeyOff:cmPowOff])
	copy(cm.PoW[:], raw[cmPowOff:cmNonceOff])
	copy(cm.NonceSeed[:], raw[cmNonceOff:cmEnd])
	cm.Versions = raw[cmEnd:]
	return cm, nil
}

// PrecomputeKey derives the shared symmetric key from the peer's
// ephemeral public key and the local identity secret, as NaCl
// crypto_box_beforenm does.
func PrecomputeKey(remotePublic, localSecret *[32]byte) *[32]byte {
	var shared [32]byte
	box.Precompute(&shared, remotePublic, localSecret)
	return &shared
}

// ZeroKey clears key material in place.
func ZeroKey(k *[32]byte) {
	if k == nil {
		return
	}
	for i := range k {
		k[i] = 0
	}
}
