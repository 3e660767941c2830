package types

import (
	"fmt"
	"time"
)

// Sender marks which side of the connection produced a message.
type Sender string

const (
	SenderLocal  Sender = "local"
	SenderRemote Sender = "remote"
)

// SenderOf maps a data direction to the originating side.
func SenderOf(incoming bool) Sender {
	if incoming {
		return SenderRemote
	}
	return SenderLocal
}

// MessageCategory groups message kinds by protocol phase.
type MessageCategory string

const (
	CategoryConnection MessageCategory = "connection"
	CategoryMeta       MessageCategory = "meta"
	CategoryAck        MessageCategory = "ack"
	CategoryP2P        MessageCategory = "p2p"
)

// MessageKind identifies one logical Tezos peer-to-peer command.
type MessageKind string

const (
	KindConnectionMessage MessageKind = "connection_message"
	KindMetadata          MessageKind = "metadata"
	KindAck               MessageKind = "ack"

	KindDisconnect  MessageKind = "disconnect"
	KindBootstrap   MessageKind = "bootstrap"
	KindAdvertise   MessageKind = "advertise"
	KindSwapRequest MessageKind = "swap_request"
	KindSwapAck     MessageKind = "swap_ack"

	KindGetCurrentBranch MessageKind = "get_current_branch"
	KindCurrentBranch    MessageKind = "current_branch"
	KindDeactivate       MessageKind = "deactivate"
	KindGetCurrentHead   MessageKind = "get_current_head"
	KindCurrentHead      MessageKind = "current_head"

	KindGetBlockHeaders MessageKind = "get_block_headers"
	KindBlockHeader     MessageKind = "block_header"

	KindGetOperations MessageKind = "get_operations"
	KindOperation     MessageKind = "operation"

	KindGetProtocols MessageKind = "get_protocols"
	KindProtocol     MessageKind = "protocol"

	KindGetOperationHashesForBlocks MessageKind = "get_operation_hashes_for_blocks"
	KindOperationHashesForBlock     MessageKind = "operation_hashes_for_block"

	KindGetOperationsForBlocks MessageKind = "get_operations_for_blocks"
	KindOperationsForBlocks    MessageKind = "operations_for_blocks"

	KindUnknown       MessageKind = "unknown"
	KindMalformed     MessageKind = "malformed"
	KindDecryptFailed MessageKind = "decrypt_failed"
)

var tagKinds = map[uint16]MessageKind{
	0x01: KindDisconnect,
	0x02: KindBootstrap,
	0x03: KindAdvertise,
	0x04: KindSwapRequest,
	0x05: KindSwapAck,

	0x10: KindGetCurrentBranch,
	0x11: KindCurrentBranch,
	0x12: KindDeactivate,
	0x13: KindGetCurrentHead,
	0x14: KindCurrentHead,

	0x20: KindGetBlockHeaders,
	0x21: KindBlockHeader,

	0x30: KindGetOperations,
	0x31: KindOperation,

	0x40: KindGetProtocols,
	0x41: KindProtocol,

	0x50: KindGetOperationHashesForBlocks,
	0x51: KindOperationHashesForBlock,

	0x60: KindGetOperationsForBlocks,
	0x61: KindOperationsForBlocks,
}

// KindFromTag maps a peer message tag to its kind.
// Unrecognized tags map to KindUnknown.
func KindFromTag(tag uint16) MessageKind {
	if k, ok := tagKinds[tag]; ok {
		return k
	}
	return KindUnknown
}

var allKinds = func() map[MessageKind]bool {
	m := map[MessageKind]bool{
		KindConnectionMessage: true,
		KindMetadata:          true,
		KindAck:               true,
		KindUnknown:           true,
		KindMalformed:         true,
		KindDecryptFailed:     true,
	}
	for _, k := range tagKinds {
		m[k] = true
	}
	return m
}()

// ParseMessageKind validates a kind name from a query string.
func ParseMessageKind(s string) (MessageKind, error) {
	k := MessageKind(s)
	if !allKinds[k] {
		return "", fmt.Errorf("unknown message type %q", s)
	}
	return k, nil
}

// ValidTag reports whether the kind corresponds to a known wire tag.
func (k MessageKind) ValidTag() bool {
	switch k {
	case KindUnknown, KindMalformed, KindDecryptFailed,
		KindConnectionMessage, KindMetadata, KindAck:
		return false
	}
	return true
}

// Category returns the protocol phase a message kind belongs to.
func (k MessageKind) Category() MessageCategory {
	switch k {
	case KindConnectionMessage:
		return CategoryConnection
	case KindMetadata:
		return CategoryMeta
	case KindAck:
		return CategoryAck
	default:
		return CategoryP2P
	}
}

// MessageRecord is one stored P2P message, decrypted when possible.
type MessageRecord struct {
	ID           uint64          `json:"id"`
	NodeName     string          `json:"node_name,omitempty"`
	ConnectionID uint64          `json:"connection_id"`
	Timestamp    time.Time       `json:"timestamp"`
	RemoteAddr   string          `json:"remote_addr"`
	Incoming     bool            `json:"incoming"`
	Sender       Sender          `json:"source_type"`
	Kind         MessageKind     `json:"kind"`
	Category     MessageCategory `json:"category"`
	Preview      string          `json:"message_preview"`
	ChunkFirst   uint64          `json:"chunk_first"`
	ChunkLast    uint64          `json:"chunk_last"`
	Ciphertext   []byte          `json:"original_bytes,omitempty"`
	Plaintext    []byte          `json:"decrypted_bytes,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// BriefMessage is the list-view projection of a message record.
type BriefMessage struct {
	ID         uint64          `json:"id"`
	NodeName   string          `json:"node_name,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RemoteAddr string          `json:"remote_addr"`
	Sender     Sender          `json:"source_type"`
	Incoming   bool            `json:"incoming"`
	Category   MessageCategory `json:"category"`
	Kind       MessageKind     `json:"kind"`
	Preview    string          `json:"message_preview"`
	Error      string          `json:"error,omitempty"`
}

// Brief projects the record for list responses.
func (m *MessageRecord) Brief() BriefMessage {
	return BriefMessage{
		ID:         m.ID,
		NodeName:   m.NodeName,
		Timestamp:  m.Timestamp,
		RemoteAddr: m.RemoteAddr,
		Sender:     m.Sender,
		Incoming:   m.Incoming,
		Category:   m.Category,
		Kind:       m.Kind,
		Preview:    m.Preview,
		Error:      m.Error,
	}
}
