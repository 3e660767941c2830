package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"tezrec/types"
)

// DecodedMessage is the result of interpreting one plaintext body.
type DecodedMessage struct {
	Kind    types.MessageKind
	Preview string
	Err     string
}

// DecodeBody interprets a framed peer message body: a 2-byte
// big-endian tag followed by the message content.
func DecodeBody(body []byte) DecodedMessage {
	if len(body) < 2 {
		return DecodedMessage{
			Kind:    types.KindMalformed,
			Preview: fmt.Sprintf("malformed (%d bytes)", len(body)),
			Err:     "body shorter than tag",
		}
	}
	tag := binary.BigEndian.Uint16(body)
	content := body[2:]
	kind := types.KindFromTag(tag)
	if kind == types.KindUnknown {
		return DecodedMessage{
			Kind:    kind,
			Preview: fmt.Sprintf("unknown tag 0x%04x (%d bytes)", tag, len(content)),
		}
	}
	return DecodedMessage{Kind: kind, Preview: preview(kind, content)}
}

func preview(kind types.MessageKind, content []byte) string {
	switch kind {
	case types.KindDisconnect:
		return "disconnect"
	case types.KindBootstrap:
		return "bootstrap"
	case types.KindGetBlockHeaders, types.KindGetOperations,
		types.KindGetProtocols, types.KindGetOperationHashesForBlocks:
		if n, ok := hashListLen(content); ok {
			return fmt.Sprintf("%s (%d hashes)", kind, n)
		}
	case types.KindBlockHeader:
		// dynamic length prefix, then the header whose first
		// field is the block level
		if len(content) >= 8 {
			return fmt.Sprintf("block_header (level %d)", binary.BigEndian.Uint32(content[4:8]))
		}
	case types.KindCurrentHead, types.KindCurrentBranch,
		types.KindGetCurrentHead, types.KindGetCurrentBranch, types.KindDeactivate:
		if len(content) >= 4 {
			return fmt.Sprintf("%s (chain %s)", kind, hex.EncodeToString(content[:4]))
		}
	}
	return fmt.Sprintf("%s (%d bytes)", kind, len(content))
}

// hashListLen interprets content as a u32-length-prefixed list of
// 32-byte hashes and reports how many it holds.
func hashListLen(content []byte) (int, bool) {
	if len(content) < 4 {
		return 0, false
	}
	l := int(binary.BigEndian.Uint32(content))
	if l != len(content)-4 || l%32 != 0 {
		return 0, false
	}
	return l / 32, true
}

// PreviewConnectionMessage renders a connection message preview.
func PreviewConnectionMessage(cm *ConnectionMessage) string {
	return fmt.Sprintf("connection message (port %d, pk %s…)",
		cm.Port, hex.EncodeToString(cm.PublicKey[:4]))
}
