package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"tezrec/types"
)

func body(tag uint16, content []byte) []byte {
	out := make([]byte, 2+len(content))
	binary.BigEndian.PutUint16(out, tag)
	copy(out[2:], content)
	return out
}

func TestDecodeBodyKnownTags(t *testing.T) {
	d := DecodeBody(body(0x02, nil))
	assert.Equal(t, types.KindBootstrap, d.Kind)
	assert.Equal(t, "bootstrap", d.Preview)
	assert.Empty(t, d.Err)

	d = DecodeBody(body(0x01, nil))
	assert.Equal(t, types.KindDisconnect, d.Kind)
}

func TestDecodeBodyHashList(t *testing.T) {
	content := make([]byte, 4+64)
	binary.BigEndian.PutUint32(content, 64)
	d := DecodeBody(body(0x20, content))
	assert.Equal(t, types.KindGetBlockHeaders, d.Kind)
	assert.Equal(t, "get_block_headers (2 hashes)", d.Preview)
}

func TestDecodeBodyBlockHeaderLevel(t *testing.T) {
	content := make([]byte, 12)
	binary.BigEndian.PutUint32(content[4:], 123456)
	d := DecodeBody(body(0x21, content))
	assert.Equal(t, types.KindBlockHeader, d.Kind)
	assert.Equal(t, "block_header (level 123456)", d.Preview)
}

func TestDecodeBodyUnknownTag(t *testing.T) {
	d := DecodeBody(body(0xbeef, []byte("xxxx")))
	assert.Equal(t, types.KindUnknown, d.Kind)
	assert.Contains(t, d.Preview, "0xbeef")
	assert.Empty(t, d.Err)
}

func TestDecodeBodyTooShort(t *testing.T) {
	d := DecodeBody([]byte{0x01})
	assert.Equal(t, types.KindMalformed, d.Kind)
	assert.NotEmpty(t, d.Err)
}
