package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	lv, err := ParseLogLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, lv)

	lv, err = ParseLogLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, lv)

	_, err = ParseLogLevel("loud")
	assert.ErrorContains(t, err, "unknown log level")
}

func TestLogLevelJSON(t *testing.T) {
	b, err := json.Marshal(LevelNotice)
	require.NoError(t, err)
	assert.Equal(t, `"notice"`, string(b))

	var lv LogLevel
	require.NoError(t, json.Unmarshal([]byte(`"error"`), &lv))
	assert.Equal(t, LevelError, lv)
}

func TestLevelFromSeverity(t *testing.T) {
	assert.Equal(t, LevelDebug, LevelFromSeverity(7))
	assert.Equal(t, LevelInfo, LevelFromSeverity(6))
	assert.Equal(t, LevelNotice, LevelFromSeverity(5))
	assert.Equal(t, LevelWarning, LevelFromSeverity(4))
	assert.Equal(t, LevelError, LevelFromSeverity(3))
	assert.Equal(t, LevelFatal, LevelFromSeverity(0))
}

func TestKindFromTag(t *testing.T) {
	assert.Equal(t, KindBootstrap, KindFromTag(0x02))
	assert.Equal(t, KindOperationsForBlocks, KindFromTag(0x61))
	assert.Equal(t, KindUnknown, KindFromTag(0xbeef))
}

func TestParseMessageKind(t *testing.T) {
	k, err := ParseMessageKind("current_head")
	require.NoError(t, err)
	assert.Equal(t, KindCurrentHead, k)

	k, err = ParseMessageKind("connection_message")
	require.NoError(t, err)
	assert.Equal(t, KindConnectionMessage, k)

	_, err = ParseMessageKind("gossip")
	assert.ErrorContains(t, err, "unknown message type")
}

func TestKindCategory(t *testing.T) {
	assert.Equal(t, CategoryConnection, KindConnectionMessage.Category())
	assert.Equal(t, CategoryMeta, KindMetadata.Category())
	assert.Equal(t, CategoryAck, KindAck.Category())
	assert.Equal(t, CategoryP2P, KindBootstrap.Category())
	assert.Equal(t, CategoryP2P, KindDecryptFailed.Category())
}

func TestSenderOf(t *testing.T) {
	assert.Equal(t, SenderRemote, SenderOf(true))
	assert.Equal(t, SenderLocal, SenderOf(false))
}

func TestBriefOmitsBodies(t *testing.T) {
	rec := &MessageRecord{
		ID:         9,
		Timestamp:  time.Now(),
		RemoteAddr: "192.0.2.1:9732",
		Sender:     SenderRemote,
		Kind:       KindCurrentHead,
		Category:   CategoryP2P,
		Preview:    "current_head",
		Ciphertext: []byte{1, 2, 3},
		Plaintext:  []byte{4, 5, 6},
	}

	b, err := json.Marshal(rec.Brief())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "original_bytes")
	assert.NotContains(t, string(b), "decrypted_bytes")
	assert.Contains(t, string(b), `"source_type":"remote"`)
}
