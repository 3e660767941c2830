package config

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const identityJSON = `{
  "peer_id": "idtqeHUwA18FzAUdNK3nxaYV3Mzux6",
  "public_key": "determined-below",
  "secret_key": "determined-below",
  "proof_of_work_stamp": "ignored",
  "proof_of_stake": "stamp"
}`

func testIdentityBlob() []byte {
	pub := make([]byte, 32)
	sec := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
		sec[i] = byte(0xff - i)
	}
	return []byte(`{
  "peer_id": "idtqeHUwA18FzAUdNK3nxaYV3Mzux6",
  "public_key": "` + hex.EncodeToString(pub) + `",
  "secret_key": "` + hex.EncodeToString(sec) + `",
  "proof_of_stake": "stamp"
}`)
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(testIdentityBlob())
	require.NoError(t, err)
	assert.Equal(t, "idtqeHUwA18FzAUdNK3nxaYV3Mzux6", id.PeerID)
	assert.Equal(t, byte(0), id.Public()[0])
	assert.Equal(t, byte(31), id.Public()[31])
	assert.Equal(t, byte(0xff), id.Secret()[0])
}

func TestParseIdentityRejectsBadKeys(t *testing.T) {
	_, err := ParseIdentity([]byte(`{"public_key": "zz", "secret_key": ""}`))
	assert.Error(t, err)

	_, err = ParseIdentity([]byte(`{"public_key": "aabb", "secret_key": "aabb"}`))
	assert.ErrorContains(t, err, "32 bytes")
}

func TestWaitIdentityExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, testIdentityBlob(), 0o600))

	id, err := WaitIdentity(context.Background(), path)
	require.NoError(t, err)
	assert.NotNil(t, id.Secret())
}

func TestWaitIdentityAppearsLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, testIdentityBlob(), 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := WaitIdentity(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "idtqeHUwA18FzAUdNK3nxaYV3Mzux6", id.PeerID)
}

func TestWaitIdentityCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := WaitIdentity(ctx, filepath.Join(t.TempDir(), "never.json"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
