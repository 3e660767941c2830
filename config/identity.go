package config

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Identity is a node's long-term key material. Only the key pair is
// used for decryption; the remaining fields round-trip.
type Identity struct {
	PeerID       string `json:"peer_id"`
	PublicKey    string `json:"public_key"`
	SecretKey    string `json:"secret_key"`
	ProofOfStake string `json:"proof_of_stake"`

	publicKey [32]byte
	secretKey [32]byte
}

// Public returns the node's Curve25519 public key.
func (id *Identity) Public() *[32]byte { return &id.publicKey }

// Secret returns the node's Curve25519 secret key.
func (id *Identity) Secret() *[32]byte { return &id.secretKey }

// LoadIdentity reads and parses an identity blob.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	return ParseIdentity(raw)
}

// ParseIdentity decodes the identity JSON and its hex key fields.
func ParseIdentity(raw []byte) (*Identity, error) {
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if err := decodeKey(id.PublicKey, &id.publicKey); err != nil {
		return nil, fmt.Errorf("identity public_key: %w", err)
	}
	if err := decodeKey(id.SecretKey, &id.secretKey); err != nil {
		return nil, fmt.Errorf("identity secret_key: %w", err)
	}
	return &id, nil
}

func decodeKey(s string, out *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return nil
}

// WaitIdentity loads an identity blob, waiting for the file to appear
// if it does not exist yet. Nodes generate their identity on first
// start, so the recorder may come up before the file does.
func WaitIdentity(ctx context.Context, path string) (*Identity, error) {
	if id, err := LoadIdentity(path); err == nil {
		return id, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("identity watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	// The file may have appeared between the failed load and the
	// watch registration.
	if id, err := LoadIdentity(path); err == nil {
		return id, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("identity watcher closed")
			}
			if ev.Name != path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			id, err := LoadIdentity(path)
			if err != nil {
				// Partial write; wait for the next event.
				continue
			}
			return id, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("identity watcher closed")
			}
			return nil, fmt.Errorf("identity watcher: %w", err)
		}
	}
}
