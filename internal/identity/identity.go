// Package identity manages the node's stable keypair and derives the
// discoverable service identifier other nodes match against during scans.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/danbachar/grassroots/internal/wire"
)

// KeySize is the public key width; it doubles as the node identity on the
// wire, so it must match wire.IDSize.
const KeySize = wire.IDSize

// Identity is the local node's keypair plus its advertised display name.
type Identity struct {
	PublicKey   wire.ID
	DisplayName string

	priv ed25519.PrivateKey
}

// keyFileName is the identity key file inside the data directory.
const keyFileName = "identity.key"

// LoadOrCreate reads the node keypair from dataDir, generating and
// persisting a fresh one on first run.
func LoadOrCreate(dataDir, displayName string) (*Identity, error) {
	path := filepath.Join(dataDir, keyFileName)

	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity: key file %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
	case os.IsNotExist(err):
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("identity: generate seed: %w", err)
		}
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("identity: create data dir: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("identity: persist key: %w", err)
		}
	default:
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	id := &Identity{DisplayName: displayName, priv: priv}
	copy(id.PublicKey[:], priv.Public().(ed25519.PublicKey))
	return id, nil
}

// Sign signs data with the node's private key.
func (id *Identity) Sign(data []byte) [wire.SignatureSize]byte {
	var sig [wire.SignatureSize]byte
	copy(sig[:], ed25519.Sign(id.priv, data))
	return sig
}

// Verify checks a signature against a peer's public key.
func Verify(pub wire.ID, data []byte, sig [wire.SignatureSize]byte) bool {
	return ed25519.Verify(pub[:], data, sig[:])
}

// ServiceUUID derives the GATT service UUID a node advertises from its
// public key. Peers recompute it per friend to match scan results, so the
// derivation must be stable across platforms and releases.
func ServiceUUID(pub wire.ID) string {
	sum := blake2b.Sum256(pub[:])
	u, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// 16 bytes always form a UUID.
		panic(err)
	}
	return u.String()
}

// ParsePublicKey decodes a 64-character hex public key.
func ParsePublicKey(s string) (wire.ID, error) {
	var key wire.ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("identity: parse public key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("identity: public key is %d bytes, want %d", len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}
