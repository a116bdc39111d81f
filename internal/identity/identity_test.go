package identity

import (
	"encoding/hex"
	"testing"

	"github.com/danbachar/grassroots/internal/wire"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(dir, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	if first.PublicKey != second.PublicKey {
		t.Error("reloaded identity has a different public key")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir(), "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	data := []byte("friend request body")
	sig := id.Sign(data)
	if !Verify(id.PublicKey, data, sig) {
		t.Error("signature did not verify against the signing key")
	}

	var other wire.ID
	other[0] = 1
	if Verify(other, data, sig) {
		t.Error("signature verified against the wrong key")
	}
}

func TestServiceUUIDStable(t *testing.T) {
	var key wire.ID
	copy(key[:], "a stable public key, 32 bytes!!!")

	a := ServiceUUID(key)
	b := ServiceUUID(key)
	if a != b {
		t.Errorf("derivation not stable: %s vs %s", a, b)
	}

	var otherKey wire.ID
	copy(otherKey[:], "a different public key, 32 b!!!!")
	if ServiceUUID(otherKey) == a {
		t.Error("two keys derived the same service UUID")
	}
}

func TestParsePublicKey(t *testing.T) {
	var key wire.ID
	for i := range key {
		key[i] = byte(i)
	}

	parsed, err := ParsePublicKey(hex.EncodeToString(key[:]))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed != key {
		t.Error("parsed key does not match original")
	}

	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := ParsePublicKey("zz"); err == nil {
		t.Error("expected error for non-hex key")
	}
}
