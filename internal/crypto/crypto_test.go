package crypto

import (
	"context"
	"testing"
	"time"
)

type staticKeyReader struct {
	keys map[string][]byte
}

func (r staticKeyReader) GetPublicKey(ctx context.Context, keyName string) ([]byte, map[string]string, error) {
	return r.keys[keyName], nil, nil
}

func TestEncrypt_WrapsDataKeyPerRecipient(t *testing.T) {
	reader := staticKeyReader{keys: map[string][]byte{
		"alice": []byte("alice-pub-key-material"),
		"bob":   []byte("bob-pub-key-material"),
	}}
	e := NewEncryptor([]string{"alice", "bob"}, reader, time.Hour)

	batch, err := e.Encrypt(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(batch.Ciphertext) == 0 || len(batch.Nonce) == 0 {
		t.Fatalf("expected non-empty ciphertext and nonce")
	}
	if len(batch.EncryptedKeys) != 2 {
		t.Fatalf("expected one wrapped data key per recipient, got %d", len(batch.EncryptedKeys))
	}
	if _, ok := batch.EncryptedKeys["alice"]; !ok {
		t.Fatalf("expected a wrapped key for alice")
	}
	if _, ok := batch.EncryptedKeys["bob"]; !ok {
		t.Fatalf("expected a wrapped key for bob")
	}
	// Different recipients wrap the same data key against different
	// public key material, so their wrapped keys must differ.
	if string(batch.EncryptedKeys["alice"]) == string(batch.EncryptedKeys["bob"]) {
		t.Fatalf("expected distinct wrapped keys for distinct recipient public keys")
	}
}

func TestEncrypt_FailsOnEmptyRecipientPublicKey(t *testing.T) {
	reader := staticKeyReader{keys: map[string][]byte{"ghost": {}}}
	e := NewEncryptor([]string{"ghost"}, reader, time.Hour)

	if _, err := e.Encrypt(context.Background(), []byte("hello")); err == nil {
		t.Fatalf("expected Encrypt to fail for a recipient with an empty public key, not panic or silently succeed")
	}
}

func TestWrapDataKey_DifferentDataKeysProduceDifferentOutputs(t *testing.T) {
	pub := []byte("recipient-public-key")
	a, err := wrapDataKey(pub, []byte("data-key-aaaaaaaaaaaaaaaa"))
	if err != nil {
		t.Fatalf("wrapDataKey: %v", err)
	}
	b, err := wrapDataKey(pub, []byte("data-key-bbbbbbbbbbbbbbbb"))
	if err != nil {
		t.Fatalf("wrapDataKey: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("expected different data keys to wrap to different outputs")
	}
}
