package operation

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	domain "github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/storage/memory"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/keyvault"
)

func seedKey(t *testing.T, store *memory.Store, vault *keyvault.Vault, mutate func(*domain.Key)) domain.Key {
	t.Helper()

	scalar, pubHex, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	encrypted, err := vault.Encrypt(scalar)
	if err != nil {
		t.Fatalf("encrypt scalar: %v", err)
	}

	key := domain.Key{
		AccountID:         "acct-1",
		Address:           "addr-1",
		PublicKey:         pubHex,
		EncryptedPrivKey:  encrypted,
		MaxPerOperation:   100,
		MaxTotalSpend:     1000,
		ExpiresAt:         time.Now().Add(time.Hour),
		Active:            true,
		RegisteredOnChain: true,
	}
	if mutate != nil {
		mutate(&key)
	}
	key, err = store.CreateSessionKey(context.Background(), key)
	if err != nil {
		t.Fatalf("store key: %v", err)
	}
	return key
}

func newTestBuilder(t *testing.T) (*Builder, *memory.Store, *keyvault.Vault) {
	t.Helper()
	vault, err := keyvault.New(bytes.Repeat([]byte{9}, keyvault.KeySize))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	store := memory.New()
	return NewBuilder(BuilderConfig{Store: store, Vault: vault, Paymaster: "paymaster-1"}), store, vault
}

func TestBuildSignatureVerifies(t *testing.T) {
	builder, store, vault := newTestBuilder(t)
	key := seedKey(t, store, vault, nil)

	signed, err := builder.Build(context.Background(), key.ID, "dest-1", 40)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if signed.Payload.Sender != key.Address {
		t.Fatalf("expected sender %s, got %s", key.Address, signed.Payload.Sender)
	}

	hash, err := hex.DecodeString(signed.Hash)
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}
	sig, err := hex.DecodeString(signed.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	ok, err := VerifyHashP256(key.PublicKey, hash, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("signature does not verify against the session public key")
	}

	// The hash commits to the payload.
	recomputed, err := signed.Payload.CanonicalHash()
	if err != nil {
		t.Fatalf("recompute hash: %v", err)
	}
	if hex.EncodeToString(recomputed) != signed.Hash {
		t.Fatal("hash does not match canonical payload")
	}
}

func TestBuildNonceStrictlyIncreases(t *testing.T) {
	builder, store, vault := newTestBuilder(t)
	key := seedKey(t, store, vault, nil)

	var last uint64
	for i := 0; i < 5; i++ {
		signed, err := builder.Build(context.Background(), key.ID, "dest-1", 1)
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		if signed.Payload.Nonce <= last {
			t.Fatalf("nonce %d not greater than previous %d", signed.Payload.Nonce, last)
		}
		last = signed.Payload.Nonce
	}
}

func TestBuildRejectsOverCapAmount(t *testing.T) {
	builder, store, vault := newTestBuilder(t)
	key := seedKey(t, store, vault, nil)

	if _, err := builder.Build(context.Background(), key.ID, "dest-1", 101); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildValidation(t *testing.T) {
	builder, _, _ := newTestBuilder(t)

	if _, err := builder.Build(context.Background(), "any", "", 1); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for empty dest, got %v", err)
	}
	if _, err := builder.Build(context.Background(), "any", "dest", 0); !errors.IsValidation(err) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
}

func TestBuildUnusableKey(t *testing.T) {
	builder, store, vault := newTestBuilder(t)

	expired := seedKey(t, store, vault, func(k *domain.Key) {
		k.ExpiresAt = time.Now().Add(-time.Minute)
	})
	_, err := builder.Build(context.Background(), expired.ID, "dest-1", 1)
	var be *errors.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected BuildError for expired key, got %v", err)
	}

	unregistered := seedKey(t, store, vault, func(k *domain.Key) {
		k.RegisteredOnChain = false
	})
	if _, err := builder.Build(context.Background(), unregistered.ID, "dest-1", 1); !errors.As(err, &be) {
		t.Fatalf("expected BuildError for unregistered key, got %v", err)
	}
}

func TestBuildUndecryptableKey(t *testing.T) {
	builder, store, vault := newTestBuilder(t)

	key := seedKey(t, store, vault, func(k *domain.Key) {
		// Ciphertext sealed under a different vault key.
		other, err := keyvault.New(bytes.Repeat([]byte{1}, keyvault.KeySize))
		if err != nil {
			t.Fatalf("other vault: %v", err)
		}
		scalar, _, err := GenerateKeypair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		k.EncryptedPrivKey, err = other.Encrypt(scalar)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	})

	_, err := builder.Build(context.Background(), key.ID, "dest-1", 1)
	if !errors.Is(err, errors.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	p := Payload{Sender: "addr-1", Nonce: 7, CallData: "abcd", Gas: DefaultGasParams()}
	h1, err := p.CanonicalHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := p.CanonicalHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Fatal("canonical hash not deterministic")
	}

	p.Nonce = 8
	h3, err := p.CanonicalHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if bytes.Equal(h1, h3) {
		t.Fatal("different payloads produced the same hash")
	}
}
