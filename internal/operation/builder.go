package operation

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/keyvault"
	"github.com/milestonepay/engine/pkg/logger"
)

// Builder assembles and signs payment-authorization operations with a
// delegated session key. Private key material is decrypted just-in-time,
// used for a single signature, and zeroed before returning.
type Builder struct {
	store     storage.SessionKeyStore
	vault     *keyvault.Vault
	gas       GasParams
	paymaster string
	log       *logger.Logger
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Store     storage.SessionKeyStore
	Vault     *keyvault.Vault
	Gas       GasParams
	Paymaster string
	Log       *logger.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	gas := cfg.Gas
	if gas == (GasParams{}) {
		gas = DefaultGasParams()
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("operation-builder")
	}
	return &Builder{
		store:     cfg.Store,
		vault:     cfg.Vault,
		gas:       gas,
		paymaster: cfg.Paymaster,
		log:       log,
	}
}

// Build constructs and signs an operation spending amount to dest with the
// given session key. The nonce is allocated atomically per owning account
// and strictly increases, which prevents replay of a previously signed
// operation.
func (b *Builder) Build(ctx context.Context, sessionKeyID, dest string, amount int64) (Signed, error) {
	if dest == "" {
		return Signed{}, errors.Validation("destination", "is required")
	}
	if amount <= 0 {
		return Signed{}, errors.Validation("amount", "must be positive")
	}

	key, err := b.store.GetSessionKey(ctx, sessionKeyID)
	if err != nil {
		return Signed{}, errors.Build("load session key", err)
	}
	if !key.Usable(time.Now()) {
		return Signed{}, errors.Build("session key no longer usable", errors.ErrKeyExpired)
	}
	if amount > key.MaxPerOperation {
		return Signed{}, errors.Validation("amount", "exceeds per-operation cap")
	}

	nonce, err := b.store.NextNonce(ctx, key.AccountID)
	if err != nil {
		return Signed{}, errors.Build("allocate nonce", err)
	}

	payload := Payload{
		Sender:        key.Address,
		Nonce:         nonce,
		CallData:      EncodeTransfer(dest, amount),
		Gas:           b.gas,
		Paymaster:     b.paymaster,
		PaymasterData: paymasterData(key.AccountID, nonce),
	}

	hash, err := payload.CanonicalHash()
	if err != nil {
		return Signed{}, errors.Build("hash payload", err)
	}

	scalar, err := b.vault.Decrypt(key.EncryptedPrivKey)
	if err != nil {
		return Signed{}, errors.Build("decrypt session key", err)
	}
	defer keyvault.ZeroBytes(scalar)

	priv, err := PrivateKeyFromScalar(scalar)
	if err != nil {
		return Signed{}, errors.Build("reconstruct session key", err)
	}
	defer priv.D.SetInt64(0)

	signature, err := SignHashP256(rand.Reader, priv, hash)
	if err != nil {
		return Signed{}, errors.Build("sign payload", err)
	}

	b.log.Debugf("built operation for %s nonce=%d amount=%d", key.Address, nonce, amount)
	return Signed{
		Payload:      payload,
		Hash:         hex.EncodeToString(hash),
		Signature:    hex.EncodeToString(signature),
		SessionKeyID: key.ID,
	}, nil
}

// paymasterData tags the operation so the sponsor's paymaster can attribute
// gas to the funding account.
func paymasterData(accountID string, nonce uint64) string {
	sum := sha256.Sum256([]byte(accountID))
	return hex.EncodeToString(sum[:8]) + "-" + strconv.FormatUint(nonce, 10)
}
