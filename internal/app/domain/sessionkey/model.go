// Package sessionkey defines the delegated signing key domain model.
package sessionkey

import (
	"time"

	"github.com/milestonepay/engine/internal/errors"
)

// Key is a delegated, spend-capped signing keypair that authorizes payments
// on behalf of an account without repeated owner approval. Keys are never
// deleted; revocation and expiry only deactivate them so the audit trail
// survives.
type Key struct {
	ID                string
	AccountID         string
	Address           string // owning wallet address
	PublicKey         string // hex-encoded uncompressed P-256 point
	EncryptedPrivKey  []byte // KeyVault ciphertext, never plaintext at rest
	MaxPerOperation   int64
	MaxTotalSpend     int64
	TotalSpent        int64
	ExpiresAt         time.Time
	Active            bool
	RegisteredOnChain bool
	RegistrationTxRef string
	RevokedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Usable reports whether the key may authorize an operation at the given
// instant: it must be active, registered on-chain, and not yet expired.
func (k Key) Usable(now time.Time) bool {
	return k.Active && k.RegisteredOnChain && now.Before(k.ExpiresAt)
}

// Remaining returns the unspent portion of the total spend cap.
func (k Key) Remaining() int64 {
	if k.TotalSpent >= k.MaxTotalSpend {
		return 0
	}
	return k.MaxTotalSpend - k.TotalSpent
}

// Redacted returns a copy safe to hand to callers: the encrypted private
// material is stripped.
func (k Key) Redacted() Key {
	k.EncryptedPrivKey = nil
	return k
}

// SpendConfig bounds a new delegation.
type SpendConfig struct {
	MaxPerOperation int64
	MaxTotalSpend   int64
	ValidFor        time.Duration
}

// Validate rejects configurations that cannot bound risk.
func (c SpendConfig) Validate() error {
	if c.MaxPerOperation <= 0 {
		return errors.Validation("maxPerOperation", "must be positive")
	}
	if c.MaxTotalSpend <= 0 {
		return errors.Validation("maxTotalSpend", "must be positive")
	}
	if c.MaxPerOperation > c.MaxTotalSpend {
		return errors.Validation("maxPerOperation", "must not exceed maxTotalSpend")
	}
	if c.ValidFor <= 0 {
		return errors.Validation("validFor", "must be positive")
	}
	return nil
}
