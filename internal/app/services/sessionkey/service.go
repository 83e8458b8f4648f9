// Package sessionkey issues, validates, meters, and revokes delegated
// signing keys.
package sessionkey

import (
	"context"
	"fmt"
	"time"

	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/metrics"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/keyvault"
	"github.com/milestonepay/engine/internal/operation"
	"github.com/milestonepay/engine/pkg/logger"
)

// Registry is the on-chain session-key registry surface the service needs.
type Registry interface {
	RegisterSessionKey(ctx context.Context, owner, publicKey string, maxTotalSpend int64, expiresAt time.Time) (string, error)
	RevokeSessionKey(ctx context.Context, publicKey string) (string, error)
}

// casAttempts bounds the recordUsage retry loop. Contention on a single key
// is short-lived; losing this many races in a row means something is wrong.
const casAttempts = 10

// Service manages the delegated key lifecycle.
type Service struct {
	store    storage.SessionKeyStore
	vault    *keyvault.Vault
	registry Registry
	log      *logger.Logger
}

// New creates the session key service. registry may be nil in environments
// without chain access; keys then stay unregistered and unusable.
func New(store storage.SessionKeyStore, vault *keyvault.Vault, registry Registry, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessionkey")
	}
	return &Service{store: store, vault: vault, registry: registry, log: log}
}

// Create generates a fresh delegated keypair, encrypts the private
// component, registers the public key on-chain, and persists the record.
// The returned key never carries private material.
func (s *Service) Create(ctx context.Context, accountID, address string, cfg sessionkey.SpendConfig) (sessionkey.Key, error) {
	if accountID == "" {
		return sessionkey.Key{}, errors.Validation("accountId", "is required")
	}
	if address == "" {
		return sessionkey.Key{}, errors.Validation("address", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return sessionkey.Key{}, err
	}

	scalar, pubHex, err := operation.GenerateKeypair()
	if err != nil {
		return sessionkey.Key{}, err
	}
	encrypted, err := s.vault.Encrypt(scalar)
	keyvault.ZeroBytes(scalar)
	if err != nil {
		return sessionkey.Key{}, err
	}

	key := sessionkey.Key{
		AccountID:        accountID,
		Address:          address,
		PublicKey:        pubHex,
		EncryptedPrivKey: encrypted,
		MaxPerOperation:  cfg.MaxPerOperation,
		MaxTotalSpend:    cfg.MaxTotalSpend,
		ExpiresAt:        time.Now().Add(cfg.ValidFor),
		Active:           true,
	}

	key, err = s.store.CreateSessionKey(ctx, key)
	if err != nil {
		return sessionkey.Key{}, err
	}

	if s.registry != nil {
		txRef, err := s.registry.RegisterSessionKey(ctx, address, pubHex, cfg.MaxTotalSpend, key.ExpiresAt)
		if err != nil {
			s.log.Warnf("on-chain registration failed for key %s: %v", key.ID, err)
			return key.Redacted(), err
		}
		key.RegisteredOnChain = true
		key.RegistrationTxRef = txRef
		if key, err = s.store.UpdateSessionKey(ctx, key); err != nil {
			return sessionkey.Key{}, err
		}
		s.log.Infof("session key %s registered for %s, tx %s", key.ID, address, txRef)
	}

	return key.Redacted(), nil
}

// MarkRegistered records a completed on-chain registration, used when
// registration settles asynchronously.
func (s *Service) MarkRegistered(ctx context.Context, id, txRef string) error {
	key, err := s.store.GetSessionKey(ctx, id)
	if err != nil {
		return err
	}
	key.RegisteredOnChain = true
	key.RegistrationTxRef = txRef
	_, err = s.store.UpdateSessionKey(ctx, key)
	return err
}

// GetActive returns the usable key for the address: active, registered
// on-chain, unexpired, and most recently created when several qualify.
func (s *Service) GetActive(ctx context.Context, address string) (sessionkey.Key, error) {
	key, err := s.store.GetActiveSessionKey(ctx, address, time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return sessionkey.Key{}, errors.ErrNoActiveKey
	}
	if err != nil {
		return sessionkey.Key{}, err
	}
	return key, nil
}

// RecordUsage atomically adds amount to the key's running total. The
// read-modify-write is serialized through a compare-and-swap on the stored
// total, so concurrent callers can never jointly exceed maxTotalSpend. A
// usage that would cross the cap revokes the key and fails with
// ErrSpendCapExceeded.
func (s *Service) RecordUsage(ctx context.Context, id string, amount int64) error {
	if amount <= 0 {
		return errors.Validation("amount", "must be positive")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		key, err := s.store.GetSessionKey(ctx, id)
		if err != nil {
			return err
		}
		if amount > key.MaxPerOperation {
			return errors.Validation("amount", "exceeds per-operation cap")
		}

		newTotal := key.TotalSpent + amount
		if newTotal > key.MaxTotalSpend {
			if err := s.Revoke(ctx, id); err != nil {
				s.log.Errorf("auto-revoke of over-cap key %s failed: %v", id, err)
			}
			return errors.ErrSpendCapExceeded
		}

		committed, err := s.store.UpdateSpentCAS(ctx, id, key.TotalSpent, newTotal)
		if err != nil {
			return err
		}
		if committed {
			metrics.SpendRecorded(amount)
			return nil
		}
		// Lost the race; re-read and try again.
	}
	return fmt.Errorf("record usage: gave up after %d contended attempts", casAttempts)
}

// Revoke deactivates a key. Revoking an already-revoked key is a no-op.
// Keys are never deleted: the record stays for audit.
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.store.GetSessionKey(ctx, id)
	if err != nil {
		return err
	}
	if key.RevokedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	key.Active = false
	key.RevokedAt = &now
	if _, err := s.store.UpdateSessionKey(ctx, key); err != nil {
		return err
	}

	if s.registry != nil && key.RegisteredOnChain {
		if _, err := s.registry.RevokeSessionKey(ctx, key.PublicKey); err != nil {
			// Registry revocation is best effort: the local record already
			// blocks further use, and the registry entry expires on its own.
			s.log.Warnf("on-chain revocation failed for key %s: %v", id, err)
		}
	}

	s.log.Infof("session key %s revoked", id)
	return nil
}
