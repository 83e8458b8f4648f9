// Package storage defines the persistence interfaces for the engine. All
// access to session key, settlement, commitment, and payout rows goes
// through these operations; no other component touches the tables directly.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/milestonepay/engine/internal/app/domain/milestone"
	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/domain/settlement"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SessionKeyStore persists delegated signing keys.
type SessionKeyStore interface {
	CreateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error)
	GetSessionKey(ctx context.Context, id string) (sessionkey.Key, error)
	// GetActiveSessionKey returns the most recently created usable key for
	// the address, or ErrNotFound.
	GetActiveSessionKey(ctx context.Context, address string, now time.Time) (sessionkey.Key, error)
	UpdateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error)
	// UpdateSpentCAS commits newSpent only if the stored total still equals
	// oldSpent. Returns false on a lost race so the caller can re-read and
	// retry; this is what keeps concurrent metering from jointly exceeding
	// the cap.
	UpdateSpentCAS(ctx context.Context, id string, oldSpent, newSpent int64) (bool, error)
	// ListExpiredActive returns keys still marked active whose expiry has
	// passed, for the hygiene sweeper.
	ListExpiredActive(ctx context.Context, now time.Time) ([]sessionkey.Key, error)
	// NextNonce atomically allocates the next strictly increasing nonce for
	// an account.
	NextNonce(ctx context.Context, accountID string) (uint64, error)
}

// SettlementStore persists settlement records.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, rec settlement.Record) (settlement.Record, error)
	GetSettlement(ctx context.Context, id string) (settlement.Record, error)
	// SetOperationRef attaches the relay's operation reference once the
	// submission is accepted, so a restarted process can resume the watch.
	SetOperationRef(ctx context.Context, id, ref string) error
	// MarkSettlementTerminal performs the single PENDING -> terminal
	// transition. Writing to an already-terminal record returns
	// errors.ErrTerminalState.
	MarkSettlementTerminal(ctx context.Context, id string, status settlement.Status, reason, txRef string, at time.Time) error
	// ListPendingSettlements returns records still awaiting confirmation,
	// used to resume watchers after a restart.
	ListPendingSettlements(ctx context.Context) ([]settlement.Record, error)
}

// CommitmentStore persists milestone commitments.
type CommitmentStore interface {
	// CreateCommitment stores a new commitment. A second commitment for the
	// same milestone id returns errors.ErrAlreadyCommitted; leaf sets are
	// immutable once committed.
	CreateCommitment(ctx context.Context, c milestone.Commitment) (milestone.Commitment, error)
	GetCommitment(ctx context.Context, milestoneID string) (milestone.Commitment, error)
	SetCommitTxRef(ctx context.Context, id, txRef string) error
}

// PayoutStore persists payout requests.
type PayoutStore interface {
	// CreatePayout inserts a payout request. A duplicate (leafID, rootHash)
	// pair returns errors.ErrAlreadyPaid; the insert is the authoritative
	// double-payout guard and happens before on-chain submission.
	CreatePayout(ctx context.Context, p milestone.PayoutRequest) (milestone.PayoutRequest, error)
	GetPayoutByLeaf(ctx context.Context, leafID, rootHash string) (milestone.PayoutRequest, error)
	MarkPayoutSubmitted(ctx context.Context, id, txRef string) error
	// DeletePayout releases a reserved idempotency slot after a failed
	// submission so the leaf can be retried.
	DeletePayout(ctx context.Context, id string) error
	ListPayouts(ctx context.Context, commitmentID string) ([]milestone.PayoutRequest, error)
}
