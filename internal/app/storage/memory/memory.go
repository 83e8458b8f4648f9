// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milestonepay/engine/internal/app/domain/milestone"
	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu            sync.RWMutex
	sessionKeys   map[string]sessionkey.Key
	settlements   map[string]settlement.Record
	commitments   map[string]milestone.Commitment // keyed by milestone id
	commitByID    map[string]string               // commitment id -> milestone id
	payouts       map[string]milestone.PayoutRequest
	payoutsByLeaf map[string]string // idempotency key -> payout id
	nonces        map[string]uint64
}

var _ storage.SessionKeyStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.CommitmentStore = (*Store)(nil)
var _ storage.PayoutStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessionKeys:   make(map[string]sessionkey.Key),
		settlements:   make(map[string]settlement.Record),
		commitments:   make(map[string]milestone.Commitment),
		commitByID:    make(map[string]string),
		payouts:       make(map[string]milestone.PayoutRequest),
		payoutsByLeaf: make(map[string]string),
		nonces:        make(map[string]uint64),
	}
}

// --- SessionKeyStore --------------------------------------------------------

func (s *Store) CreateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	s.sessionKeys[key.ID] = key
	return key, nil
}

func (s *Store) GetSessionKey(ctx context.Context, id string) (sessionkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.sessionKeys[id]
	if !ok {
		return sessionkey.Key{}, storage.ErrNotFound
	}
	return key, nil
}

func (s *Store) GetActiveSessionKey(ctx context.Context, address string, now time.Time) (sessionkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best sessionkey.Key
	found := false
	for _, key := range s.sessionKeys {
		if key.Address != address || !key.Usable(now) {
			continue
		}
		if !found || key.CreatedAt.After(best.CreatedAt) {
			best = key
			found = true
		}
	}
	if !found {
		return sessionkey.Key{}, storage.ErrNotFound
	}
	return best, nil
}

func (s *Store) UpdateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessionKeys[key.ID]
	if !ok {
		return sessionkey.Key{}, storage.ErrNotFound
	}
	key.CreatedAt = existing.CreatedAt
	key.UpdatedAt = time.Now().UTC()
	s.sessionKeys[key.ID] = key
	return key, nil
}

func (s *Store) UpdateSpentCAS(ctx context.Context, id string, oldSpent, newSpent int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.sessionKeys[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if key.TotalSpent != oldSpent {
		return false, nil
	}
	key.TotalSpent = newSpent
	key.UpdatedAt = time.Now().UTC()
	s.sessionKeys[id] = key
	return true, nil
}

func (s *Store) ListExpiredActive(ctx context.Context, now time.Time) ([]sessionkey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sessionkey.Key
	for _, key := range s.sessionKeys {
		if key.Active && !now.Before(key.ExpiresAt) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *Store) NextNonce(ctx context.Context, accountID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces[accountID]++
	return s.nonces[accountID], nil
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateSettlement(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = settlement.StatusPending
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	s.settlements[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.settlements[id]
	if !ok {
		return settlement.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) SetOperationRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.OperationRef = ref
	s.settlements[id] = rec
	return nil
}

func (s *Store) MarkSettlementTerminal(ctx context.Context, id string, status settlement.Status, reason, txRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Status.Terminal() {
		return errors.ErrTerminalState
	}

	var err error
	switch status {
	case settlement.StatusSuccess:
		err = rec.Succeed(txRef, at)
	case settlement.StatusFailed:
		err = rec.Fail(reason, at)
	default:
		return errors.Validation("status", "not a terminal status")
	}
	if err != nil {
		return err
	}
	s.settlements[id] = rec
	return nil
}

func (s *Store) ListPendingSettlements(ctx context.Context) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []settlement.Record
	for _, rec := range s.settlements {
		if rec.Status == settlement.StatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- CommitmentStore --------------------------------------------------------

func (s *Store) CreateCommitment(ctx context.Context, c milestone.Commitment) (milestone.Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commitments[c.MilestoneID]; exists {
		return milestone.Commitment{}, errors.ErrAlreadyCommitted
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.commitments[c.MilestoneID] = c
	s.commitByID[c.ID] = c.MilestoneID
	return c, nil
}

func (s *Store) GetCommitment(ctx context.Context, milestoneID string) (milestone.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[milestoneID]
	if !ok {
		return milestone.Commitment{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) SetCommitTxRef(ctx context.Context, id, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	milestoneID, ok := s.commitByID[id]
	if !ok {
		return storage.ErrNotFound
	}
	c := s.commitments[milestoneID]
	c.CommitTxRef = txRef
	s.commitments[milestoneID] = c
	return nil
}

// --- PayoutStore ------------------------------------------------------------

func (s *Store) CreatePayout(ctx context.Context, p milestone.PayoutRequest) (milestone.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guard := milestone.IdempotencyKey(p.LeafID, p.RootHash)
	if _, exists := s.payoutsByLeaf[guard]; exists {
		return milestone.PayoutRequest{}, errors.ErrAlreadyPaid
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = milestone.PayoutPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.payouts[p.ID] = p
	s.payoutsByLeaf[guard] = p.ID
	return p, nil
}

func (s *Store) GetPayoutByLeaf(ctx context.Context, leafID, rootHash string) (milestone.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.payoutsByLeaf[milestone.IdempotencyKey(leafID, rootHash)]
	if !ok {
		return milestone.PayoutRequest{}, storage.ErrNotFound
	}
	return s.payouts[id], nil
}

func (s *Store) MarkPayoutSubmitted(ctx context.Context, id, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = milestone.PayoutSubmitted
	p.TxRef = txRef
	s.payouts[id] = p
	return nil
}

func (s *Store) DeletePayout(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil
	}
	delete(s.payouts, id)
	delete(s.payoutsByLeaf, milestone.IdempotencyKey(p.LeafID, p.RootHash))
	return nil
}

func (s *Store) ListPayouts(ctx context.Context, commitmentID string) ([]milestone.PayoutRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []milestone.PayoutRequest
	for _, p := range s.payouts {
		if p.CommitmentID == commitmentID {
			out = append(out, p)
		}
	}
	return out, nil
}
