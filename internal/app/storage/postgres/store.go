// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/milestonepay/engine/internal/app/domain/milestone"
	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.SessionKeyStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.CommitmentStore = (*Store)(nil)
var _ storage.PayoutStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- SessionKeyStore --------------------------------------------------------

func (s *Store) CreateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_keys (
			id, account_id, address, public_key, encrypted_priv_key,
			max_per_operation, max_total_spend, total_spent,
			expires_at, active, registered_on_chain, registration_tx_ref,
			revoked_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, key.ID, key.AccountID, key.Address, key.PublicKey, key.EncryptedPrivKey,
		key.MaxPerOperation, key.MaxTotalSpend, key.TotalSpent,
		key.ExpiresAt, key.Active, key.RegisteredOnChain, key.RegistrationTxRef,
		key.RevokedAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return sessionkey.Key{}, err
	}
	return key, nil
}

const sessionKeyColumns = `
	id, account_id, address, public_key, encrypted_priv_key,
	max_per_operation, max_total_spend, total_spent,
	expires_at, active, registered_on_chain, registration_tx_ref,
	revoked_at, created_at, updated_at`

func scanSessionKey(row interface{ Scan(...interface{}) error }) (sessionkey.Key, error) {
	var key sessionkey.Key
	err := row.Scan(
		&key.ID, &key.AccountID, &key.Address, &key.PublicKey, &key.EncryptedPrivKey,
		&key.MaxPerOperation, &key.MaxTotalSpend, &key.TotalSpent,
		&key.ExpiresAt, &key.Active, &key.RegisteredOnChain, &key.RegistrationTxRef,
		&key.RevokedAt, &key.CreatedAt, &key.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return sessionkey.Key{}, storage.ErrNotFound
	}
	return key, err
}

func (s *Store) GetSessionKey(ctx context.Context, id string) (sessionkey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE id = $1
	`, id)
	return scanSessionKey(row)
}

func (s *Store) GetActiveSessionKey(ctx context.Context, address string, now time.Time) (sessionkey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE address = $1 AND active AND registered_on_chain AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, address, now)
	return scanSessionKey(row)
}

func (s *Store) UpdateSessionKey(ctx context.Context, key sessionkey.Key) (sessionkey.Key, error) {
	key.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE session_keys
		SET active = $2, registered_on_chain = $3, registration_tx_ref = $4,
		    revoked_at = $5, expires_at = $6, updated_at = $7
		WHERE id = $1
	`, key.ID, key.Active, key.RegisteredOnChain, key.RegistrationTxRef,
		key.RevokedAt, key.ExpiresAt, key.UpdatedAt)
	if err != nil {
		return sessionkey.Key{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sessionkey.Key{}, storage.ErrNotFound
	}
	return key, nil
}

func (s *Store) UpdateSpentCAS(ctx context.Context, id string, oldSpent, newSpent int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE session_keys
		SET total_spent = $3, updated_at = $4
		WHERE id = $1 AND total_spent = $2
	`, id, oldSpent, newSpent, time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) ListExpiredActive(ctx context.Context, now time.Time) ([]sessionkey.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionKeyColumns+`
		FROM session_keys
		WHERE active AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionkey.Key
	for rows.Next() {
		key, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *Store) NextNonce(ctx context.Context, accountID string) (uint64, error) {
	var nonce uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO account_nonces (account_id, nonce)
		VALUES ($1, 1)
		ON CONFLICT (account_id) DO UPDATE SET nonce = account_nonces.nonce + 1
		RETURNING nonce
	`, accountID).Scan(&nonce)
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// --- SettlementStore --------------------------------------------------------

func (s *Store) CreateSettlement(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = settlement.StatusPending
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, account_id, operation_ref, amount, status,
			failure_reason, tx_ref, submitted_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.AccountID, rec.OperationRef, rec.Amount, string(rec.Status),
		rec.FailureReason, rec.TxRef, rec.SubmittedAt, rec.CompletedAt)
	if err != nil {
		return settlement.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (settlement.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, operation_ref, amount, status,
		       failure_reason, tx_ref, submitted_at, completed_at
		FROM settlements
		WHERE id = $1
	`, id)

	var rec settlement.Record
	var status string
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.OperationRef, &rec.Amount, &status,
		&rec.FailureReason, &rec.TxRef, &rec.SubmittedAt, &rec.CompletedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return settlement.Record{}, err
	}
	rec.Status = settlement.Status(status)
	return rec, nil
}

func (s *Store) SetOperationRef(ctx context.Context, id, ref string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlements SET operation_ref = $2 WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSettlementTerminal(ctx context.Context, id string, status settlement.Status, reason, txRef string, at time.Time) error {
	if !status.Terminal() {
		return errors.Validation("status", "not a terminal status")
	}

	// The WHERE clause is the terminal guard: a record that already left
	// PENDING is never rewritten.
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = $2, failure_reason = $3, tx_ref = $4, completed_at = $5
		WHERE id = $1 AND status = $6
	`, id, string(status), reason, txRef, at, string(settlement.StatusPending))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetSettlement(ctx, id); stderrors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return errors.ErrTerminalState
	}
	return nil
}

func (s *Store) ListPendingSettlements(ctx context.Context) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, operation_ref, amount, status,
		       failure_reason, tx_ref, submitted_at, completed_at
		FROM settlements
		WHERE status = $1
		ORDER BY submitted_at
	`, string(settlement.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Record
	for rows.Next() {
		var rec settlement.Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.OperationRef, &rec.Amount, &status,
			&rec.FailureReason, &rec.TxRef, &rec.SubmittedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Status = settlement.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- CommitmentStore --------------------------------------------------------

func (s *Store) CreateCommitment(ctx context.Context, c milestone.Commitment) (milestone.Commitment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	leavesJSON, err := json.Marshal(c.Leaves)
	if err != nil {
		return milestone.Commitment{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO milestone_commitments (id, milestone_id, leaves, root_hash, commit_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.MilestoneID, leavesJSON, c.RootHash, c.CommitTxRef, c.CreatedAt)
	if isUniqueViolation(err) {
		return milestone.Commitment{}, errors.ErrAlreadyCommitted
	}
	if err != nil {
		return milestone.Commitment{}, err
	}
	return c, nil
}

func (s *Store) GetCommitment(ctx context.Context, milestoneID string) (milestone.Commitment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, milestone_id, leaves, root_hash, commit_tx_ref, created_at
		FROM milestone_commitments
		WHERE milestone_id = $1
	`, milestoneID)

	var c milestone.Commitment
	var leavesRaw []byte
	err := row.Scan(&c.ID, &c.MilestoneID, &leavesRaw, &c.RootHash, &c.CommitTxRef, &c.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return milestone.Commitment{}, storage.ErrNotFound
	}
	if err != nil {
		return milestone.Commitment{}, err
	}
	if err := json.Unmarshal(leavesRaw, &c.Leaves); err != nil {
		return milestone.Commitment{}, err
	}
	return c, nil
}

func (s *Store) SetCommitTxRef(ctx context.Context, id, txRef string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE milestone_commitments SET commit_tx_ref = $2 WHERE id = $1
	`, id, txRef)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- PayoutStore ------------------------------------------------------------

func (s *Store) CreatePayout(ctx context.Context, p milestone.PayoutRequest) (milestone.PayoutRequest, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = milestone.PayoutPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	// The unique index on (leaf_id, root_hash) is the authoritative
	// double-payout guard.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_requests (id, commitment_id, leaf_id, root_hash, contributor, amount, status, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.CommitmentID, p.LeafID, p.RootHash, p.Contributor, p.Amount, string(p.Status), p.TxRef, p.CreatedAt)
	if isUniqueViolation(err) {
		return milestone.PayoutRequest{}, errors.ErrAlreadyPaid
	}
	if err != nil {
		return milestone.PayoutRequest{}, err
	}
	return p, nil
}

func (s *Store) GetPayoutByLeaf(ctx context.Context, leafID, rootHash string) (milestone.PayoutRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, commitment_id, leaf_id, root_hash, contributor, amount, status, tx_ref, created_at
		FROM payout_requests
		WHERE leaf_id = $1 AND root_hash = $2
	`, leafID, rootHash)
	return scanPayout(row)
}

func scanPayout(row interface{ Scan(...interface{}) error }) (milestone.PayoutRequest, error) {
	var p milestone.PayoutRequest
	var status string
	err := row.Scan(&p.ID, &p.CommitmentID, &p.LeafID, &p.RootHash, &p.Contributor, &p.Amount, &status, &p.TxRef, &p.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return milestone.PayoutRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return milestone.PayoutRequest{}, err
	}
	p.Status = milestone.PayoutStatus(status)
	return p, nil
}

func (s *Store) MarkPayoutSubmitted(ctx context.Context, id, txRef string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payout_requests SET status = $2, tx_ref = $3 WHERE id = $1
	`, id, string(milestone.PayoutSubmitted), txRef)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePayout(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM payout_requests WHERE id = $1`, id)
	return err
}

func (s *Store) ListPayouts(ctx context.Context, commitmentID string) ([]milestone.PayoutRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, commitment_id, leaf_id, root_hash, contributor, amount, status, tx_ref, created_at
		FROM payout_requests
		WHERE commitment_id = $1
		ORDER BY created_at
	`, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []milestone.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
