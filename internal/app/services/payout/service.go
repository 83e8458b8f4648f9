// Package payout manages milestone commitments, derives and verifies
// inclusion proofs, and submits proven payout requests on-chain.
package payout

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/milestonepay/engine/internal/app/domain/milestone"
	"github.com/milestonepay/engine/internal/app/metrics"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/merkle"
	"github.com/milestonepay/engine/pkg/logger"
)

// ChainClient is the on-chain surface the payout path needs: commitment
// anchoring and payout execution through the verifier-authorized signer.
type ChainClient interface {
	CommitRoot(ctx context.Context, milestoneID, rootHex string) (string, error)
	GetRoot(ctx context.Context, milestoneID string) (string, error)
	RequestPayout(ctx context.Context, milestoneID string, leaf merkle.Leaf, proof merkle.Proof, contributor string) (string, error)
}

// Config holds payout service configuration.
type Config struct {
	Commitments storage.CommitmentStore
	Payouts     storage.PayoutStore
	Chain       ChainClient
	Hasher      merkle.LeafHasher
	// Cache is an optional fast-path duplicate check. The authoritative
	// double-payout guard is the store's unique (leaf, root) constraint.
	Cache *redis.Client
	Log   *logger.Logger
}

// Service implements commitment creation, proof derivation and
// verification, and idempotent payout submission.
type Service struct {
	commitments storage.CommitmentStore
	payouts     storage.PayoutStore
	chain       ChainClient
	hasher      merkle.LeafHasher
	cache       *redis.Client
	log         *logger.Logger
}

// New creates the payout service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("payout")
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = merkle.SHA256Hasher{}
	}
	return &Service{
		commitments: cfg.Commitments,
		payouts:     cfg.Payouts,
		chain:       cfg.Chain,
		hasher:      hasher,
		cache:       cfg.Cache,
		log:         log,
	}
}

// CreateCommitment builds the Merkle tree over the milestone's full leaf
// set, persists the commitment, and anchors the root on-chain. A milestone
// can be committed exactly once; a changed leaf set needs a new milestone
// snapshot.
func (s *Service) CreateCommitment(ctx context.Context, milestoneID string, leaves []milestone.Leaf) (milestone.Commitment, error) {
	if milestoneID == "" {
		return milestone.Commitment{}, errors.Validation("milestoneId", "is required")
	}
	if len(leaves) == 0 {
		return milestone.Commitment{}, errors.Validation("leaves", "at least one leaf required")
	}
	for _, leaf := range leaves {
		if leaf.ID == "" {
			return milestone.Commitment{}, errors.Validation("leaves", "leaf id is required")
		}
		if leaf.Amount <= 0 {
			return milestone.Commitment{}, errors.Validation("leaves", "leaf amount must be positive")
		}
	}

	tree, err := merkle.Build(toMerkleLeaves(leaves), s.hasher)
	if err != nil {
		return milestone.Commitment{}, err
	}

	commitment := milestone.Commitment{
		MilestoneID: milestoneID,
		Leaves:      milestone.SortLeaves(leaves),
		RootHash:    tree.RootHex(),
	}
	commitment, err = s.commitments.CreateCommitment(ctx, commitment)
	if err != nil {
		return milestone.Commitment{}, err
	}

	if s.chain != nil {
		txRef, err := s.chain.CommitRoot(ctx, milestoneID, commitment.RootHash)
		if err != nil {
			return milestone.Commitment{}, err
		}
		commitment.CommitTxRef = txRef
		if err := s.commitments.SetCommitTxRef(ctx, commitment.ID, txRef); err != nil {
			return milestone.Commitment{}, err
		}
		s.log.Infof("milestone %s committed, root %s, tx %s", milestoneID, commitment.RootHash, txRef)
	}

	return commitment, nil
}

// GetCommitment returns the stored commitment for a milestone.
func (s *Service) GetCommitment(ctx context.Context, milestoneID string) (milestone.Commitment, error) {
	return s.commitments.GetCommitment(ctx, milestoneID)
}

// Prove rebuilds the committed tree and derives the inclusion proof for one
// leaf. The recomputed root must match the stored root exactly; a mismatch
// means the commitment or the builder is defective and the payout path must
// halt.
func (s *Service) Prove(ctx context.Context, milestoneID, leafID string) (merkle.Proof, merkle.Leaf, error) {
	commitment, err := s.commitments.GetCommitment(ctx, milestoneID)
	if err != nil {
		return merkle.Proof{}, merkle.Leaf{}, err
	}

	domainLeaf, ok := commitment.Leaf(leafID)
	if !ok {
		return merkle.Proof{}, merkle.Leaf{}, errors.Validation("leafId", "not part of the commitment")
	}
	leaf := merkle.Leaf{ID: domainLeaf.ID, Amount: domainLeaf.Amount}

	tree, err := merkle.Build(toMerkleLeaves(commitment.Leaves), s.hasher)
	if err != nil {
		return merkle.Proof{}, merkle.Leaf{}, err
	}
	if tree.RootHex() != commitment.RootHash {
		return merkle.Proof{}, merkle.Leaf{}, &errors.ProofError{
			LeafID: leafID,
			Reason: "recomputed root does not match committed root",
		}
	}

	proof, err := tree.Prove(leafID)
	if err != nil {
		return merkle.Proof{}, merkle.Leaf{}, err
	}
	return proof, leaf, nil
}

// Verify checks a proof against a hex root.
func (s *Service) Verify(proof merkle.Proof, rootHex string, leaf merkle.Leaf) bool {
	root, err := decodeHex(rootHex)
	if err != nil {
		return false
	}
	return merkle.Verify(proof, root, leaf, s.hasher)
}

// SubmitPayout derives and locally verifies the proof for a leaf, records
// the payout request, and executes it on-chain. The (leafID, rootHash)
// insert happens before submission, so two concurrent requests for the same
// leaf cannot both reach the chain: the loser gets ErrAlreadyPaid.
func (s *Service) SubmitPayout(ctx context.Context, milestoneID, leafID, contributor string) (milestone.PayoutRequest, error) {
	if contributor == "" {
		return milestone.PayoutRequest{}, errors.Validation("contributor", "is required")
	}

	commitment, err := s.commitments.GetCommitment(ctx, milestoneID)
	if err != nil {
		return milestone.PayoutRequest{}, err
	}

	guard := milestone.IdempotencyKey(leafID, commitment.RootHash)
	if s.alreadyPaid(ctx, guard) {
		metrics.PayoutRequested("duplicate")
		return milestone.PayoutRequest{}, errors.ErrAlreadyPaid
	}

	proof, leaf, err := s.Prove(ctx, milestoneID, leafID)
	if err != nil {
		if errors.IsProof(err) {
			metrics.PayoutRequested("proof_error")
		}
		return milestone.PayoutRequest{}, err
	}

	// Local verification catches tree-construction bugs before any gas is
	// spent; the contract re-checks the same proof on-chain.
	if !s.Verify(proof, commitment.RootHash, leaf) {
		metrics.PayoutRequested("proof_error")
		return milestone.PayoutRequest{}, &errors.ProofError{
			LeafID: leafID,
			Reason: "local verification failed against committed root",
		}
	}

	request := milestone.PayoutRequest{
		CommitmentID: commitment.ID,
		LeafID:       leafID,
		RootHash:     commitment.RootHash,
		Contributor:  contributor,
		Amount:       leaf.Amount,
		Status:       milestone.PayoutPending,
	}
	request, err = s.payouts.CreatePayout(ctx, request)
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyPaid) {
			metrics.PayoutRequested("duplicate")
		}
		return milestone.PayoutRequest{}, err
	}

	txRef, err := s.chain.RequestPayout(ctx, milestoneID, leaf, proof, contributor)
	if err != nil {
		// Release the idempotency slot: this leaf was never paid and must
		// remain payable.
		if delErr := s.payouts.DeletePayout(ctx, request.ID); delErr != nil {
			s.log.Errorf("release payout slot %s: %v", request.ID, delErr)
		}
		metrics.PayoutRequested("error")
		return milestone.PayoutRequest{}, err
	}

	if err := s.payouts.MarkPayoutSubmitted(ctx, request.ID, txRef); err != nil {
		return milestone.PayoutRequest{}, err
	}
	request.Status = milestone.PayoutSubmitted
	request.TxRef = txRef
	s.rememberPaid(ctx, guard)
	metrics.PayoutRequested("submitted")
	s.log.Infof("payout for leaf %s submitted to %s, tx %s", leafID, contributor, txRef)
	return request, nil
}

// alreadyPaid is the cache fast path; a cache miss falls through to the
// store constraint.
func (s *Service) alreadyPaid(ctx context.Context, guard string) bool {
	if s.cache == nil {
		return false
	}
	exists, err := s.cache.Exists(ctx, cacheKey(guard)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

func (s *Service) rememberPaid(ctx context.Context, guard string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(guard), 1, 24*time.Hour).Err(); err != nil {
		s.log.Warnf("cache payout guard %s: %v", guard, err)
	}
}

func cacheKey(guard string) string {
	return "payout:" + guard
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func toMerkleLeaves(leaves []milestone.Leaf) []merkle.Leaf {
	out := make([]merkle.Leaf, len(leaves))
	for i, leaf := range leaves {
		out[i] = merkle.Leaf{ID: leaf.ID, Amount: leaf.Amount}
	}
	return out
}
