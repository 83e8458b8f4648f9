// Package milestone defines Merkle commitments over milestone payout leaves
// and the payout requests proven against them.
package milestone

import (
	"sort"
	"time"
)

// Leaf is one payable sub-task within a milestone snapshot.
type Leaf struct {
	ID     string
	Amount int64
}

// Commitment is an immutable snapshot of a milestone's full leaf set with
// its Merkle root. Leaves are stored in the canonical id-sorted order used
// for tree construction, so the same set always yields the same root. Any
// later change to the leaf set requires a new commitment, never an in-place
// edit.
type Commitment struct {
	ID          string
	MilestoneID string
	Leaves      []Leaf // id-sorted
	RootHash    string // hex
	CommitTxRef string
	CreatedAt   time.Time
}

// Leaf returns the leaf with the given id, if present.
func (c Commitment) Leaf(id string) (Leaf, bool) {
	for _, l := range c.Leaves {
		if l.ID == id {
			return l, true
		}
	}
	return Leaf{}, false
}

// SortLeaves returns a copy of leaves in the canonical bytewise-ascending id
// order required for a deterministic root.
func SortLeaves(leaves []Leaf) []Leaf {
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// PayoutStatus tracks a payout request through submission.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutSubmitted PayoutStatus = "SUBMITTED"
)

// PayoutRequest records one proven payout. The (LeafID, RootHash) pair is
// its idempotency key: at most one request may exist for a leaf under a
// given commitment root.
type PayoutRequest struct {
	ID           string
	CommitmentID string
	LeafID       string
	RootHash     string
	Contributor  string
	Amount       int64
	Status       PayoutStatus
	TxRef        string
	CreatedAt    time.Time
}

// IdempotencyKey derives the double-payout guard key for a leaf under a
// specific commitment root.
func IdempotencyKey(leafID, rootHash string) string {
	return leafID + ":" + rootHash
}
