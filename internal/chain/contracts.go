package chain

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/milestonepay/engine/internal/merkle"
)

// Addresses is the contract address book, loaded from YAML.
type Addresses struct {
	SessionKeyRegistry string `yaml:"session_key_registry"`
	CommitmentStorage  string `yaml:"commitment_storage"`
	MilestoneManager   string `yaml:"milestone_manager"`
}

// LoadAddresses reads the contract address book from path.
func LoadAddresses(path string) (Addresses, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Addresses{}, fmt.Errorf("read address book: %w", err)
	}

	var addrs Addresses
	if err := yaml.Unmarshal(data, &addrs); err != nil {
		return Addresses{}, fmt.Errorf("parse address book: %w", err)
	}
	if addrs.SessionKeyRegistry == "" || addrs.CommitmentStorage == "" || addrs.MilestoneManager == "" {
		return Addresses{}, fmt.Errorf("address book: all contract addresses are required")
	}
	return addrs, nil
}

// Contracts wraps the typed calls the engine makes against its on-chain
// collaborators.
type Contracts struct {
	client *Client
	addrs  Addresses
}

// NewContracts creates the typed contract surface.
func NewContracts(client *Client, addrs Addresses) *Contracts {
	return &Contracts{client: client, addrs: addrs}
}

// --- session-key registry ---------------------------------------------------

// RegisterSessionKey registers a delegated public key with its spend cap and
// expiry, returning the registration transaction reference.
func (c *Contracts) RegisterSessionKey(ctx context.Context, owner, publicKey string, maxTotalSpend int64, expiresAt time.Time) (string, error) {
	return c.client.Submit(ctx, ContractCall{
		Contract: c.addrs.SessionKeyRegistry,
		Method:   "register",
		Args:     []interface{}{owner, publicKey, maxTotalSpend, expiresAt.Unix()},
	})
}

// RevokeSessionKey revokes a delegated key in the registry.
func (c *Contracts) RevokeSessionKey(ctx context.Context, publicKey string) (string, error) {
	return c.client.Submit(ctx, ContractCall{
		Contract: c.addrs.SessionKeyRegistry,
		Method:   "revoke",
		Args:     []interface{}{publicKey},
	})
}

// IsSessionKeyValid checks registry-side validity of a delegated key.
func (c *Contracts) IsSessionKeyValid(ctx context.Context, publicKey string) (bool, error) {
	var valid bool
	err := c.client.Read(ctx, ContractCall{
		Contract: c.addrs.SessionKeyRegistry,
		Method:   "isValid",
		Args:     []interface{}{publicKey},
	}, &valid)
	return valid, err
}

// GetRemainingAllowance returns the registry's view of the key's unspent
// allowance.
func (c *Contracts) GetRemainingAllowance(ctx context.Context, publicKey string) (int64, error) {
	var remaining int64
	err := c.client.Read(ctx, ContractCall{
		Contract: c.addrs.SessionKeyRegistry,
		Method:   "getRemaining",
		Args:     []interface{}{publicKey},
	}, &remaining)
	return remaining, err
}

// --- commitment storage -----------------------------------------------------

// CommitRoot anchors a milestone's Merkle root on-chain.
func (c *Contracts) CommitRoot(ctx context.Context, milestoneID, rootHex string) (string, error) {
	return c.client.Submit(ctx, ContractCall{
		Contract: c.addrs.CommitmentStorage,
		Method:   "commitRoot",
		Args:     []interface{}{milestoneID, rootHex},
	})
}

// GetRoot reads the anchored root for a milestone.
func (c *Contracts) GetRoot(ctx context.Context, milestoneID string) (string, error) {
	var root string
	err := c.client.Read(ctx, ContractCall{
		Contract: c.addrs.CommitmentStorage,
		Method:   "getRoot",
		Args:     []interface{}{milestoneID},
	}, &root)
	return root, err
}

// --- milestone manager ------------------------------------------------------

// RequestPayout submits a proven payout-execution call for one leaf. The
// proof is re-checked by the contract; the local verification that precedes
// this call only exists to catch tree-construction defects before gas is
// spent.
func (c *Contracts) RequestPayout(ctx context.Context, milestoneID string, leaf merkle.Leaf, proof merkle.Proof, contributor string) (string, error) {
	return c.client.Submit(ctx, ContractCall{
		Contract: c.addrs.MilestoneManager,
		Method:   "requestPayout",
		Args: []interface{}{
			milestoneID,
			map[string]interface{}{"id": leaf.ID, "amount": leaf.Amount},
			map[string]interface{}{"siblings": proof.SiblingsHex(), "right": proof.Right},
			contributor,
		},
	})
}
