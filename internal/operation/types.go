// Package operation assembles and signs payment-authorization operations.
//
// An operation is a meta-transaction: a canonical payload authorizing one
// specific payment, hashed deterministically and signed with a delegated
// session key. The relay verifies the signature against the key registered
// on-chain and executes the payment through the smart-account contract.
package operation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
)

// GasParams carries the relay gas parameters attached to every operation.
type GasParams struct {
	CallGasLimit         uint64 `json:"callGasLimit"`
	VerificationGasLimit uint64 `json:"verificationGasLimit"`
	MaxFeePerGas         uint64 `json:"maxFeePerGas"`
}

// DefaultGasParams are applied when the caller does not override them.
func DefaultGasParams() GasParams {
	return GasParams{
		CallGasLimit:         150_000,
		VerificationGasLimit: 80_000,
		MaxFeePerGas:         1_000,
	}
}

// Payload is the canonical payment-authorization payload. Field order is
// irrelevant: the signing hash is computed over the RFC 8785 canonical JSON
// form, so sender and relay always hash identical bytes.
type Payload struct {
	Sender        string    `json:"sender"`
	Nonce         uint64    `json:"nonce"`
	CallData      string    `json:"callData"`
	Gas           GasParams `json:"gas"`
	Paymaster     string    `json:"paymaster,omitempty"`
	PaymasterData string    `json:"paymasterData,omitempty"`
}

// CanonicalHash returns SHA-256 over the canonical JSON encoding of the
// payload.
func (p Payload) CanonicalHash() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// Signed is a payload plus its hash and delegated-key signature, ready for
// relay submission.
type Signed struct {
	Payload      Payload `json:"payload"`
	Hash         string  `json:"hash"`
	Signature    string  `json:"signature"`
	SessionKeyID string  `json:"sessionKeyId"`
}

// EncodeTransfer encodes a "spend N to dest" instruction as hex call data:
// a 4-byte selector over the method signature followed by the destination
// and the decimal amount.
func EncodeTransfer(dest string, amount int64) string {
	selector := sha256.Sum256([]byte("transfer(address,uint256)"))
	data := append([]byte{}, selector[:4]...)
	data = append(data, []byte(dest)...)
	data = append(data, ':')
	data = append(data, []byte(strconv.FormatInt(amount, 10))...)
	return hex.EncodeToString(data)
}
