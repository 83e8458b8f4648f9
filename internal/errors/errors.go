// Package errors defines the error taxonomy shared across the engine.
//
// The taxonomy determines handling: validation errors are rejected
// immediately, authorization errors are terminal for the caller, network
// errors may be retried with backoff, and proof errors halt the payout path.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers.
var (
	// ErrDecryption indicates an authentication tag mismatch while
	// decrypting key material. Treated as tampering, never retried.
	ErrDecryption = errors.New("keyvault: decryption failed")

	// ErrNoActiveKey indicates no usable session key exists for an address.
	ErrNoActiveKey = errors.New("session key: no active key")

	// ErrKeyExpired indicates the selected session key has passed expiry.
	ErrKeyExpired = errors.New("session key: expired")

	// ErrSpendCapExceeded indicates a usage recording would push the key
	// past its total spend cap. The key is auto-revoked when this occurs.
	ErrSpendCapExceeded = errors.New("session key: spend cap exceeded")

	// ErrAlreadyPaid indicates a payout for the same (leaf, root) pair was
	// already recorded.
	ErrAlreadyPaid = errors.New("payout: leaf already paid under this root")

	// ErrTerminalState indicates an attempted write to a settlement record
	// that already reached SUCCESS or FAILED.
	ErrTerminalState = errors.New("settlement: record already terminal")

	// ErrAlreadyCommitted indicates a milestone already has a commitment.
	// Leaf sets are immutable once committed; a change requires a new
	// commitment for a new milestone snapshot.
	ErrAlreadyCommitted = errors.New("commitment: milestone already committed")
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation constructs a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NetworkError wraps a transient transport failure. Eligible for bounded
// retry with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Network wraps err as a retryable transport failure.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// IsRetryable reports whether err represents a transient failure worth
// retrying. Relay rejections and everything else are terminal.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// RelayError is a definitive rejection from the relay: invalid signature,
// nonce conflict, or insufficient relay float. Never retried.
type RelayError struct {
	Code    int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay rejected (%d): %s", e.Code, e.Message)
}

// IsRelayRejection reports whether err is a relay rejection.
func IsRelayRejection(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}

// ProofError indicates a locally derived proof failed to verify against the
// committed root. This is a commitment or tree-construction defect, not a
// user error: the payout path must halt, never submit on-chain, and never
// retry.
type ProofError struct {
	LeafID string
	Reason string
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("proof: leaf %s: %s", e.LeafID, e.Reason)
}

// IsProof reports whether err is a ProofError.
func IsProof(err error) bool {
	var pe *ProofError
	return errors.As(err, &pe)
}

// BuildError indicates an operation could not be assembled or signed, for
// example because the session key is no longer usable or its material could
// not be decrypted.
type BuildError struct {
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build operation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("build operation: %s", e.Reason)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Build constructs a BuildError wrapping err.
func Build(reason string, err error) error {
	return &BuildError{Reason: reason, Err: err}
}

// Is re-exports errors.Is for callers that already import this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }
