// Package settlement defines the local tracking record for in-flight and
// completed on-chain operations.
package settlement

import (
	"time"

	"github.com/milestonepay/engine/internal/errors"
)

// Status is the closed set of settlement states. The only legal transitions
// are PENDING -> SUCCESS and PENDING -> FAILED; no edge leaves a terminal
// state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a member of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Record tracks one submitted operation from relay acceptance to its
// terminal state.
type Record struct {
	ID            string
	AccountID     string
	OperationRef  string // reference returned by the relay on submission
	Amount        int64
	Status        Status
	FailureReason string
	TxRef         string // on-chain transaction reference once executed
	SubmittedAt   time.Time
	CompletedAt   *time.Time
}

// Succeed moves the record to SUCCESS. It fails if the record is already
// terminal, which enforces the single-transition contract at the type level.
func (r *Record) Succeed(txRef string, at time.Time) error {
	if r.Status.Terminal() {
		return errors.ErrTerminalState
	}
	r.Status = StatusSuccess
	r.TxRef = txRef
	r.CompletedAt = &at
	return nil
}

// Fail moves the record to FAILED with an explicit reason. It fails if the
// record is already terminal.
func (r *Record) Fail(reason string, at time.Time) error {
	if r.Status.Terminal() {
		return errors.ErrTerminalState
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.CompletedAt = &at
	return nil
}
