// Package payment orchestrates a delegated payment end to end: key
// selection, spend metering, operation signing, and settlement tracking.
package payment

import (
	"context"

	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/operation"
	"github.com/milestonepay/engine/pkg/logger"
)

// KeyManager is the session-key surface the payment flow needs.
type KeyManager interface {
	GetActive(ctx context.Context, address string) (sessionkey.Key, error)
	RecordUsage(ctx context.Context, id string, amount int64) error
}

// Builder signs an operation with a session key.
type Builder interface {
	Build(ctx context.Context, sessionKeyID, dest string, amount int64) (operation.Signed, error)
}

// Settler submits an operation and tracks it to a terminal state.
type Settler interface {
	SubmitAndTrack(ctx context.Context, op operation.Signed, rec settlement.Record) (settlement.Record, error)
}

// Service runs the payment data flow in a fixed order: the spend is metered
// against the cap before any signature exists, so a signed operation always
// represents spend that was already accounted for.
type Service struct {
	keys    KeyManager
	builder Builder
	settler Settler
	log     *logger.Logger
}

// New creates the payment service.
func New(keys KeyManager, builder Builder, settler Settler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &Service{keys: keys, builder: builder, settler: settler, log: log}
}

// Pay authorizes and submits a payment of amount to dest on behalf of the
// smart account at address. It returns the PENDING settlement record; the
// terminal outcome arrives asynchronously through the settlement watcher.
// A failed build or submission does not return the metered amount; the cap
// counts every authorized attempt.
func (s *Service) Pay(ctx context.Context, address, dest string, amount int64) (settlement.Record, error) {
	if address == "" {
		return settlement.Record{}, errors.Validation("address", "is required")
	}
	if dest == "" {
		return settlement.Record{}, errors.Validation("destination", "is required")
	}
	if amount <= 0 {
		return settlement.Record{}, errors.Validation("amount", "must be positive")
	}

	key, err := s.keys.GetActive(ctx, address)
	if err != nil {
		return settlement.Record{}, err
	}

	if err := s.keys.RecordUsage(ctx, key.ID, amount); err != nil {
		return settlement.Record{}, err
	}

	op, err := s.builder.Build(ctx, key.ID, dest, amount)
	if err != nil {
		return settlement.Record{}, err
	}

	rec, err := s.settler.SubmitAndTrack(ctx, op, settlement.Record{
		AccountID: key.AccountID,
		Amount:    amount,
	})
	if err != nil {
		return settlement.Record{}, err
	}

	s.log.Infof("payment of %d to %s submitted as settlement %s", amount, dest, rec.ID)
	return rec, nil
}
