// Package settlement submits signed operations to the relay and tracks
// their confirmation to a terminal state.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/app/metrics"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/app/system"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/operation"
	"github.com/milestonepay/engine/internal/relay"
	"github.com/milestonepay/engine/pkg/logger"
)

// TimeoutReason is the failure reason recorded when a settlement never
// confirms inside the watch window.
const TimeoutReason = "confirmation timeout"

// Timing defaults per the concurrency model: short foreground bound, long
// background bound.
const (
	DefaultForegroundTimeout = 60 * time.Second
	DefaultBackgroundTimeout = 5 * time.Minute
	DefaultPollInterval      = 2 * time.Second
)

// Config holds settlement service configuration.
type Config struct {
	Store             storage.SettlementStore
	Transport         relay.Transport
	Log               *logger.Logger
	ForegroundTimeout time.Duration
	BackgroundTimeout time.Duration
	PollInterval      time.Duration
}

// Service submits operations and runs one background watcher per in-flight
// settlement. Watchers for different operations touch disjoint records, so
// they need no locking between them; the service only coordinates their
// lifecycle.
type Service struct {
	store     storage.SettlementStore
	transport relay.Transport
	log       *logger.Logger

	foregroundTimeout time.Duration
	backgroundTimeout time.Duration
	pollInterval      time.Duration

	mu       sync.Mutex
	wg       sync.WaitGroup
	watchCtx context.Context
	cancel   context.CancelFunc
	running  bool
}

var _ system.Service = (*Service)(nil)

// New creates the settlement service.
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	s := &Service{
		store:             cfg.Store,
		transport:         cfg.Transport,
		log:               log,
		foregroundTimeout: cfg.ForegroundTimeout,
		backgroundTimeout: cfg.BackgroundTimeout,
		pollInterval:      cfg.PollInterval,
	}
	if s.foregroundTimeout <= 0 {
		s.foregroundTimeout = DefaultForegroundTimeout
	}
	if s.backgroundTimeout <= 0 {
		s.backgroundTimeout = DefaultBackgroundTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	return s
}

func (s *Service) Name() string { return "settlement-watchers" }

// Start enables watcher scheduling and resumes a watcher for every record
// still PENDING from a previous run, so in-flight settlements survive
// process restarts.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.watchCtx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	pending, err := s.store.ListPendingSettlements(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		s.spawnWatcher(rec)
	}
	if len(pending) > 0 {
		s.log.Infof("resumed %d pending settlement watchers", len(pending))
	}
	return nil
}

// Stop cancels all watchers and waits for them to drain. Cancelled watchers
// leave their records PENDING; the next Start resumes them.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends a signed operation to the relay and returns its operation
// reference. Relay rejections surface as *errors.RelayError.
func (s *Service) Submit(ctx context.Context, op operation.Signed) (string, error) {
	ref, err := s.transport.SendOperation(ctx, op)
	if err != nil {
		if errors.IsRelayRejection(err) {
			metrics.OperationSubmitted("rejected")
		} else {
			metrics.OperationSubmitted("error")
		}
		return "", err
	}
	metrics.OperationSubmitted("accepted")
	return ref, nil
}

// Poll performs a single non-blocking receipt check; (nil, nil) means the
// operation is still in flight.
func (s *Service) Poll(ctx context.Context, ref string) (*relay.Receipt, error) {
	return s.transport.GetOperationReceipt(ctx, ref)
}

// WaitFor polls for a receipt until timeout, falling back to the configured
// foreground timeout when the caller passes none. It returns (nil, nil) when
// the timeout elapses without one.
func (s *Service) WaitFor(ctx context.Context, ref string, timeout, interval time.Duration) (*relay.Receipt, error) {
	if timeout <= 0 {
		timeout = s.foregroundTimeout
	}
	if interval <= 0 {
		interval = s.pollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			receipt, err := s.Poll(ctx, ref)
			if err != nil {
				if errors.IsRetryable(err) {
					continue
				}
				return nil, err
			}
			if receipt != nil {
				return receipt, nil
			}
		}
	}
}

// SubmitAndTrack persists a PENDING record, submits the operation, and
// launches a background watcher that performs exactly one terminal
// transition. The caller is not blocked on confirmation.
func (s *Service) SubmitAndTrack(ctx context.Context, op operation.Signed, rec settlement.Record) (settlement.Record, error) {
	rec.Status = settlement.StatusPending
	rec.SubmittedAt = time.Now().UTC()
	rec, err := s.store.CreateSettlement(ctx, rec)
	if err != nil {
		return settlement.Record{}, err
	}

	ref, err := s.Submit(ctx, op)
	if err != nil {
		// The operation never reached the relay; the record fails
		// immediately rather than dangling in PENDING.
		if markErr := s.markFailed(ctx, rec, err.Error()); markErr != nil {
			s.log.Errorf("mark settlement %s failed: %v", rec.ID, markErr)
		}
		return settlement.Record{}, err
	}

	rec.OperationRef = ref
	if err := s.store.SetOperationRef(ctx, rec.ID, ref); err != nil {
		return settlement.Record{}, err
	}

	s.spawnWatcher(rec)
	return rec, nil
}

func (s *Service) spawnWatcher(rec settlement.Record) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warnf("watcher pool stopped; settlement %s stays pending until restart", rec.ID)
		return
	}
	ctx := s.watchCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.watch(ctx, rec)
	}()
}

// watch waits for the receipt and performs the record's single terminal
// transition. A record already terminal (late receipt after timeout, or a
// concurrent writer) is left untouched.
func (s *Service) watch(ctx context.Context, rec settlement.Record) {
	receipt, err := s.WaitFor(ctx, rec.OperationRef, s.backgroundTimeout, s.pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the record PENDING for the next run.
			return
		}
		s.log.Errorf("watch settlement %s: %v", rec.ID, err)
		if markErr := s.markFailed(ctx, rec, err.Error()); markErr != nil && !errors.Is(markErr, errors.ErrTerminalState) {
			s.log.Errorf("mark settlement %s failed: %v", rec.ID, markErr)
		}
		return
	}

	switch {
	case receipt == nil:
		err = s.markFailed(ctx, rec, TimeoutReason)
	case receipt.Success:
		err = s.store.MarkSettlementTerminal(ctx, rec.ID, settlement.StatusSuccess, "", receipt.TxHash, time.Now().UTC())
		if err == nil {
			metrics.SettlementCompleted(string(settlement.StatusSuccess), rec.SubmittedAt)
			s.log.Infof("settlement %s confirmed in tx %s", rec.ID, receipt.TxHash)
		}
	default:
		reason := receipt.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		err = s.markFailed(ctx, rec, reason)
	}

	if err != nil && !errors.Is(err, errors.ErrTerminalState) {
		s.log.Errorf("finalize settlement %s: %v", rec.ID, err)
	}
}

func (s *Service) markFailed(ctx context.Context, rec settlement.Record, reason string) error {
	err := s.store.MarkSettlementTerminal(ctx, rec.ID, settlement.StatusFailed, reason, "", time.Now().UTC())
	if err == nil {
		metrics.SettlementCompleted(string(settlement.StatusFailed), rec.SubmittedAt)
		s.log.Warnf("settlement %s failed: %s", rec.ID, reason)
	}
	return err
}
