package sessionkey

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/app/system"
	"github.com/milestonepay/engine/pkg/logger"
)

// Sweeper periodically deactivates keys whose expiry has passed. Expired
// keys are already unusable through the selection rule; the sweeper keeps
// the stored state honest for audit queries and on-chain reconciliation.
type Sweeper struct {
	store    storage.SessionKeyStore
	log      *logger.Logger
	schedule string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper running on the given cron schedule
// ("@every 1m" when empty).
func NewSweeper(store storage.SessionKeyStore, log *logger.Logger, schedule string) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sessionkey-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{store: store, log: log, schedule: schedule}
}

func (s *Sweeper) Name() string { return "sessionkey-sweeper" }

// Start schedules the sweep job.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Infof("expiry sweeper started, schedule %q", s.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.store.ListExpiredActive(ctx, time.Now())
	if err != nil {
		s.log.Errorf("list expired keys: %v", err)
		return
	}

	for _, key := range expired {
		key.Active = false
		if _, err := s.store.UpdateSessionKey(ctx, key); err != nil {
			s.log.Errorf("deactivate expired key %s: %v", key.ID, err)
			continue
		}
		s.log.Infof("session key %s expired and deactivated", key.ID)
	}
}
