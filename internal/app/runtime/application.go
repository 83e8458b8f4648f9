// Package runtime wires the engine's stores, services, and HTTP surface
// into a single lifecycle-managed application.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/milestonepay/engine/internal/app/httpapi"
	paymentsvc "github.com/milestonepay/engine/internal/app/services/payment"
	payoutsvc "github.com/milestonepay/engine/internal/app/services/payout"
	sessionkeysvc "github.com/milestonepay/engine/internal/app/services/sessionkey"
	settlementsvc "github.com/milestonepay/engine/internal/app/services/settlement"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/app/storage/memory"
	"github.com/milestonepay/engine/internal/app/storage/postgres"
	"github.com/milestonepay/engine/internal/app/system"
	"github.com/milestonepay/engine/internal/chain"
	"github.com/milestonepay/engine/internal/config"
	"github.com/milestonepay/engine/internal/keyvault"
	"github.com/milestonepay/engine/internal/operation"
	"github.com/milestonepay/engine/internal/relay"
	"github.com/milestonepay/engine/pkg/logger"
)

// Stores groups the persistence interfaces the application needs.
type Stores struct {
	SessionKeys storage.SessionKeyStore
	Settlements storage.SettlementStore
	Commitments storage.CommitmentStore
	Payouts     storage.PayoutStore
}

// Application owns the wired services and the HTTP server.
type Application struct {
	cfg     config.Config
	log     *logger.Logger
	manager *system.Manager
	server  *http.Server
	db      *sql.DB
	cache   *redis.Client

	SessionKeys *sessionkeysvc.Service
	Payments    *paymentsvc.Service
	Settlements *settlementsvc.Service
	Payouts     *payoutsvc.Service
}

// NewApplication builds the application from configuration. It refuses to
// start without a valid vault encryption key and migrates the database when
// one is configured.
func NewApplication(cfg config.Config) (*Application, error) {
	log := logger.New(cfg.LoggingConfig("engine"))

	vault, err := keyvault.NewFromString(cfg.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vault encryption key: %w", err)
	}

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, err
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		Timeout:        cfg.Chain.Timeout,
		OperatorKeyHex: cfg.Chain.OperatorKey,
	})
	if err != nil {
		return nil, fmt.Errorf("chain client: %w", err)
	}
	addrs, err := chain.LoadAddresses(cfg.Chain.AddressesPath)
	if err != nil {
		return nil, fmt.Errorf("contract addresses: %w", err)
	}
	contracts := chain.NewContracts(chainClient, addrs)

	transport, err := relay.NewClient(relay.Config{
		URL:               cfg.Relay.URL,
		Timeout:           cfg.Relay.Timeout,
		MaxRetries:        cfg.Relay.MaxRetries,
		RequestsPerSecond: cfg.Relay.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("relay client: %w", err)
	}

	keys := sessionkeysvc.New(stores.SessionKeys, vault, contracts, log.Named("sessionkey"))
	sweeper := sessionkeysvc.NewSweeper(stores.SessionKeys, log.Named("sweeper"), cfg.Sweeper.Schedule)

	settlements := settlementsvc.New(settlementsvc.Config{
		Store:             stores.Settlements,
		Transport:         transport,
		Log:               log.Named("settlement"),
		ForegroundTimeout: cfg.Settlement.ForegroundTimeout,
		BackgroundTimeout: cfg.Settlement.BackgroundTimeout,
		PollInterval:      cfg.Settlement.PollInterval,
	})

	builder := operation.NewBuilder(operation.BuilderConfig{
		Store:     stores.SessionKeys,
		Vault:     vault,
		Paymaster: cfg.Relay.Paymaster,
		Log:       log.Named("builder"),
	})
	payments := paymentsvc.New(keys, builder, settlements, log.Named("payment"))

	payouts := payoutsvc.New(payoutsvc.Config{
		Commitments: stores.Commitments,
		Payouts:     stores.Payouts,
		Chain:       contracts,
		Cache:       cache,
		Log:         log.Named("payout"),
	})

	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		SessionKeys: keys,
		Payments:    payments,
		Settlements: stores.Settlements,
		Payouts:     payouts,
		Auth: httpapi.AuthConfig{
			JWTSecret: []byte(cfg.HTTP.JWTSecret),
			APIKeys:   cfg.HTTP.APIKeys,
		},
		Log: log.Named("httpapi"),
	})

	manager := system.NewManager()
	for _, svc := range []system.Service{settlements, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		cfg:     cfg,
		log:     log,
		manager: manager,
		server: &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		db:          db,
		cache:       cache,
		SessionKeys: keys,
		Payments:    payments,
		Settlements: settlements,
		Payouts:     payouts,
	}, nil
}

// Run starts the background services and the HTTP server, then blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server first, then drains the background services
// and closes the store connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warnf("http server shutdown: %v", err)
	}
	if err := a.manager.Stop(shutdownCtx); err != nil {
		a.log.Warnf("service shutdown: %v", err)
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warnf("close redis: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warnf("close database: %v", err)
		}
	}
	return nil
}

// buildStores opens postgres when DATABASE_URL is set, otherwise falls back
// to the in-memory store.
func buildStores(cfg config.Config, log *logger.Logger) (Stores, *sql.DB, error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		mem := memory.New()
		return Stores{
			SessionKeys: mem,
			Settlements: mem,
			Commitments: mem,
			Payouts:     mem,
		}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}

	if err := postgres.Migrate(db); err != nil {
		db.Close()
		return Stores{}, nil, fmt.Errorf("migrate database: %w", err)
	}

	store := postgres.New(db)
	return Stores{
		SessionKeys: store,
		Settlements: store,
		Commitments: store,
		Payouts:     store,
	}, db, nil
}
