package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/blob"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/config"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/ledger"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/modegate"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/observability"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/store"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

// app is the wired ledger and everything it owns.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	ledger  *ledger.Ledger
	obs     *observability.Provider
	pingers []func(ctx context.Context) error
	closers []func() error
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var sqlStore *store.SQLStore
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StorePostgres:
		s, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sqlStore = s
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqlStore = s
	}
	if err := sqlStore.Migrate(ctx); err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	return sqlStore, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	if p, isPinger := st.(interface{ Ping(context.Context) error }); isPinger {
		a.pingers = append(a.pingers, p.Ping)
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	if c, isCloser := blobs.(io.Closer); isCloser {
		a.closers = append(a.closers, c.Close)
	}

	var reservations idempotency.Reservations
	if rc, useRedis := cfg.Redis(); useRedis {
		r := idempotency.NewRedisReservations(rc)
		reservations = r
		a.pingers = append(a.pingers, r.Ping)
		a.closers = append(a.closers, r.Close)
	} else {
		reservations = idempotency.NewMemoryReservations()
	}

	dir, err := tenants.LoadDirectory(cfg.TenantsFile, cfg.DefaultTenantMode)
	if err != nil {
		return nil, err
	}
	gate, err := modegate.New(dir, cfg.QACallerPolicy)
	if err != nil {
		return nil, err
	}

	obs, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return nil, err
	}
	a.obs = obs

	a.ledger = ledger.New(st, blobs,
		idempotency.NewIndex(reservations, cfg.ReservationTTL),
		audit.NewChain(cfg.ChainGenesisSalt),
		gate,
		ledger.WithLogger(logger),
		ledger.WithObservability(obs),
	)
	logger.Info("ledger ready",
		"store", cfg.Store,
		"blob_backend", blobs.Scheme(),
		"redis", cfg.RedisAddr != "",
		"tenants_file", cfg.TenantsFile,
		"default_tenant_mode", cfg.DefaultTenantMode,
	)
	ok = true
	return a, nil
}

// ping checks every backing service.
func (a *app) ping(ctx context.Context) error {
	var errs []error
	for _, p := range a.pingers {
		errs = append(errs, p(ctx))
	}
	return errors.Join(errs...)
}

// tenantIDs returns the tenants named by flag, or every tenant in the store.
func (a *app) tenantIDs(ctx context.Context, tenant string) ([]string, error) {
	if tenant != "" {
		return []string{tenant}, nil
	}
	return a.store.Tenants(ctx)
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// systemCaller is the caller used by maintenance commands.
func systemCaller(tenantID, correlationID string) ledger.Caller {
	return ledger.Caller{TenantID: tenantID, ActorID: "system:ledgerd", CorrelationID: correlationID}
}
