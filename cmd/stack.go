// File: cmd/stack.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/formforge/autoapply/internal/browser"
	"github.com/formforge/autoapply/internal/cache"
	"github.com/formforge/autoapply/internal/config"
	"github.com/formforge/autoapply/internal/engine"
	"github.com/formforge/autoapply/internal/extract"
	"github.com/formforge/autoapply/internal/fill"
	"github.com/formforge/autoapply/internal/generate"
	"github.com/formforge/autoapply/internal/observability"
	"github.com/formforge/autoapply/internal/store"
	"github.com/formforge/autoapply/internal/verify"
)

// stack bundles the long-lived components a command needs.
type stack struct {
	pool   *browser.SessionPool
	engine *engine.Engine
}

// buildStack wires the session pool, extraction, verification, generation,
// cache, and fill layers into a runnable engine.
func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	generator, err := generate.NewClient(ctx, cfg.Generation, logger)
	if err != nil {
		return nil, err
	}

	pool := browser.NewSessionPool(cfg.Browser, logger)
	responseCache := cache.New(generator, cfg.Cache.TTL, cfg.Cache.MaxEntries, logger)
	eng := engine.New(
		pool,
		extract.New(logger),
		responseCache,
		verify.NewHandler(cfg.Solver, logger),
		fill.New(logger),
		logger,
	)

	return &stack{pool: pool, engine: eng}, nil
}

// close releases browser resources held by the stack.
func (s *stack) close(ctx context.Context) {
	if err := s.pool.Close(ctx); err != nil {
		observability.GetLogger().Warn("Failed to close session pool cleanly.", zap.Error(err))
	}
}

// openStore connects to the application database and ensures the schema.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, *pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("configuration error: database.url is required (set AUTOAPPLY_DATABASE_URL)")
	}

	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	st, err := store.New(ctx, dbPool, logger)
	if err != nil {
		dbPool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		dbPool.Close()
		return nil, nil, err
	}
	return st, dbPool, nil
}
