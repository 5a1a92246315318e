//go:build postgres && !sqlite

package main

import (
	"context"

	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/observability"
)

// selectStore returns a PostgreSQL-backed store when built with the
// 'postgres' tag. The audit recorder shares the connection pool.
func selectStore(logger observability.Logger, dsn string) (auth.Store, audit.Recorder, func() error) {
	ctx := context.Background()
	if dsn == "" {
		logger.Warn("database_dsn not set, falling back to memory store")
		return auth.NewMemoryStore(), audit.NewMemoryRecorder(), func() error { return nil }
	}
	st, err := auth.NewPostgresStore(ctx, dsn)
	if err != nil {
		logger.Warn("postgres init failed, falling back to memory store", "error", err)
		return auth.NewMemoryStore(), audit.NewMemoryRecorder(), func() error { return nil }
	}
	rec, err := audit.NewPostgresRecorderFromPool(ctx, st.Pool())
	if err != nil {
		logger.Warn("postgres audit init failed, auditing to memory", "error", err)
		logger.Info("using postgres store")
		return st, audit.NewMemoryRecorder(), st.Close
	}
	logger.Info("using postgres store")
	return st, rec, st.Close
}
