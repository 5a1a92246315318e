//go:build sqlite && postgres

package main

import (
	"context"
	"strings"

	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/observability"
)

// selectStore picks a backend from the DSN scheme when built with both
// database tags: postgres:// DSNs get PostgreSQL, anything else SQLite.
func selectStore(logger observability.Logger, dsn string) (auth.Store, audit.Recorder, func() error) {
	memory := func() (auth.Store, audit.Recorder, func() error) {
		return auth.NewMemoryStore(), audit.NewMemoryRecorder(), func() error { return nil }
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		ctx := context.Background()
		st, err := auth.NewPostgresStore(ctx, dsn)
		if err != nil {
			logger.Warn("postgres init failed, falling back to memory store", "error", err)
			return memory()
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

	if dsn == "" {
		dsn = "file:idbridge.db?cache=shared&_fk=1"
	}
	st, err := auth.NewSQLiteStore(dsn)
	if err != nil {
		logger.Warn("sqlite init failed, falling back to memory store", "error", err)
		return memory()
	}
	rec, err := audit.NewSQLiteRecorderFromDB(st.DB())
	if err != nil {
		logger.Warn("sqlite audit init failed, auditing to memory", "error", err)
		logger.Info("using sqlite store", "dsn", dsn)
		return st, audit.NewMemoryRecorder(), st.Close
	}
	logger.Info("using sqlite store", "dsn", dsn)
	return st, rec, st.Close
}
