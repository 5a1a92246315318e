//go:build sqlite && !postgres

package main

import (
	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/observability"
)

// selectStore returns a SQLite-backed store when built with the 'sqlite' tag.
// The audit recorder shares the same database file.
func selectStore(logger observability.Logger, dsn string) (auth.Store, audit.Recorder, func() error) {
	if dsn == "" {
		dsn = "file:idbridge.db?cache=shared&_fk=1"
	}
	st, err := auth.NewSQLiteStore(dsn)
	if err != nil {
		logger.Warn("sqlite init failed, falling back to memory store", "error", err)
		return auth.NewMemoryStore(), audit.NewMemoryRecorder(), func() error { return nil }
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
