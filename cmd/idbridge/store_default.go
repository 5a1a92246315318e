//go:build !sqlite && !postgres

package main

import (
	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/observability"
)

// selectStore returns in-memory stores when built without a database tag.
// If a DSN is set, log a hint to rebuild with -tags sqlite or -tags postgres.
func selectStore(logger observability.Logger, dsn string) (auth.Store, audit.Recorder, func() error) {
	if dsn != "" {
		logger.Warn("database_dsn set, but binary not built with -tags sqlite or -tags postgres; using in-memory store")
	}
	logger.Info("using in-memory store")
	return auth.NewMemoryStore(), audit.NewMemoryRecorder(), func() error { return nil }
}
