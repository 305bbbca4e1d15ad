package store

import (
	"log/slog"

	"github.com/nextlevelbuilder/chatweave/internal/config"
	"github.com/nextlevelbuilder/chatweave/internal/store/pg"
	"github.com/nextlevelbuilder/chatweave/internal/store/sqlite"
)

// NewArchive picks the archive backend from config: Postgres when a DSN is
// set, otherwise local SQLite, otherwise a no-op sink.
func NewArchive(cfg config.DatabaseConfig) (ThreadArchive, error) {
	if cfg.PostgresDSN != "" {
		a, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		slog.Info("store: archive backend ready", "backend", "postgres")
		return a, nil
	}
	if cfg.SQLitePath != "" {
		a, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("store: archive backend ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return a, nil
	}
	slog.Warn("store: no archive backend configured, dead threads are discarded")
	return NopArchive{}, nil
}
