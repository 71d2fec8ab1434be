package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xtxerr/telemetryd/internal/config"
)

// sqliteBackend is the embedded SQL engine. One local database file,
// WAL journaling by default, transactional batches, and per-message
// cleanup granularity.
type sqliteBackend struct {
	sqlStore
	cfg *config.SQLiteConfig
}

func newSQLiteBackend(cfg *config.SQLiteConfig, log *slog.Logger) *sqliteBackend {
	return &sqliteBackend{
		sqlStore: sqlStore{log: log.With("backend", "sqlite")},
		cfg:      cfg,
	}
}

func (s *sqliteBackend) Initialize(ctx context.Context) error {
	if dir := filepath.Dir(s.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	// Timestamps are written in UTC; _loc keeps the driver scanning them
	// back the same way.
	if err := s.open("sqlite3", s.cfg.Path+"?_loc=UTC"); err != nil {
		return err
	}

	journalMode := s.cfg.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}
	syncMode := s.cfg.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode="+journalMode); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous="+syncMode); err != nil {
		return fmt.Errorf("set synchronous mode: %w", err)
	}

	if err := s.createSchema(ctx, "create-messages-sqlite"); err != nil {
		return err
	}

	s.log.Info("sqlite storage initialized", "path", s.cfg.Path)
	return nil
}

func (s *sqliteBackend) Info(ctx context.Context) (Info, error) {
	count, oldest, newest, err := s.sqlInfo(ctx)
	if err != nil {
		return Info{}, err
	}

	var size int64
	if st, err := os.Stat(s.cfg.Path); err == nil {
		size = st.Size()
	}

	free, freePct := freeSpace(filepath.Dir(s.cfg.Path))

	return Info{
		BackendType:      "sqlite",
		TotalMessages:    count,
		TotalSizeBytes:   size,
		FreeSpaceBytes:   free,
		FreeSpacePercent: freePct,
		OldestMessage:    oldest,
		NewestMessage:    newest,
	}, nil
}
