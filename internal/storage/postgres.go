package storage

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/xtxerr/telemetryd/internal/config"
)

// postgresBackend is the networked SQL engine. A pooled connection to a
// shared server, JSONB payloads, transactional batches, per-message
// cleanup granularity. Free-space figures are not available for a remote
// server.
type postgresBackend struct {
	sqlStore
	cfg *config.PostgresConfig
}

func newPostgresBackend(cfg *config.PostgresConfig, log *slog.Logger) *postgresBackend {
	return &postgresBackend{
		sqlStore: sqlStore{log: log.With("backend", "postgres")},
		cfg:      cfg,
	}
}

func (p *postgresBackend) dsn() string {
	sslMode := p.cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.cfg.Host, p.cfg.Port, p.cfg.Database, p.cfg.Username, p.cfg.Password, sslMode)
}

func (p *postgresBackend) Initialize(ctx context.Context) error {
	if err := p.open("postgres", p.dsn()); err != nil {
		return err
	}

	if p.cfg.PoolSize > 0 {
		p.db.SetMaxOpenConns(p.cfg.PoolSize)
	}

	if err := p.createSchema(ctx, "create-messages-postgres"); err != nil {
		return err
	}

	p.log.Info("postgres storage initialized",
		"host", p.cfg.Host, "database", p.cfg.Database)
	return nil
}

func (p *postgresBackend) Info(ctx context.Context) (Info, error) {
	count, oldest, newest, err := p.sqlInfo(ctx)
	if err != nil {
		return Info{}, err
	}

	var size int64
	if query, err := p.raw("relation-size-postgres"); err == nil {
		// Best effort; table size is informational only.
		_ = p.db.GetContext(ctx, &size, query)
	}

	return Info{
		BackendType:    "postgres",
		TotalMessages:  count,
		TotalSizeBytes: size,
		OldestMessage:  oldest,
		NewestMessage:  newest,
	}, nil
}
