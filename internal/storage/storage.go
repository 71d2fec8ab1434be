// Package storage provides the durable sink for validated telemetry
// messages.
//
// Four engines implement one contract: sqlite (embedded SQL), postgres
// (networked SQL), file (append-only rotated files), and influx
// (time-series). The pipeline selects one at startup through the factory
// and never cares which; the engines differ only in durability guarantees,
// query expressiveness, and cleanup granularity:
//
//   - sqlite/postgres: transactional batches, per-message cleanup, full
//     topic and time-range filtering.
//   - file: batch appends to a rotated file, whole-file cleanup (a file
//     is removed only when its rotation timestamp predates the cutoff),
//     query by scanning files.
//   - influx: batched point writes, cleanup via the delete API (deleted
//     counts are not reported), query through Flux with per-field rows
//     regrouped into messages.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// DefaultQueryLimit caps query results when the caller does not.
const DefaultQueryLimit = 1000

// Query narrows a message lookup. Zero values mean "no filter"; every
// filter combines independently with the others.
type Query struct {
	Topic string
	Start time.Time
	End   time.Time
	Limit int
}

// limit returns the effective result cap.
func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Info is an aggregate snapshot of a backend's state, computed on demand.
// Optional figures are nil when the engine cannot provide them.
type Info struct {
	BackendType      string
	TotalMessages    int64
	TotalSizeBytes   int64
	FreeSpaceBytes   *uint64
	FreeSpacePercent *float64
	OldestMessage    *time.Time
	NewestMessage    *time.Time
}

// Backend is the uniform storage contract. Operations other than
// Initialize may be called only after Initialize succeeds and before
// Close. StoreBatch reports the whole batch failed on any partial
// failure so the caller can requeue it wholesale. Implementations must
// tolerate concurrent calls from the drain loop and the retention
// scheduler.
type Backend interface {
	// Initialize establishes the connection or handle and creates the
	// on-disk schema if absent. Failure is fatal to startup.
	Initialize(ctx context.Context) error

	// StoreBatch durably persists zero or more messages, all or nothing.
	StoreBatch(ctx context.Context, batch []telemetry.Message) error

	// Query returns matching messages ordered by time descending.
	Query(ctx context.Context, q Query) ([]telemetry.Message, error)

	// Info computes an aggregate snapshot of the stored data.
	Info(ctx context.Context) (Info, error)

	// Cleanup removes persisted data strictly older than before and
	// returns how many items were deleted.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Close releases connections and handles. Idempotent.
	Close() error
}

// New builds the backend named by the configuration. An unknown name is
// a fatal configuration error.
func New(cfg *config.StorageConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return newSQLiteBackend(&cfg.SQLite, log), nil
	case "postgres":
		return newPostgresBackend(&cfg.Postgres, log), nil
	case "file":
		return newFileBackend(&cfg.File, log), nil
	case "influx":
		return newInfluxBackend(&cfg.Influx, log), nil
	default:
		return nil, telemetry.NewConfigError("storage.backend", "unknown storage backend: %q", cfg.Backend)
	}
}

// freeSpace reports free bytes and free percentage for the filesystem
// holding path. Errors are swallowed into nil figures; Info is advisory.
func freeSpace(path string) (*uint64, *float64) {
	usage, err := disk.Usage(path)
	if err != nil || usage.Total == 0 {
		return nil, nil
	}
	freePct := float64(usage.Free) / float64(usage.Total) * 100
	return &usage.Free, &freePct
}

// errClosed is returned by operations on a closed backend.
var errClosed = fmt.Errorf("storage backend is closed")
