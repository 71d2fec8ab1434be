package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/xtxerr/telemetryd/internal/telemetry"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Connection pool limits shared by the SQL engines. The drain loop and
// the retention scheduler issue statements concurrently, so even the
// embedded engine runs through a small pool.
const (
	maxOpenConns    = 16
	maxIdleConns    = 4
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// loadQueries parses the embedded .sql files into named statements.
func loadQueries() (*dotsql.DotSql, error) {
	var combined strings.Builder

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("parse queries: %w", err)
	}
	return dot, nil
}

// sqlStore carries the behavior shared by the sqlite and postgres
// engines: batch inserts, filtered queries, cleanup, and the SQL half of
// Info. The engines supply the connection, the DDL statement names, and
// the on-disk size figure.
type sqlStore struct {
	db  *sqlx.DB
	dot *dotsql.DotSql
	log *slog.Logger
}

// open connects, configures pooling, and verifies the connection.
func (s *sqlStore) open(driver, dsn string) error {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	dot, err := loadQueries()
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.dot = dot
	return nil
}

// raw resolves a named statement, rebound for the active driver.
func (s *sqlStore) raw(name string) (string, error) {
	query, err := s.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return s.db.Rebind(query), nil
}

// createSchema runs the per-driver DDL plus the shared indexes.
func (s *sqlStore) createSchema(ctx context.Context, tableStmt string) error {
	for _, name := range []string{tableStmt, "create-topic-index", "create-timestamp-index"} {
		query, err := s.raw(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return nil
}

// messageRow is the relational shape of a telemetry message.
type messageRow struct {
	Topic      string    `db:"topic"`
	Payload    []byte    `db:"payload"`
	Timestamp  time.Time `db:"timestamp"`
	ReceivedAt time.Time `db:"received_at"`
}

func (r *messageRow) toMessage() (telemetry.Message, error) {
	var payload any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return telemetry.Message{}, fmt.Errorf("decode stored payload: %w", err)
	}
	return telemetry.Message{
		Topic:      r.Topic,
		Payload:    payload,
		Timestamp:  r.Timestamp,
		ReceivedAt: r.ReceivedAt,
	}, nil
}

// StoreBatch inserts the batch inside one transaction; any failure rolls
// the whole batch back so the caller can requeue it safely.
func (s *sqlStore) StoreBatch(ctx context.Context, batch []telemetry.Message) error {
	if s.db == nil {
		return errClosed
	}
	if len(batch) == 0 {
		return nil
	}

	insert, err := s.raw("insert-message")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		msg := &batch[i]
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", msg.Topic, err)
		}
		if _, err := stmt.ExecContext(ctx, msg.Topic, payload,
			msg.Timestamp.UTC(), msg.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	s.log.Debug("stored batch", "count", len(batch))
	return nil
}

// Query composes the optional filters onto the base select.
func (s *sqlStore) Query(ctx context.Context, q Query) ([]telemetry.Message, error) {
	if s.db == nil {
		return nil, errClosed
	}

	base, err := s.dot.Raw("select-messages-base")
	if err != nil {
		return nil, fmt.Errorf("query not found: select-messages-base")
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(strings.TrimSpace(base), ";"))
	var args []any

	if q.Topic != "" {
		sb.WriteString(" AND topic = ?")
		args = append(args, q.Topic)
	}
	if !q.Start.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, q.Start.UTC())
	}
	if !q.End.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, q.End.UTC())
	}
	sb.WriteString(" ORDER BY timestamp DESC LIMIT ?")
	args = append(args, q.limit())

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sb.String()), args...); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	messages := make([]telemetry.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Cleanup deletes rows strictly older than the cutoff.
func (s *sqlStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errClosed
	}

	query, err := s.raw("delete-before")
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted rows: %w", err)
	}

	s.log.Info("cleaned up messages", "deleted", deleted, "before", before)
	return deleted, nil
}

// sqlInfo gathers the figures both SQL engines share: row count and the
// stored time extremes.
func (s *sqlStore) sqlInfo(ctx context.Context) (count int64, oldest, newest *time.Time, err error) {
	if s.db == nil {
		return 0, nil, nil, errClosed
	}

	countQuery, err := s.raw("count-messages")
	if err != nil {
		return 0, nil, nil, err
	}
	if err := s.db.GetContext(ctx, &count, countQuery); err != nil {
		return 0, nil, nil, fmt.Errorf("count messages: %w", err)
	}

	oldest, err = s.timestampAt(ctx, "oldest-timestamp")
	if err != nil {
		return 0, nil, nil, err
	}
	newest, err = s.timestampAt(ctx, "newest-timestamp")
	if err != nil {
		return 0, nil, nil, err
	}
	return count, oldest, newest, nil
}

func (s *sqlStore) timestampAt(ctx context.Context, name string) (*time.Time, error) {
	query, err := s.raw(name)
	if err != nil {
		return nil, err
	}
	var ts time.Time
	if err := s.db.GetContext(ctx, &ts, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &ts, nil
}

// Close releases the connection pool. Safe to call more than once.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
