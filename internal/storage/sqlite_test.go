package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/telemetryd/internal/config"
)

func newTestSQLiteBackend(t *testing.T) *sqliteBackend {
	t.Helper()
	b := newSQLiteBackend(&config.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "telemetry.db"),
	}, testLogger())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBackend(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := testMessages(base)
	if err := b.StoreBatch(ctx, msgs); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	got, err := b.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("first result timestamp = %v, want newest first", got[0].Timestamp)
	}
	if got[0].PayloadObject()["value"] != 22.0 {
		t.Errorf("payload value = %v, want 22.0", got[0].PayloadObject()["value"])
	}

	got, err = b.Query(ctx, Query{Topic: "sensors/temp"})
	if err != nil {
		t.Fatalf("Query topic: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("topic filter: got %d messages, want 2", len(got))
	}

	got, err = b.Query(ctx, Query{Start: base.Add(time.Minute), End: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Query range: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("inclusive range: got %d messages, want 1", len(got))
	}

	got, err = b.Query(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatalf("Query limit: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("limit: got %d messages, want 1", len(got))
	}
}

func TestSQLiteBackend_Info(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBackend(t)

	info, err := b.Info(ctx)
	if err != nil {
		t.Fatalf("Info on empty store: %v", err)
	}
	if info.TotalMessages != 0 {
		t.Errorf("empty store reports %d messages", info.TotalMessages)
	}
	if info.OldestMessage != nil || info.NewestMessage != nil {
		t.Error("empty store reports message timestamps")
	}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := b.StoreBatch(ctx, testMessages(base)); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	info, err = b.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.BackendType != "sqlite" {
		t.Errorf("backend type = %q, want sqlite", info.BackendType)
	}
	if info.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", info.TotalMessages)
	}
	if info.OldestMessage == nil || !info.OldestMessage.Equal(base) {
		t.Errorf("oldest = %v, want %v", info.OldestMessage, base)
	}
	if info.NewestMessage == nil || !info.NewestMessage.Equal(base.Add(2*time.Minute)) {
		t.Errorf("newest = %v, want %v", info.NewestMessage, base.Add(2*time.Minute))
	}
}

func TestSQLiteBackend_Cleanup(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteBackend(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := b.StoreBatch(ctx, testMessages(base)); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	// Strictly-older semantics: the message at the cutoff survives.
	deleted, err := b.Cleanup(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := b.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d messages after cleanup, want 2", len(got))
	}

	deleted, err = b.Cleanup(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Cleanup again: %v", err)
	}
	if deleted != 0 {
		t.Errorf("second cleanup deleted %d, want 0", deleted)
	}
}

func TestSQLiteBackend_CloseIdempotent(t *testing.T) {
	b := newTestSQLiteBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.Query(context.Background(), Query{}); err == nil {
		t.Error("Query after Close succeeded")
	}
}
