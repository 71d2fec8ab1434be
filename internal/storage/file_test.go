package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessages(base time.Time) []telemetry.Message {
	return []telemetry.Message{
		telemetry.NewMessage("sensors/gps", map[string]any{"lat": 52.52, "lon": 13.4}, base, base),
		telemetry.NewMessage("sensors/temp", map[string]any{"value": 21.5}, base.Add(time.Minute), base.Add(time.Minute)),
		telemetry.NewMessage("sensors/temp", map[string]any{"value": 22.0}, base.Add(2*time.Minute), base.Add(2*time.Minute)),
	}
}

func newTestFileBackend(t *testing.T, cfg config.FileConfig) *fileBackend {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.Format == "" {
		cfg.Format = "jsonl"
	}
	if cfg.MaxFileSizeMB == 0 {
		cfg.MaxFileSizeMB = 10
	}

	b := newFileBackend(&cfg, testLogger())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFileBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t, config.FileConfig{})

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
	// Newest first.
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("first result timestamp = %v, want %v", got[0].Timestamp, base.Add(2*time.Minute))
	}
	payload := got[0].PayloadObject()
	if payload["value"] != 22.0 {
		t.Errorf("payload value = %v, want 22.0", payload["value"])
	}

	got, err = b.Query(ctx, Query{Topic: "sensors/temp"})
	if err != nil {
		t.Fatalf("Query topic: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("topic filter: got %d messages, want 2", len(got))
	}

	got, err = b.Query(ctx, Query{Start: base.Add(30 * time.Second), End: base.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("Query range: %v", err)
	}
	if len(got) != 1 || got[0].Topic != "sensors/temp" {
		t.Errorf("range filter: got %v, want one sensors/temp message", got)
	}

	got, err = b.Query(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("Query limit: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit: got %d messages, want 2", len(got))
	}
}

func TestFileBackend_RotationAndCleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackend(&config.FileConfig{
		BaseDir: dir,
		Format:  "jsonl",
		// A zero threshold forces a rotation before every batch.
		MaxFileSizeMB: 0,
	}, testLogger())
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer b.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := testMessages(base)
	if err := b.StoreBatch(ctx, msgs[:1]); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	if err := b.StoreBatch(ctx, msgs[1:]); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	names, err := b.listFiles()
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("got %d files, want at least 2 after rotation", len(names))
	}

	got, err := b.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("query across files: got %d messages, want 3", len(got))
	}

	// Everything rotated away is older than a future cutoff; only the
	// active file must survive.
	deleted, err := b.Cleanup(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != int64(len(names)-1) {
		t.Errorf("deleted %d files, want %d", deleted, len(names)-1)
	}

	remaining, err := b.listFiles()
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("got %d files after cleanup, want 1", len(remaining))
	}
	if filepath.Join(dir, remaining[0]) != b.activePath {
		t.Errorf("surviving file %s is not the active file %s", remaining[0], b.activePath)
	}

	// A second sweep with the same cutoff has nothing left to do.
	deleted, err = b.Cleanup(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Cleanup again: %v", err)
	}
	if deleted != 0 {
		t.Errorf("second cleanup deleted %d files, want 0", deleted)
	}
}

func TestFileBackend_GzipRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t, config.FileConfig{Compression: "gzip"})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	msgs := testMessages(base)

	// Two appends produce two gzip members in one file; reading must see
	// both.
	if err := b.StoreBatch(ctx, msgs[:2]); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	if err := b.StoreBatch(ctx, msgs[2:]); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	got, err := b.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
}

func TestFileBackend_CSVRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t, config.FileConfig{Format: "csv"})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := b.StoreBatch(ctx, testMessages(base)); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	got, err := b.Query(ctx, Query{Topic: "sensors/gps"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	payload := got[0].PayloadObject()
	if payload["lat"] != 52.52 {
		t.Errorf("payload lat = %v, want 52.52", payload["lat"])
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
	}
}

func TestFileBackend_ParquetQueriesActiveFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.FileConfig{BaseDir: dir, Format: "parquet", MaxFileSizeMB: 10}

	b := newFileBackend(&cfg, testLogger())
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := b.StoreBatch(ctx, testMessages(base)); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	// The active file has no footer yet; rows must still be visible.
	got, err := b.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query active: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("active query: got %d messages, want 3", len(got))
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// After close the footer exists; a fresh backend reads the file from
	// disk.
	b2 := newFileBackend(&cfg, testLogger())
	if err := b2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize second: %v", err)
	}
	defer b2.Close()

	got, err = b2.Query(ctx, Query{Topic: "sensors/temp"})
	if err != nil {
		t.Fatalf("Query finalized: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("finalized query: got %d messages, want 2", len(got))
	}
	if got[0].PayloadObject()["value"] != 22.0 {
		t.Errorf("payload value = %v, want 22.0", got[0].PayloadObject()["value"])
	}
}

func TestFileBackend_Info(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t, config.FileConfig{})

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := b.StoreBatch(ctx, testMessages(base)); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}

	info, err := b.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.BackendType != "file" {
		t.Errorf("backend type = %q, want file", info.BackendType)
	}
	if info.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", info.TotalMessages)
	}
	if info.TotalSizeBytes == 0 {
		t.Error("total size is zero after storing messages")
	}
	if info.OldestMessage == nil {
		t.Error("oldest message timestamp missing")
	}
}

func TestFileBackend_NeverDeletesActiveFile(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBackend(t, config.FileConfig{})

	deleted, err := b.Cleanup(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted %d files, want 0", deleted)
	}
	names, err := b.listFiles()
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("got %d files, want the active file only", len(names))
	}
}

func TestParseFileTime(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"telemetry_20260801_120000.jsonl", true},
		{"telemetry_20260801_120000.jsonl.gz", true},
		{"telemetry_20260801_120000.parquet", true},
		{"telemetry_garbage.jsonl", false},
		{"other_20260801_120000.jsonl", false},
	}
	for _, tt := range tests {
		got, gotOK := parseFileTime(tt.name)
		if gotOK != tt.ok {
			t.Errorf("parseFileTime(%q) ok = %v, want %v", tt.name, gotOK, tt.ok)
			continue
		}
		if tt.ok && got.IsZero() {
			t.Errorf("parseFileTime(%q) returned zero time", tt.name)
		}
	}
}
