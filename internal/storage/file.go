package storage

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// fileTimeLayout is the rotation timestamp embedded in file names:
// telemetry_<YYYYMMDD_HHMMSS>.<ext>[.gz]
const (
	filePrefix     = "telemetry_"
	fileTimeLayout = "20060102_150405"
)

// fileBackend is the append-only file engine. Batches are appended to an
// active file that rotates once it exceeds the configured size threshold.
// Cleanup is whole-file: a file is removed only when its rotation
// timestamp predates the cutoff, so deletion lag is bounded by rotation
// size rather than per message.
type fileBackend struct {
	cfg *config.FileConfig
	log *slog.Logger

	mu         sync.Mutex
	closed     bool
	activePath string
	activeSize int64

	// Parquet state: the active file has no footer until rotation, so
	// its rows are kept here for queries in the meantime.
	pq *parquetFile
}

// fileRecord is the serialized form of one message in jsonl files.
type fileRecord struct {
	Topic      string    `json:"topic"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

func newFileBackend(cfg *config.FileConfig, log *slog.Logger) *fileBackend {
	return &fileBackend{
		cfg: cfg,
		log: log.With("backend", "file"),
	}
}

func (f *fileBackend) gzipEnabled() bool {
	return f.cfg.Compression == "gzip" && f.cfg.Format != "parquet"
}

// extension returns the suffix for new files, e.g. "jsonl.gz".
func (f *fileBackend) extension() string {
	ext := f.cfg.Format
	if f.gzipEnabled() {
		ext += ".gz"
	}
	return ext
}

func (f *fileBackend) maxFileSize() int64 {
	return int64(f.cfg.MaxFileSizeMB) * 1024 * 1024
}

func (f *fileBackend) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(f.cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rotateLocked(); err != nil {
		return err
	}

	f.log.Info("file storage initialized",
		"dir", f.cfg.BaseDir, "format", f.cfg.Format, "compression", f.cfg.Compression)
	return nil
}

// rotateLocked closes the active file (if any) and starts a fresh one.
func (f *fileBackend) rotateLocked() error {
	if f.pq != nil {
		if err := f.pq.close(); err != nil {
			return fmt.Errorf("finalize parquet file: %w", err)
		}
		f.pq = nil
	}

	ts := time.Now()
	var path string
	for {
		name := fmt.Sprintf("%s%s.%s", filePrefix, ts.Format(fileTimeLayout), f.extension())
		path = filepath.Join(f.cfg.BaseDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		// Same-second rotation; bump to the next second to keep names
		// unique and parseable.
		ts = ts.Add(time.Second)
	}

	f.activePath = path
	f.activeSize = 0

	if f.cfg.Format == "parquet" {
		pq, err := newParquetFile(path)
		if err != nil {
			return err
		}
		f.pq = pq
		return nil
	}

	// Create the file eagerly so an empty store still leaves a valid
	// rotation marker on disk.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create storage file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close storage file: %w", err)
	}

	f.log.Info("rotated to new file", "path", path)
	return nil
}

func (f *fileBackend) StoreBatch(ctx context.Context, batch []telemetry.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errClosed
	}
	if f.activePath == "" {
		return fmt.Errorf("file storage not initialized")
	}
	if len(batch) == 0 {
		return nil
	}

	// Rotate before writing once the active file has reached the
	// threshold; the batch that crosses it still lands in the old file.
	if f.activeSize >= f.maxFileSize() {
		if err := f.rotateLocked(); err != nil {
			return err
		}
	}

	if f.cfg.Format == "parquet" {
		n, err := f.pq.write(batch)
		if err != nil {
			return err
		}
		f.activeSize = n
		return nil
	}

	data, err := f.encodeBatch(batch)
	if err != nil {
		return err
	}
	if err := f.appendData(data); err != nil {
		return err
	}
	f.activeSize += int64(len(data))

	f.log.Debug("stored batch", "count", len(batch), "path", f.activePath)
	return nil
}

// encodeBatch renders the batch as jsonl or csv lines.
func (f *fileBackend) encodeBatch(batch []telemetry.Message) ([]byte, error) {
	var buf strings.Builder

	switch f.cfg.Format {
	case "csv":
		w := csv.NewWriter(&buf)
		for i := range batch {
			msg := &batch[i]
			payload, err := json.Marshal(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload for %s: %w", msg.Topic, err)
			}
			record := []string{
				msg.Topic,
				msg.Timestamp.UTC().Format(time.RFC3339Nano),
				msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
				string(payload),
			}
			if err := w.Write(record); err != nil {
				return nil, fmt.Errorf("write csv record: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("flush csv records: %w", err)
		}

	default: // jsonl
		for i := range batch {
			msg := &batch[i]
			line, err := json.Marshal(fileRecord{
				Topic:      msg.Topic,
				Payload:    msg.Payload,
				Timestamp:  msg.Timestamp.UTC(),
				ReceivedAt: msg.ReceivedAt.UTC(),
			})
			if err != nil {
				return nil, fmt.Errorf("encode message for %s: %w", msg.Topic, err)
			}
			buf.Write(line)
			buf.WriteString("\n")
		}
	}

	return []byte(buf.String()), nil
}

// appendData appends to the active file, as its own gzip member when
// compression is on (concatenated members form one valid stream).
func (f *fileBackend) appendData(data []byte) error {
	file, err := os.OpenFile(f.activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open storage file: %w", err)
	}
	defer file.Close()

	if f.gzipEnabled() {
		zw := gzip.NewWriter(file)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("write compressed batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("flush compressed batch: %w", err)
		}
		return nil
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// listFiles returns the storage files in the base directory, newest
// rotation first.
func (f *fileBackend) listFiles() ([]string, error) {
	entries, err := os.ReadDir(f.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("list storage files: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// parseFileTime extracts the rotation timestamp from a file name.
func parseFileTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return time.Time{}, false
	}
	rest := name[len(filePrefix):]
	if len(rest) < len(fileTimeLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(fileTimeLayout, rest[:len(fileTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (f *fileBackend) Query(ctx context.Context, q Query) ([]telemetry.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errClosed
	}

	names, err := f.listFiles()
	if err != nil {
		return nil, err
	}

	limit := q.limit()
	var matches []telemetry.Message

	for _, name := range names {
		path := filepath.Join(f.cfg.BaseDir, name)

		var records []telemetry.Message
		if f.cfg.Format == "parquet" && path == f.activePath {
			records = f.pq.buffered()
		} else {
			records, err = f.readFile(path, name)
			if err != nil {
				// A single unreadable file should not hide the rest.
				f.log.Error("skipping unreadable storage file", "path", path, "error", err)
				continue
			}
		}

		for i := range records {
			if matchesQuery(&records[i], q) {
				matches = append(matches, records[i])
			}
		}
		if len(matches) >= limit {
			break
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func matchesQuery(msg *telemetry.Message, q Query) bool {
	if q.Topic != "" && msg.Topic != q.Topic {
		return false
	}
	if !q.Start.IsZero() && msg.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && msg.Timestamp.After(q.End) {
		return false
	}
	return true
}

// readFile decodes every message in one storage file.
func (f *fileBackend) readFile(path, name string) ([]telemetry.Message, error) {
	if strings.Contains(name, ".parquet") {
		return readParquetFile(path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open compressed file: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	if strings.Contains(name, ".csv") {
		return readCSV(r)
	}
	return readJSONL(r)
}

func readJSONL(r io.Reader) ([]telemetry.Message, error) {
	var out []telemetry.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode line: %w", err)
		}
		out = append(out, telemetry.Message{
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			Timestamp:  rec.Timestamp,
			ReceivedAt: rec.ReceivedAt,
		})
	}
	return out, scanner.Err()
}

func readCSV(r io.Reader) ([]telemetry.Message, error) {
	var out []telemetry.Message
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode csv record: %w", err)
		}

		ts, err := time.Parse(time.RFC3339Nano, record[1])
		if err != nil {
			return nil, fmt.Errorf("decode csv timestamp: %w", err)
		}
		received, err := time.Parse(time.RFC3339Nano, record[2])
		if err != nil {
			return nil, fmt.Errorf("decode csv received_at: %w", err)
		}
		var payload any
		if err := json.Unmarshal([]byte(record[3]), &payload); err != nil {
			return nil, fmt.Errorf("decode csv payload: %w", err)
		}

		out = append(out, telemetry.Message{
			Topic:      record[0],
			Payload:    payload,
			Timestamp:  ts,
			ReceivedAt: received,
		})
	}
	return out, nil
}

func (f *fileBackend) Info(ctx context.Context) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Info{}, errClosed
	}

	names, err := f.listFiles()
	if err != nil {
		return Info{}, err
	}

	var totalSize, totalMessages int64
	var oldest *time.Time

	for _, name := range names {
		path := filepath.Join(f.cfg.BaseDir, name)
		if st, err := os.Stat(path); err == nil {
			totalSize += st.Size()
		}

		if ts, ok := parseFileTime(name); ok {
			if oldest == nil || ts.Before(*oldest) {
				t := ts
				oldest = &t
			}
		}

		// Counting is exact for plain jsonl/csv; compressed and parquet
		// files would need a full decode and are left out of the count,
		// matching the advisory nature of Info.
		if !strings.HasSuffix(name, ".gz") && !strings.Contains(name, ".parquet") {
			if n, err := countLines(path); err == nil {
				totalMessages += n
			}
		}
	}
	if f.cfg.Format == "parquet" && f.pq != nil {
		totalMessages += int64(len(f.pq.buffered()))
	}

	free, freePct := freeSpace(f.cfg.BaseDir)

	return Info{
		BackendType:      "file",
		TotalMessages:    totalMessages,
		TotalSizeBytes:   totalSize,
		FreeSpaceBytes:   free,
		FreeSpacePercent: freePct,
		OldestMessage:    oldest,
	}, nil
}

func countLines(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var count int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

// Cleanup removes whole files whose rotation timestamp predates the
// cutoff. The active file is never removed. The returned count is the
// number of files deleted.
func (f *fileBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errClosed
	}

	names, err := f.listFiles()
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, name := range names {
		path := filepath.Join(f.cfg.BaseDir, name)
		if path == f.activePath {
			continue
		}
		ts, ok := parseFileTime(name)
		if !ok || !ts.Before(before) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return deleted, fmt.Errorf("remove %s: %w", path, err)
		}
		deleted++
		f.log.Info("deleted expired file", "path", path)
	}
	return deleted, nil
}

func (f *fileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.pq != nil {
		err := f.pq.close()
		f.pq = nil
		if err != nil {
			return fmt.Errorf("finalize parquet file: %w", err)
		}
	}

	f.log.Info("file storage closed")
	return nil
}
