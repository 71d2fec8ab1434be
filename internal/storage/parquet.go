package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// parquetRow is the columnar shape of a telemetry message. Payloads stay
// JSON-encoded; the interesting columns for scans are topic and the two
// timestamps.
type parquetRow struct {
	Topic        string `parquet:"topic,dict"`
	Payload      string `parquet:"payload"`
	TimestampMs  int64  `parquet:"timestamp_ms"`
	ReceivedAtMs int64  `parquet:"received_at_ms"`
}

func (r *parquetRow) toMessage() (telemetry.Message, error) {
	var payload any
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return telemetry.Message{}, fmt.Errorf("decode stored payload: %w", err)
	}
	return telemetry.Message{
		Topic:      r.Topic,
		Payload:    payload,
		Timestamp:  time.UnixMilli(r.TimestampMs).UTC(),
		ReceivedAt: time.UnixMilli(r.ReceivedAtMs).UTC(),
	}, nil
}

// parquetFile wraps the active parquet file. The footer is only written
// when the file rotates or the backend closes, so rows written since the
// file opened are mirrored in memory for queries.
type parquetFile struct {
	path   string
	file   *os.File
	writer *parquet.GenericWriter[parquetRow]
	rows   []telemetry.Message
	closed bool
}

func newParquetFile(path string) (*parquetFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[parquetRow](f,
		parquet.Compression(&parquet.Snappy))

	return &parquetFile{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// write appends the batch and returns the file's current size on disk.
func (p *parquetFile) write(batch []telemetry.Message) (int64, error) {
	if p.closed {
		return 0, errClosed
	}

	rows := make([]parquetRow, 0, len(batch))
	for i := range batch {
		msg := &batch[i]
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload for %s: %w", msg.Topic, err)
		}
		rows = append(rows, parquetRow{
			Topic:        msg.Topic,
			Payload:      string(payload),
			TimestampMs:  msg.Timestamp.UnixMilli(),
			ReceivedAtMs: msg.ReceivedAt.UnixMilli(),
		})
	}

	if _, err := p.writer.Write(rows); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	// Flush ends the row group so the data is on disk even though the
	// footer is still pending.
	if err := p.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush parquet rows: %w", err)
	}

	p.rows = append(p.rows, batch...)

	st, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat parquet file: %w", err)
	}
	return st.Size(), nil
}

// buffered returns the rows written to the active file so far.
func (p *parquetFile) buffered() []telemetry.Message {
	return p.rows
}

// close writes the footer and releases the file.
func (p *parquetFile) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.rows = nil

	werr := p.writer.Close()
	cerr := p.file.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// readParquetFile decodes every message in a finalized parquet file.
func readParquetFile(path string) ([]telemetry.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[parquetRow](f)
	defer reader.Close()

	out := make([]telemetry.Message, 0, reader.NumRows())
	buf := make([]parquetRow, 256)
	for {
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			msg, merr := buf[i].toMessage()
			if merr != nil {
				return nil, merr
			}
			out = append(out, msg)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}
	return out, nil
}
