package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// influxBackend is the time-series engine. Each message becomes one
// point whose measurement is the topic with slashes flattened; scalar
// payload fields become point fields and known identity fields become
// tags. Cleanup delegates to the server's delete API, which reports no
// affected count.
type influxBackend struct {
	cfg *config.InfluxConfig
	log *slog.Logger

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

// tagFields are payload keys promoted to tags instead of fields.
var tagFields = []string{"device_id", "vehicle_id"}

func newInfluxBackend(cfg *config.InfluxConfig, log *slog.Logger) *influxBackend {
	return &influxBackend{
		cfg: cfg,
		log: log.With("backend", "influx"),
	}
}

func (b *influxBackend) Initialize(ctx context.Context) error {
	b.client = influxdb2.NewClient(b.cfg.URL, b.cfg.Token)
	b.writeAPI = b.client.WriteAPIBlocking(b.cfg.Org, b.cfg.Bucket)
	b.queryAPI = b.client.QueryAPI(b.cfg.Org)

	health, err := b.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health check: %w", err)
	}
	if health.Status != domain.HealthCheckStatusPass {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influx health check failed: %s", msg)
	}

	b.log.Info("influx storage initialized", "url", b.cfg.URL, "bucket", b.cfg.Bucket)
	return nil
}

// measurementFor flattens an MQTT topic into a measurement name.
func measurementFor(topic string) string {
	return strings.ReplaceAll(topic, "/", "_")
}

func (b *influxBackend) StoreBatch(ctx context.Context, batch []telemetry.Message) error {
	if b.client == nil {
		return errClosed
	}
	if len(batch) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(batch))
	for i := range batch {
		points = append(points, messageToPoint(&batch[i]))
	}

	if err := b.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write points: %w", err)
	}

	b.log.Debug("stored batch", "count", len(batch))
	return nil
}

// messageToPoint maps a message onto a point. Only scalar payload values
// survive; nested objects have no field representation.
func messageToPoint(msg *telemetry.Message) *write.Point {
	point := influxdb2.NewPointWithMeasurement(measurementFor(msg.Topic)).
		SetTime(msg.Timestamp).
		AddTag("topic", msg.Topic)

	payload, _ := msg.Payload.(map[string]any)
	for _, tag := range tagFields {
		if v, ok := payload[tag]; ok {
			point.AddTag(tag, fmt.Sprint(v))
		}
	}

	for key, value := range payload {
		if isTagField(key) {
			continue
		}
		switch v := value.(type) {
		case float64:
			point.AddField(key, v)
		case int:
			point.AddField(key, float64(v))
		case int64:
			point.AddField(key, float64(v))
		case bool:
			point.AddField(key, v)
		case string:
			point.AddField(key, v)
		}
	}
	return point
}

func isTagField(key string) bool {
	for _, tag := range tagFields {
		if key == tag {
			return true
		}
	}
	return false
}

// Query runs a Flux pipeline and regroups the per-field records back
// into messages keyed by topic and time.
func (b *influxBackend) Query(ctx context.Context, q Query) ([]telemetry.Message, error) {
	if b.client == nil {
		return nil, errClosed
	}

	var flux strings.Builder
	fmt.Fprintf(&flux, "from(bucket: %q)", b.cfg.Bucket)
	if !q.Start.IsZero() {
		fmt.Fprintf(&flux, " |> range(start: %s", q.Start.UTC().Format(time.RFC3339))
		if !q.End.IsZero() {
			fmt.Fprintf(&flux, ", stop: %s", q.End.UTC().Format(time.RFC3339))
		}
		flux.WriteString(")")
	} else {
		// Unbounded scans are expensive; default to the last week.
		flux.WriteString(" |> range(start: -7d)")
	}
	if q.Topic != "" {
		fmt.Fprintf(&flux, " |> filter(fn: (r) => r._measurement == %q)", measurementFor(q.Topic))
	}
	fmt.Fprintf(&flux, " |> limit(n: %d)", q.limit())

	result, err := b.queryAPI.Query(ctx, flux.String())
	if err != nil {
		return nil, fmt.Errorf("query influx: %w", err)
	}

	type pointKey struct {
		topic string
		ts    int64
	}
	grouped := make(map[pointKey]map[string]any)
	var order []pointKey

	for result.Next() {
		rec := result.Record()
		topic, _ := rec.ValueByKey("topic").(string)
		if topic == "" {
			topic = rec.Measurement()
		}
		key := pointKey{topic: topic, ts: rec.Time().UnixNano()}
		fields, ok := grouped[key]
		if !ok {
			fields = make(map[string]any)
			grouped[key] = fields
			order = append(order, key)
		}
		fields[rec.Field()] = rec.Value()
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read query results: %w", err)
	}

	sort.Slice(order, func(i, j int) bool { return order[i].ts > order[j].ts })

	limit := q.limit()
	messages := make([]telemetry.Message, 0, len(order))
	for _, key := range order {
		if len(messages) >= limit {
			break
		}
		ts := time.Unix(0, key.ts).UTC()
		messages = append(messages, telemetry.Message{
			Topic:     key.topic,
			Payload:   grouped[key],
			Timestamp: ts,
		})
	}
	return messages, nil
}

func (b *influxBackend) Info(ctx context.Context) (Info, error) {
	if b.client == nil {
		return Info{}, errClosed
	}

	flux := fmt.Sprintf("from(bucket: %q) |> range(start: 0) |> count()", b.cfg.Bucket)
	result, err := b.queryAPI.Query(ctx, flux)
	if err != nil {
		return Info{}, fmt.Errorf("count points: %w", err)
	}

	var total int64
	for result.Next() {
		if n, ok := result.Record().Value().(int64); ok {
			total += n
		}
	}
	if err := result.Err(); err != nil {
		return Info{}, fmt.Errorf("read count results: %w", err)
	}

	// Size and time extremes are not cheaply available from the server.
	return Info{
		BackendType:   "influx",
		TotalMessages: total,
	}, nil
}

// Cleanup issues a server-side delete. The API reports no count, so the
// return value is always zero on success.
func (b *influxBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	if b.client == nil {
		return 0, errClosed
	}

	deleteAPI := b.client.DeleteAPI()
	start := time.Unix(0, 0).UTC()
	if err := deleteAPI.DeleteWithName(ctx, b.cfg.Org, b.cfg.Bucket, start, before.UTC(), ""); err != nil {
		return 0, fmt.Errorf("delete points: %w", err)
	}

	b.log.Info("cleaned up points", "before", before)
	return 0, nil
}

func (b *influxBackend) Close() error {
	if b.client == nil {
		return nil
	}
	b.client.Close()
	b.client = nil
	b.log.Info("influx storage closed")
	return nil
}
