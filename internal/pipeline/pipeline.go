// Package pipeline wires ingress, validation, buffering, and storage
// into the running daemon.
//
// Three loops run concurrently: ingest (events in, validated messages
// into the buffer), drain (batches out of the buffer into storage), and
// health (periodic warnings on buffer and disk pressure). Shutdown
// flushes whatever the buffer still holds into one final best-effort
// store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/telemetryd/internal/buffer"
	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/ingress"
	"github.com/xtxerr/telemetryd/internal/schema"
	"github.com/xtxerr/telemetryd/internal/stats"
	"github.com/xtxerr/telemetryd/internal/storage"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// shutdownTimeout bounds the final flush store.
const shutdownTimeout = 10 * time.Second

// Orchestrator owns the pipeline loops and the shutdown sequence.
type Orchestrator struct {
	cfg       *config.Config
	source    ingress.Source
	validator *schema.Validator
	buffer    *buffer.Buffer
	backend   storage.Backend
	collector *stats.Collector
	log       *slog.Logger
}

// New assembles an orchestrator from already-constructed components.
// The backend must not be initialized yet; Run does that.
func New(cfg *config.Config, source ingress.Source, validator *schema.Validator,
	buf *buffer.Buffer, backend storage.Backend, collector *stats.Collector,
	log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		source:    source,
		validator: validator,
		buffer:    buf,
		backend:   backend,
		collector: collector,
		log:       log.With("component", "pipeline"),
	}
}

// Run starts the pipeline and blocks until the context is canceled or a
// loop fails. The shutdown sequence always runs: source closed, buffer
// flushed into one final store, backend closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := o.source.Start(); err != nil {
		o.backend.Close()
		return fmt.Errorf("start ingress: %w", err)
	}

	o.log.Info("pipeline started",
		"buffer_capacity", o.buffer.Cap(),
		"batch_size", o.cfg.Buffer.BatchSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.ingestLoop(ctx) })
	g.Go(func() error { return o.drainLoop(ctx) })
	g.Go(func() error { return o.healthLoop(ctx) })

	err := g.Wait()
	o.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ingestLoop validates incoming events and pushes them into the buffer.
func (o *Orchestrator) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.source.Events():
			if !ok {
				return nil
			}
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) handle(ev ingress.Event) {
	o.collector.AddReceived(1)

	result := o.validator.Validate(ev.Topic, ev.Payload)
	if !result.Valid {
		o.collector.IncValidationError()
		o.log.Warn("message rejected", "topic", ev.Topic, "error", result.Error())
		return
	}
	if len(result.Errors) > 0 {
		// Advisory policy: findings are logged, the message still flows.
		o.log.Warn("message has validation findings",
			"topic", ev.Topic, "error", result.Error())
	}

	var payload any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		// Validation was disabled or passed the topic through; the
		// payload still has to decode to be storable.
		o.collector.IncProcessingError()
		o.log.Warn("undecodable payload", "topic", ev.Topic, "error", err)
		return
	}

	msg := telemetry.NewMessage(ev.Topic, payload, ev.ReceivedAt, time.Now())
	if !o.buffer.Push(msg) {
		o.collector.AddDropped(1)
		o.log.Warn("buffer full, message dropped", "topic", ev.Topic)
	}
}

// drainLoop moves batches from the buffer into the backend. A failed
// store requeues the whole batch and backs off briefly; requeued
// messages compete with new arrivals under the same drop policy.
func (o *Orchestrator) drainLoop(ctx context.Context) error {
	// Drain returns as soon as data is available, so the wait only
	// bounds idle blocking. Cap it to keep shutdown prompt; an empty
	// drain just loops.
	wait := o.cfg.Buffer.DrainTimeout
	if wait > time.Second {
		wait = time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch := o.buffer.Drain(o.cfg.Buffer.BatchSize, wait)
		if len(batch) == 0 {
			continue
		}

		start := time.Now()
		if err := o.backend.StoreBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				// Shutdown raced the store; the flush will retry these.
				o.requeue(batch)
				return ctx.Err()
			}
			o.collector.IncStorageError()
			o.log.Error("batch store failed",
				"count", len(batch), "error", err)
			o.requeue(batch)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.Buffer.StoreRetryBackoff):
			}
			continue
		}

		o.collector.AddStored(int64(len(batch)))
		o.collector.ObserveStoreLatency(time.Since(start))
	}
}

func (o *Orchestrator) requeue(batch []telemetry.Message) {
	for i := range batch {
		if !o.buffer.Push(batch[i]) {
			o.collector.AddDropped(1)
		}
	}
}

// healthLoop periodically warns on buffer and storage pressure.
func (o *Orchestrator) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Monitoring.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	usage := o.buffer.UsagePercent()
	if usage > o.cfg.Monitoring.BufferWarnPercent {
		o.log.Warn("buffer usage high",
			"usage_percent", fmt.Sprintf("%.1f", usage),
			"dropped", o.buffer.DroppedCount())
	}

	info, err := o.backend.Info(ctx)
	if err != nil {
		o.log.Error("storage info failed", "error", err)
		return
	}
	if info.FreeSpacePercent != nil && *info.FreeSpacePercent < o.cfg.Monitoring.FreeSpaceWarnPercent {
		o.log.Warn("storage space low",
			"free_percent", fmt.Sprintf("%.1f", *info.FreeSpacePercent))
	}

	o.log.Debug("health check",
		"buffer_usage_percent", fmt.Sprintf("%.1f", usage),
		"stored_messages", info.TotalMessages)
}

// shutdown closes the source, flushes the buffer into one final store,
// and closes the backend. Messages that cannot be stored at this point
// are lost and logged as such.
func (o *Orchestrator) shutdown() {
	o.source.Close()

	remaining := o.buffer.Flush()
	if len(remaining) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := o.backend.StoreBatch(ctx, remaining); err != nil {
			o.log.Error("final flush failed, messages lost",
				"count", len(remaining), "error", err)
		} else {
			o.collector.AddStored(int64(len(remaining)))
			o.log.Info("final flush stored", "count", len(remaining))
		}
	}

	if err := o.backend.Close(); err != nil {
		o.log.Error("storage close failed", "error", err)
	}
	o.log.Info("pipeline stopped")
}
