// telemetryd ingests MQTT telemetry, validates it against schemas, and
// persists it to the configured storage backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/telemetryd/internal/buffer"
	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/ingress"
	"github.com/xtxerr/telemetryd/internal/logging"
	"github.com/xtxerr/telemetryd/internal/metrics"
	"github.com/xtxerr/telemetryd/internal/pipeline"
	"github.com/xtxerr/telemetryd/internal/retention"
	"github.com/xtxerr/telemetryd/internal/schema"
	"github.com/xtxerr/telemetryd/internal/stats"
	"github.com/xtxerr/telemetryd/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	broker := flag.String("broker", "", "MQTT broker host (overrides config)")
	backendName := flag.String("backend", "", "storage backend (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "Prometheus listen address (empty disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("telemetryd %s\n", Version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *backendName != "" {
		cfg.Storage.Backend = *backendName
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	level, levelErr := logging.ParseLevel(cfg.Logging.Level)
	if levelErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", levelErr)
		os.Exit(1)
	}
	log := logging.New(level, cfg.Logging.JSON)
	log.Info("telemetryd starting", "version", Version)
	if err == nil {
		log.Info("config loaded", "path", *cfgPath)
	} else {
		log.Info("no config file found, using defaults")
	}

	validator, err := schema.NewValidator(cfg.Schema.Dir, cfg.Schema.Enabled,
		logging.Component(log, "schema"))
	if err != nil {
		log.Error("load schemas", "error", err)
		os.Exit(1)
	}
	log.Info("schemas loaded", "count", len(validator.Names()), "enabled", cfg.Schema.Enabled)

	backend, err := storage.New(&cfg.Storage, log)
	if err != nil {
		log.Error("create storage backend", "error", err)
		os.Exit(1)
	}
	log.Info("storage backend selected", "backend", cfg.Storage.Backend)

	policies, err := retention.ParsePolicies(cfg.Retention.Policies)
	if err != nil {
		log.Error("parse retention policies", "error", err)
		os.Exit(1)
	}

	collector := stats.New()
	buf := buffer.New(cfg.Buffer.Capacity)
	source := ingress.NewMQTT(&cfg.MQTT, collector, log)
	orch := pipeline.New(cfg, source, validator, buf, backend, collector, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scheduler *retention.Scheduler
	if cfg.Retention.Enabled {
		scheduler = retention.NewScheduler(backend, policies, cfg.Retention.Interval, log)
		scheduler.Start(ctx)
	} else {
		log.Info("retention disabled")
	}

	if *metricsListen != "" {
		m := metrics.New(collector)
		srv := &http.Server{
			Addr:              *metricsListen,
			Handler:           m.Handler(buf),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", *metricsListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	runErr := orch.Run(ctx)

	if scheduler != nil {
		scheduler.Stop()
	}

	if runErr != nil {
		log.Error("pipeline failed", "error", runErr)
		os.Exit(1)
	}
	log.Info("telemetryd stopped")
}
