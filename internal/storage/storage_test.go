package storage

import (
	"errors"
	"testing"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

func TestNew(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"sqlite", false},
		{"postgres", false},
		{"file", false},
		{"influx", false},
		{"duckdb", true},
		{"", true},
	}

	for _, tt := range tests {
		cfg := config.Default().Storage
		cfg.Backend = tt.backend

		b, err := New(&cfg, testLogger())
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) succeeded, want config error", tt.backend)
				continue
			}
			var cfgErr *telemetry.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("New(%q) error %v is not a ConfigError", tt.backend, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q): %v", tt.backend, err)
			continue
		}
		if b == nil {
			t.Errorf("New(%q) returned nil backend", tt.backend)
		}
	}
}

func TestQueryLimit(t *testing.T) {
	if got := (Query{}).limit(); got != DefaultQueryLimit {
		t.Errorf("zero limit = %d, want %d", got, DefaultQueryLimit)
	}
	if got := (Query{Limit: -5}).limit(); got != DefaultQueryLimit {
		t.Errorf("negative limit = %d, want %d", got, DefaultQueryLimit)
	}
	if got := (Query{Limit: 7}).limit(); got != 7 {
		t.Errorf("limit = %d, want 7", got)
	}
}
