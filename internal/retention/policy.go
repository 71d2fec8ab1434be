// Package retention removes stored telemetry past its configured age.
//
// Policies are declared in the config file with a compact duration
// grammar (<integer><unit>, units d/w/m/y) and executed periodically
// against the storage backend.
package retention

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/telemetry"
)

// Approximate calendar units; months and years have no fixed length.
const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
	year  = 365 * day
)

// Policy is a parsed retention rule.
type Policy struct {
	Name string

	// Age is how long messages are kept before becoming eligible for
	// cleanup.
	Age time.Duration

	// Resolution names what the policy applies to. Only "raw" data is
	// subject to cleanup; other resolutions are reserved for downsampled
	// series and are skipped.
	Resolution string
}

// ParseDuration parses the retention duration grammar: a positive
// integer followed by one of d (days), w (weeks), m (months, 30 days),
// or y (years, 365 days).
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q: want <integer><d|w|m|y>", s)
	}

	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid duration %q: want a positive integer count", s)
	}

	switch s[len(s)-1] {
	case 'd':
		return time.Duration(value) * day, nil
	case 'w':
		return time.Duration(value) * week, nil
	case 'm':
		return time.Duration(value) * month, nil
	case 'y':
		return time.Duration(value) * year, nil
	default:
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, s[len(s)-1:])
	}
}

// ParsePolicies converts the configured rules into executable policies.
// A malformed duration is a fatal configuration error.
func ParsePolicies(cfgs []config.RetentionPolicyConfig) ([]Policy, error) {
	policies := make([]Policy, 0, len(cfgs))
	for i, c := range cfgs {
		age, err := ParseDuration(c.Duration)
		if err != nil {
			return nil, telemetry.NewConfigError(
				fmt.Sprintf("retention.policies[%d].duration", i), "%v", err)
		}
		resolution := c.Resolution
		if resolution == "" {
			resolution = "raw"
		}
		policies = append(policies, Policy{
			Name:       c.Name,
			Age:        age,
			Resolution: resolution,
		})
	}
	return policies, nil
}
