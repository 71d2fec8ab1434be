package schema

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Result is the outcome of validating one payload. A fresh Result is
// produced per call; it is never persisted.
type Result struct {
	Valid  bool
	Errors []string
}

// Error joins the recorded findings into one message, or returns ""
// when there are none.
func (r Result) Error() string {
	return strings.Join(r.Errors, "; ")
}

// Validator holds the loaded schemas and validates raw payloads against
// them. Schemas are matched first-pattern-wins in registration order.
type Validator struct {
	mu      sync.RWMutex
	enabled bool
	dir     string
	schemas []*Schema
	byName  map[string]*Schema
	log     *slog.Logger
}

// NewValidator loads all schemas from dir. Individual files that fail to
// parse are logged and skipped; only a directory scan failure aborts.
// When enabled is false every payload validates trivially.
func NewValidator(dir string, enabled bool, log *slog.Logger) (*Validator, error) {
	v := &Validator{
		enabled: enabled,
		dir:     dir,
		byName:  make(map[string]*Schema),
		log:     log,
	}

	if dir == "" || !enabled {
		return v, nil
	}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads the schema directory, replacing the registry wholesale.
// This is the only mutation the registry supports after startup.
func (v *Validator) Reload() error {
	schemas, skipped, err := LoadDirectory(v.dir)
	if err != nil {
		return err
	}
	for _, skip := range skipped {
		v.log.Error("skipping schema file", "error", skip)
	}

	byName := make(map[string]*Schema, len(schemas))
	for _, s := range schemas {
		byName[s.Name] = s
	}

	v.mu.Lock()
	v.schemas = schemas
	v.byName = byName
	v.mu.Unlock()

	v.log.Info("schemas loaded", "dir", v.dir, "count", len(schemas), "skipped", len(skipped))
	return nil
}

// Enabled reports whether validation is active.
func (v *Validator) Enabled() bool {
	return v.enabled
}

// Get returns the schema with the given name, or nil.
func (v *Validator) Get(name string) *Schema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.byName[name]
}

// Names returns the loaded schema names in registration order.
func (v *Validator) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.schemas))
	for _, s := range v.schemas {
		names = append(names, s.Name)
	}
	return names
}

// schemaFor returns the first schema whose pattern matches the topic.
func (v *Validator) schemaFor(topic string) *Schema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, s := range v.schemas {
		if s.Matches(topic) {
			return s
		}
	}
	return nil
}

// Validate checks a raw payload against the schema matching the topic.
//
// Payloads that fail to decode are invalid regardless of policy. Topics
// without a matching schema pass through. Under an advisory (non-strict)
// policy the findings are recorded but the result still reads valid.
func (v *Validator) Validate(topic string, rawPayload []byte) Result {
	if !v.enabled {
		return Result{Valid: true}
	}

	var payload any
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return Result{Valid: false, Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}

	s := v.schemaFor(topic)
	if s == nil {
		return Result{Valid: true}
	}

	errors := validateFields(payload, s)
	if len(errors) == 0 {
		return Result{Valid: true}
	}
	return Result{Valid: !s.Policy.Strict, Errors: errors}
}

// validateFields applies the declared fields and policy to a decoded
// payload, accumulating findings instead of short-circuiting.
func validateFields(payload any, s *Schema) []string {
	var errors []string

	obj, isObject := payload.(map[string]any)

	for i := range s.Fields {
		f := &s.Fields[i]

		var value any
		present := false
		if isObject {
			value, present = obj[f.Name]
		}

		if !present {
			if f.Required && !f.AutoFill {
				errors = append(errors, fmt.Sprintf("missing required field: %s", f.Name))
			}
			continue
		}

		errors = append(errors, validateFieldValue(value, f)...)
	}

	if !s.Policy.AllowExtraFields && isObject {
		declared := make(map[string]bool, len(s.Fields))
		for i := range s.Fields {
			declared[s.Fields[i].Name] = true
		}

		var extra []string
		for key := range obj {
			if !declared[key] {
				extra = append(extra, key)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			errors = append(errors, fmt.Sprintf("unexpected fields: %s", strings.Join(extra, ", ")))
		}
	}

	return errors
}

// validateFieldValue checks type first; a mismatch ends checking for the
// field. Otherwise every present rule is applied in order and each
// violation records one finding.
func validateFieldValue(value any, f *Field) []string {
	var errors []string

	if !checkType(value, f.Type) {
		return []string{fmt.Sprintf("type mismatch for %s: expected %s", f.Name, f.Type)}
	}

	rules := f.Rules
	if rules == nil {
		return nil
	}

	if num, ok := asNumber(value); ok {
		if rules.Min != nil && num < *rules.Min {
			errors = append(errors, fmt.Sprintf("%s below minimum: %v < %v", f.Name, num, *rules.Min))
		}
		if rules.Max != nil && num > *rules.Max {
			errors = append(errors, fmt.Sprintf("%s above maximum: %v > %v", f.Name, num, *rules.Max))
		}
	}

	if str, ok := value.(string); ok {
		if rules.MinLength != nil && len(str) < *rules.MinLength {
			errors = append(errors, fmt.Sprintf("%s too short: %d < %d", f.Name, len(str), *rules.MinLength))
		}
		if rules.MaxLength != nil && len(str) > *rules.MaxLength {
			errors = append(errors, fmt.Sprintf("%s too long: %d > %d", f.Name, len(str), *rules.MaxLength))
		}
		if rules.compiledPattern != nil && !rules.compiledPattern.MatchString(str) {
			errors = append(errors, fmt.Sprintf("%s does not match pattern: %s", f.Name, rules.Pattern))
		}
	}

	if len(rules.Enum) > 0 && !enumContains(rules.Enum, value) {
		errors = append(errors, fmt.Sprintf("%s not in allowed values: %v", f.Name, rules.Enum))
	}

	return errors
}

// compilePattern anchors the rule regex so it must match the whole value,
// not just a prefix.
func (r *FieldRules) compilePattern() error {
	re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
	}
	r.compiledPattern = re
	return nil
}

// checkType matches a decoded JSON value against a declared type name.
// JSON numbers decode as float64, so "integer" accepts any number with an
// integral value and the floating types accept integers too. Unknown type
// names are accepted.
func checkType(value any, declared string) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		num, ok := asNumber(value)
		return ok && num == math.Trunc(num)
	case "float", "double":
		_, ok := asNumber(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// asNumber unwraps the numeric representations the JSON decoder can
// produce. Booleans are not numbers.
func asNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// enumContains compares the value against each allowed entry. Numeric
// entries are compared by value so 20 and 20.0 are the same member.
func enumContains(allowed []any, value any) bool {
	vNum, vIsNum := asNumber(value)
	for _, a := range allowed {
		if aNum, ok := asNumber(a); ok && vIsNum {
			if aNum == vNum {
				return true
			}
			continue
		}
		if a == value {
			return true
		}
	}
	return false
}
