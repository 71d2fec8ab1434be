package schema

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopicMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"sensors/+/temp", "sensors/kitchen/temp", true},
		{"sensors/+/temp", "sensors/kitchen/sub/temp", false},
		{"sensors/+/temp", "sensors//temp", false},
		{"sensors/+/temp", "sensors/temp", false},
		{"sensors/#", "sensors/kitchen/temp", true},
		{"sensors/#", "sensors/kitchen", true},
		{"sensors/#", "sensors", true},
		{"sensors/#", "actuators/kitchen", false},
		{"#", "anything/at/all", true},
		{"exact/topic", "exact/topic", true},
		{"exact/topic", "exact/topic/extra", false},
		{"exact/topic", "exact", false},
		{"a.b/+", "a.b/c", true},
		{"a.b/+", "axb/c", false}, // dot is literal, not a regex wildcard
	}

	for _, tt := range tests {
		m, err := newTopicMatcher(tt.pattern)
		if err != nil {
			t.Fatalf("pattern %q: %v", tt.pattern, err)
		}
		if got := m.matches(tt.topic); got != tt.want {
			t.Errorf("pattern %q topic %q: got %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestTopicMatcher_HashMustBeLast(t *testing.T) {
	if _, err := newTopicMatcher("sensors/#/temp"); err == nil {
		t.Error("expected error for '#' in the middle of a pattern")
	}
}

func writeSchemaFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const tempSchema = `
name: temperature
topic_pattern: sensors/+/temp
fields:
  - name: value
    type: float
    required: true
    validation:
      min: -50
      max: 150
  - name: unit
    type: string
    validation:
      enum: [celsius, fahrenheit]
  - name: sensor_id
    type: string
    required: true
    validation:
      pattern: "[a-z]+-[0-9]+"
  - name: recorded_at
    type: string
    required: true
    auto_fill: true
validation:
  strict: true
  allow_extra_fields: false
`

func newTestValidator(t *testing.T, files map[string]string) *Validator {
	t.Helper()
	dir := writeSchemaFiles(t, files)
	v, err := NewValidator(dir, true, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestValidator_ValidPayload(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/kitchen/temp", []byte(`{"value": 21.5, "unit": "celsius", "sensor_id": "kitchen-1"}`))
	if !res.Valid {
		t.Errorf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidator_MissingRequiredField(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/kitchen/temp", []byte(`{"unit": "celsius", "sensor_id": "kitchen-1"}`))
	if res.Valid {
		t.Error("expected invalid result under strict policy")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "missing required field: value" {
		t.Errorf("unexpected errors: %v", res.Errors)
	}
}

func TestValidator_AutoFillFieldMayBeAbsent(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	// recorded_at is required but auto_fill, so its absence is fine.
	res := v.Validate("sensors/kitchen/temp", []byte(`{"value": 1, "sensor_id": "a-1"}`))
	if !res.Valid {
		t.Errorf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidator_AdvisoryPolicyReportsValid(t *testing.T) {
	advisory := `
name: advisory
topic_pattern: adv/#
fields:
  - name: value
    type: float
    required: true
validation:
  strict: false
`
	v := newTestValidator(t, map[string]string{"adv.yaml": advisory})

	// Same finding, but the advisory policy reports it as valid anyway.
	res := v.Validate("adv/anything", []byte(`{}`))
	if !res.Valid {
		t.Error("advisory schema must report valid despite findings")
	}
	if len(res.Errors) != 1 {
		t.Errorf("advisory schema must still record findings, got %v", res.Errors)
	}
}

func TestValidator_RuleViolationsAccumulate(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/attic/temp",
		[]byte(`{"value": 400, "unit": "kelvin", "sensor_id": "ATTIC"}`))
	if res.Valid {
		t.Error("expected invalid result")
	}
	// Range, enum, and pattern findings must all be present; checks do
	// not short-circuit across rules.
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 findings, got %v", res.Errors)
	}
}

func TestValidator_TypeMismatchSkipsRules(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/attic/temp",
		[]byte(`{"value": "hot", "sensor_id": "attic-1"}`))
	if res.Valid {
		t.Error("expected invalid result")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "type mismatch for value: expected float" {
		t.Errorf("type mismatch must be the only finding for the field: %v", res.Errors)
	}
}

func TestValidator_ExtraFields(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/attic/temp",
		[]byte(`{"value": 20, "sensor_id": "attic-1", "zz": 1, "aa": 2}`))
	if res.Valid {
		t.Error("expected invalid result")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "unexpected fields: aa, zz" {
		t.Errorf("expected single sorted unexpected-fields finding, got %v", res.Errors)
	}
}

func TestValidator_IntegerAcceptsIntegralFloat(t *testing.T) {
	intSchema := `
name: counters
topic_pattern: counters/+
fields:
  - name: count
    type: integer
    required: true
validation:
  strict: true
`
	v := newTestValidator(t, map[string]string{"int.yaml": intSchema})

	if res := v.Validate("counters/a", []byte(`{"count": 5}`)); !res.Valid {
		t.Errorf("integral number must satisfy integer: %v", res.Errors)
	}
	if res := v.Validate("counters/a", []byte(`{"count": 5.0}`)); !res.Valid {
		t.Errorf("5.0 must satisfy integer: %v", res.Errors)
	}
	if res := v.Validate("counters/a", []byte(`{"count": 5.5}`)); res.Valid {
		t.Error("5.5 must not satisfy integer")
	}
}

func TestValidator_DecodeFailure(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("sensors/kitchen/temp", []byte(`{not json`))
	if res.Valid {
		t.Error("undecodable payload must be invalid")
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected one decode finding, got %v", res.Errors)
	}
}

func TestValidator_UnmatchedTopicPasses(t *testing.T) {
	v := newTestValidator(t, map[string]string{"temp.yaml": tempSchema})

	res := v.Validate("actuators/pump/state", []byte(`{"whatever": true}`))
	if !res.Valid {
		t.Errorf("unschema'd topic must pass: %v", res.Errors)
	}
}

func TestValidator_Disabled(t *testing.T) {
	v, err := NewValidator("", false, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if res := v.Validate("any/topic", []byte(`{not even json`)); !res.Valid {
		t.Error("disabled validator must accept everything")
	}
}

func TestValidator_FirstMatchWins(t *testing.T) {
	// Two overlapping patterns; registration order is sorted file order,
	// so a.yaml registers first and its strict policy applies.
	first := `
name: first
topic_pattern: overlap/#
fields:
  - name: a
    type: string
    required: true
validation:
  strict: true
`
	second := `
name: second
topic_pattern: overlap/specific
fields: []
validation:
  strict: false
  allow_extra_fields: true
`
	v := newTestValidator(t, map[string]string{"a.yaml": first, "b.yaml": second})

	res := v.Validate("overlap/specific", []byte(`{}`))
	if res.Valid {
		t.Error("first registered schema must win, making the result invalid")
	}
}

func TestValidator_BadFileSkipped(t *testing.T) {
	v := newTestValidator(t, map[string]string{
		"good.yaml": tempSchema,
		"noname.yaml": `
topic_pattern: x/#
fields: []
`,
		"broken.yaml": `{{{`,
	})

	names := v.Names()
	if len(names) != 1 || names[0] != "temperature" {
		t.Errorf("expected only the good schema, got %v", names)
	}
}

func TestValidator_JSONSchemaFile(t *testing.T) {
	jsonSchema := `{
  "name": "pressure",
  "topic_pattern": "press/+",
  "fields": [{"name": "bar", "type": "float", "required": true}],
  "validation": {"strict": true}
}`
	v := newTestValidator(t, map[string]string{"press.json": jsonSchema})

	if v.Get("pressure") == nil {
		t.Fatal("JSON schema file not loaded")
	}
	res := v.Validate("press/p1", []byte(`{"bar": 1.2}`))
	if !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}
