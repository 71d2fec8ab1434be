// Package schema implements declarative validation of telemetry payloads.
//
// Schemas are YAML or JSON documents keyed by an MQTT-style topic pattern
// ("+" matches exactly one path segment, "#" matches zero or more trailing
// segments). All files in a directory are loaded once at startup; the
// registry is never mutated at runtime except by an explicit Reload.
//
// A topic is validated against the first schema whose pattern matches, in
// registration order. Topics with no matching schema pass through as valid.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// FieldRules holds the optional per-field validation rules.
type FieldRules struct {
	Min       *float64 `yaml:"min" json:"min"`
	Max       *float64 `yaml:"max" json:"max"`
	MinLength *int     `yaml:"min_length" json:"min_length"`
	MaxLength *int     `yaml:"max_length" json:"max_length"`
	Pattern   string   `yaml:"pattern" json:"pattern"`
	Enum      []any    `yaml:"enum" json:"enum"`

	compiledPattern *regexp.Regexp
}

// Field declares one payload field.
type Field struct {
	Name     string      `yaml:"name" json:"name"`
	Type     string      `yaml:"type" json:"type"`
	Required bool        `yaml:"required" json:"required"`
	AutoFill bool        `yaml:"auto_fill" json:"auto_fill"`
	Rules    *FieldRules `yaml:"validation" json:"validation"`
}

// Policy controls how validation findings are reported.
type Policy struct {
	// Strict makes recorded errors fail validation. When false the schema
	// is advisory: errors are still recorded but the result reads valid.
	Strict bool `yaml:"strict" json:"strict"`

	// AllowExtraFields suppresses the unexpected-fields check.
	AllowExtraFields bool `yaml:"allow_extra_fields" json:"allow_extra_fields"`
}

// Schema declares the expected shape of payloads on matching topics.
type Schema struct {
	Name         string  `yaml:"name" json:"name"`
	TopicPattern string  `yaml:"topic_pattern" json:"topic_pattern"`
	Fields       []Field `yaml:"fields" json:"fields"`
	Policy       Policy  `yaml:"validation" json:"validation"`

	matcher *topicMatcher
}

// decode parses a schema document. YAML is a superset of JSON, so both
// file flavors go through the yaml decoder unless the extension says
// otherwise.
func decode(path string, data []byte) (*Schema, error) {
	var s Schema
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &s, nil
}

// validate checks the schema document itself. A missing name is fatal per
// document; rule problems (bad regex, unknown type) are too, so they fail
// at load time instead of per message.
func (s *Schema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema must have a 'name' field")
	}
	if s.TopicPattern == "" {
		return fmt.Errorf("schema %q must have a 'topic_pattern' field", s.Name)
	}

	m, err := newTopicMatcher(s.TopicPattern)
	if err != nil {
		return fmt.Errorf("schema %q: %w", s.Name, err)
	}
	s.matcher = m

	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("schema %q: field %d has no name", s.Name, i)
		}
		if f.Rules != nil && f.Rules.Pattern != "" {
			if err := f.Rules.compilePattern(); err != nil {
				return fmt.Errorf("schema %q field %q: %w", s.Name, f.Name, err)
			}
		}
	}
	return nil
}

// Matches reports whether the schema's topic pattern matches the topic.
func (s *Schema) Matches(topic string) bool {
	return s.matcher != nil && s.matcher.matches(topic)
}

// LoadDirectory reads every .yaml, .yml, and .json file under dir and
// returns the schemas that parsed cleanly, in deterministic (sorted path)
// order. Files that fail to parse or validate are reported in skipped and
// do not abort the load. A missing directory yields an empty set.
func LoadDirectory(dir string) (schemas []*Schema, skipped []error, err error) {
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		return nil, nil, nil
	}

	var paths []string
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, nil, fmt.Errorf("scan schema directory: %w", walkErr)
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			skipped = append(skipped, fmt.Errorf("read %s: %w", path, readErr))
			continue
		}

		s, decErr := decode(path, data)
		if decErr != nil {
			skipped = append(skipped, decErr)
			continue
		}
		if valErr := s.validate(); valErr != nil {
			skipped = append(skipped, fmt.Errorf("%s: %w", path, valErr))
			continue
		}
		schemas = append(schemas, s)
	}

	return schemas, skipped, nil
}
