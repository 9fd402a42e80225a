package policy

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dativo-io/pmframework/internal/trigger"
)

// ErrInvalidRule is returned for rules or conditions that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid policy rule")

// Field is an event field a condition inspects.
type Field string

// Fields.
const (
	FieldType     Field = "type"
	FieldPriority Field = "priority"
	FieldProject  Field = "project"
	FieldSource   Field = "source"
	FieldContent  Field = "content"
	FieldTag      Field = "tag"
	FieldMetadata Field = "metadata"
)

// Op is a comparison. All comparisons ignore case.
type Op string

// Ops.
const (
	OpEquals   Op = "equals"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpGlob     Op = "glob"
)

// FieldMatch is a single condition. Key names the metadata entry when Field
// is FieldMetadata.
type FieldMatch struct {
	Field Field  `yaml:"field" json:"field"`
	Op    Op     `yaml:"op" json:"op"`
	Key   string `yaml:"key,omitempty" json:"key,omitempty"`
	Value string `yaml:"value" json:"value"`
}

// Validate checks the field, op, key and glob syntax.
func (m FieldMatch) Validate() error {
	switch m.Field {
	case FieldType, FieldPriority, FieldProject, FieldSource, FieldContent, FieldTag:
	case FieldMetadata:
		if m.Key == "" {
			return fmt.Errorf("%w: metadata condition needs a key", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidRule, m.Field)
	}
	switch m.Op {
	case OpEquals, OpContains, OpPrefix:
	case OpGlob:
		if _, err := path.Match(strings.ToLower(m.Value), ""); err != nil {
			return fmt.Errorf("%w: bad glob %q: %v", ErrInvalidRule, m.Value, err)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRule, m.Op)
	}
	return nil
}

// Match evaluates the condition against e. A tag condition matches when any
// tag does.
func (m FieldMatch) Match(e trigger.Event) bool {
	switch m.Field {
	case FieldType:
		return m.compare(string(e.Type))
	case FieldPriority:
		return m.compare(string(e.Priority))
	case FieldProject:
		return m.compare(e.Project)
	case FieldSource:
		return m.compare(e.Source)
	case FieldContent:
		return m.compare(e.Content)
	case FieldTag:
		for _, t := range e.Tags {
			if m.compare(t) {
				return true
			}
		}
		return false
	case FieldMetadata:
		v, ok := e.Metadata()[m.Key]
		if !ok {
			return false
		}
		return m.compare(fmt.Sprint(v))
	}
	return false
}

func (m FieldMatch) compare(actual string) bool {
	actual = strings.ToLower(actual)
	want := strings.ToLower(m.Value)
	switch m.Op {
	case OpEquals:
		return actual == want
	case OpContains:
		return strings.Contains(actual, want)
	case OpPrefix:
		return strings.HasPrefix(actual, want)
	case OpGlob:
		ok, err := path.Match(want, actual)
		return err == nil && ok
	}
	return false
}

// String renders the condition in the prefix notation accepted by
// ParseCondition where possible.
func (m FieldMatch) String() string {
	if m.Field == FieldMetadata {
		return fmt.Sprintf("metadata:%s=%s (%s)", m.Key, m.Value, m.Op)
	}
	return fmt.Sprintf("%s:%s (%s)", m.Field, m.Value, m.Op)
}

// ParseCondition converts the prefix notation ("tag:dry*", "content:timeout",
// "metadata:env=prod") into a FieldMatch. Values with wildcards become globs,
// content becomes a substring match, everything else is an exact match.
// "*" and "" match every event and return nil.
func ParseCondition(s string) ([]FieldMatch, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	field, value, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: condition %q has no field prefix", ErrInvalidRule, s)
	}
	m := FieldMatch{Field: Field(strings.ToLower(strings.TrimSpace(field))), Value: strings.TrimSpace(value)}
	if m.Field == FieldMetadata {
		key, v, ok := strings.Cut(m.Value, "=")
		if !ok {
			return nil, fmt.Errorf("%w: metadata condition %q needs key=value", ErrInvalidRule, s)
		}
		m.Key, m.Value = strings.TrimSpace(key), strings.TrimSpace(v)
	}
	switch {
	case strings.ContainsAny(m.Value, "*?["):
		m.Op = OpGlob
	case m.Field == FieldContent:
		m.Op = OpContains
	default:
		m.Op = OpEquals
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return []FieldMatch{m}, nil
}
