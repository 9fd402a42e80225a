package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/dativo-io/pmframework/internal/trigger"
)

// File is the on-disk policy format.
//
//	global_rate_per_second: 50
//	triggers:
//	  agent_operation:
//	    min_priority: medium
//	    rate_limit: {max_events: 100, window: 1m}
//	    rules:
//	      - name: skip_dry_runs
//	        condition: "tag:dry*"
//	        action: deny
//	        priority: 100
type File struct {
	GlobalRatePerSecond float64                `yaml:"global_rate_per_second"`
	Triggers            map[string]fileTrigger `yaml:"triggers"`
}

type fileTrigger struct {
	Enabled         *bool          `yaml:"enabled"`
	DefaultDecision string         `yaml:"default_decision"`
	MinPriority     string         `yaml:"min_priority"`
	MaxQueueSize    *int           `yaml:"max_queue_size"`
	BatchSize       *int           `yaml:"batch_size"`
	Timeout         string         `yaml:"timeout"`
	RateLimit       *fileRateLimit `yaml:"rate_limit"`
	Rules           []fileRule     `yaml:"rules"`
}

type fileRateLimit struct {
	MaxEvents int    `yaml:"max_events"`
	Window    string `yaml:"window"`
}

type fileRule struct {
	Name      string             `yaml:"name"`
	Condition string             `yaml:"condition"`
	When      []FieldMatch       `yaml:"when"`
	Action    string             `yaml:"action"`
	Priority  int                `yaml:"priority"`
	Overrides *trigger.Overrides `yaml:"overrides"`
}

// LoadFile reads a YAML policy file and merges it over DefaultConfigs. A type
// listed in the file keeps its default for every field the file leaves out;
// listing rules replaces the default rules for that type.
func LoadFile(ctx context.Context, path string) (map[trigger.Type]Config, *File, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	cfgs, f, err := Parse(content)
	if err != nil {
		return nil, nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return cfgs, f, nil
}

// Parse decodes policy YAML. See LoadFile.
func Parse(content []byte) (map[trigger.Type]Config, *File, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	cfgs := DefaultConfigs()
	for name, ft := range f.Triggers {
		t, err := trigger.ParseType(name)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		cfg, err := ft.apply(cfgs[t])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", t, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		cfgs[t] = cfg
	}
	return cfgs, &f, nil
}

func (ft fileTrigger) apply(cfg Config) (Config, error) {
	if ft.Enabled != nil {
		cfg.Enabled = *ft.Enabled
	}
	if ft.DefaultDecision != "" {
		d, err := trigger.ParseDecision(ft.DefaultDecision)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		cfg.DefaultDecision = d
	}
	if ft.MinPriority != "" {
		p, err := trigger.ParsePriority(ft.MinPriority)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		cfg.MinPriority = p
	}
	if ft.MaxQueueSize != nil {
		cfg.MaxQueueSize = *ft.MaxQueueSize
	}
	if ft.BatchSize != nil {
		cfg.BatchSize = *ft.BatchSize
	}
	if ft.Timeout != "" {
		d, err := time.ParseDuration(ft.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if ft.RateLimit != nil {
		rl := RateLimit{MaxEvents: ft.RateLimit.MaxEvents}
		if ft.RateLimit.Window != "" {
			d, err := time.ParseDuration(ft.RateLimit.Window)
			if err != nil {
				return cfg, fmt.Errorf("rate_limit.window: %w", err)
			}
			rl.Window = d
		}
		cfg.RateLimit = rl
	}
	if ft.Rules != nil {
		cfg.Rules = make([]Rule, 0, len(ft.Rules))
		for _, fr := range ft.Rules {
			r, err := fr.rule()
			if err != nil {
				return cfg, err
			}
			cfg.Rules = append(cfg.Rules, r)
		}
	}
	return cfg.clone(), nil
}

func (fr fileRule) rule() (Rule, error) {
	action, err := trigger.ParseDecision(fr.Action)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, fr.Name, err)
	}
	when, err := ParseCondition(fr.Condition)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", fr.Name, err)
	}
	return Rule{
		Name:      fr.Name,
		When:      append(when, fr.When...),
		Action:    action,
		Priority:  fr.Priority,
		Overrides: fr.Overrides,
	}, nil
}
