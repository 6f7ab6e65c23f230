// Package config loads and validates the pipeline settings file. The
// resolved snapshot is what the landscape records as the run's settings;
// its canonical hash is the run's config_hash.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vsavkov/elspeth/internal/canonical"
)

type SchemaConfig struct {
	Mode   string   `json:"mode" yaml:"mode"`
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// NodeConfig declares one pipeline node: which plugin runs it and with
// what options. OptionsSchema, when present, is a JSON schema the options
// must satisfy.
type NodeConfig struct {
	Plugin        string         `json:"plugin" yaml:"plugin"`
	Version       string         `json:"version,omitempty" yaml:"version,omitempty"`
	Schema        SchemaConfig   `json:"schema,omitempty" yaml:"schema,omitempty"`
	Options       map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	OptionsSchema map[string]any `json:"options_schema,omitempty" yaml:"options_schema,omitempty"`
}

type TriggerConfig struct {
	Type      string `json:"type" yaml:"type"`
	Count     int    `json:"count,omitempty" yaml:"count,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type AggregationConfig struct {
	Trigger    TriggerConfig `json:"trigger" yaml:"trigger"`
	OutputMode string        `json:"output_mode" yaml:"output_mode"`
}

// StepConfig is one pipeline position. Kind selects which of the
// kind-specific fields apply.
type StepConfig struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"` // transform | gate | config_gate | aggregation
	Plugin string `json:"plugin,omitempty" yaml:"plugin,omitempty"`

	Options       map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	OptionsSchema map[string]any `json:"options_schema,omitempty" yaml:"options_schema,omitempty"`
	ErrorSink     string         `json:"error_sink,omitempty" yaml:"error_sink,omitempty"`

	// Config-gate fields.
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	RouteTo   string   `json:"route_to,omitempty" yaml:"route_to,omitempty"`
	ForkTo    []string `json:"fork_to,omitempty" yaml:"fork_to,omitempty"`

	Aggregation *AggregationConfig `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
}

type CoalesceConfig struct {
	Name      string   `json:"name" yaml:"name"`
	AfterStep string   `json:"after_step" yaml:"after_step"`
	Branches  []string `json:"branches" yaml:"branches"`
	Policy    string   `json:"policy,omitempty" yaml:"policy,omitempty"`
	Quorum    int      `json:"quorum,omitempty" yaml:"quorum,omitempty"`
}

type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

type PoolConfig struct {
	Size             int `json:"size" yaml:"size"`
	SubmitTimeoutMS  int `json:"submit_timeout_ms" yaml:"submit_timeout_ms"`
	CapacityRetries  int `json:"capacity_retries" yaml:"capacity_retries"`
	CapacityDelayMS  int `json:"capacity_delay_ms" yaml:"capacity_delay_ms"`
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

type VerifyConfig struct {
	IgnorePaths []string `json:"ignore_paths,omitempty" yaml:"ignore_paths,omitempty"`
	IgnoreOrder *bool    `json:"ignore_order,omitempty" yaml:"ignore_order,omitempty"`
}

// PipelineFile is the settings file a run starts from.
type PipelineFile struct {
	Version int    `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`

	Landscape struct {
		Path       string `json:"path" yaml:"path"`
		PayloadDir string `json:"payload_dir,omitempty" yaml:"payload_dir,omitempty"`
	} `json:"landscape" yaml:"landscape"`

	Export struct {
		SigningKeyEnv string `json:"signing_key_env,omitempty" yaml:"signing_key_env,omitempty"`
	} `json:"export,omitempty" yaml:"export,omitempty"`

	Retry  RetryConfig  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Pool   PoolConfig   `json:"pool,omitempty" yaml:"pool,omitempty"`
	Verify VerifyConfig `json:"verify,omitempty" yaml:"verify,omitempty"`

	Source   NodeConfig                `json:"source" yaml:"source"`
	Steps    []StepConfig              `json:"steps" yaml:"steps"`
	Sinks    map[string]NodeConfig     `json:"sinks" yaml:"sinks"`
	Coalesce []CoalesceConfig          `json:"coalesce,omitempty" yaml:"coalesce,omitempty"`
}

// Load reads, decodes, defaults, and validates a settings file. Unknown
// fields are rejected: a typo in a settings file must fail loudly, not
// silently configure nothing.
func Load(path string) (*PipelineFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg PipelineFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *PipelineFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *PipelineFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *PipelineFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMS == 0 {
		cfg.Retry.InitialDelayMS = 200
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry.BackoffFactor = 2.0
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 60_000
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 4
	}
	if cfg.Pool.SubmitTimeoutMS == 0 {
		cfg.Pool.SubmitTimeoutMS = 30_000
	}
	if cfg.Pool.SuccessThreshold == 0 {
		cfg.Pool.SuccessThreshold = 5
	}
	if cfg.Source.Schema.Mode == "" {
		cfg.Source.Schema.Mode = "observed"
	}
	for i := range cfg.Steps {
		st := &cfg.Steps[i]
		if st.Kind == "aggregation" && st.Aggregation != nil && st.Aggregation.OutputMode == "" {
			st.Aggregation.OutputMode = "single"
		}
	}
	for i := range cfg.Coalesce {
		if cfg.Coalesce[i].Policy == "" {
			cfg.Coalesce[i].Policy = "require_all"
		}
	}
}

func validate(cfg *PipelineFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(cfg.Landscape.Path) == "" {
		return fmt.Errorf("landscape.path is required")
	}
	if strings.TrimSpace(cfg.Source.Plugin) == "" {
		return fmt.Errorf("source.plugin is required")
	}
	switch cfg.Source.Schema.Mode {
	case "fixed", "flexible", "observed":
	default:
		return fmt.Errorf("invalid source.schema.mode: %q (want fixed|flexible|observed)", cfg.Source.Schema.Mode)
	}
	if cfg.Source.Schema.Mode != "observed" && len(cfg.Source.Schema.Fields) == 0 {
		return fmt.Errorf("source.schema.fields is required for mode %q", cfg.Source.Schema.Mode)
	}
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	stepNames := map[string]bool{}
	for i, st := range cfg.Steps {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("steps[%d].name is required", i)
		}
		if stepNames[st.Name] {
			return fmt.Errorf("duplicate step name %q", st.Name)
		}
		stepNames[st.Name] = true
		switch st.Kind {
		case "transform", "gate":
			if strings.TrimSpace(st.Plugin) == "" {
				return fmt.Errorf("steps.%s.plugin is required for kind %q", st.Name, st.Kind)
			}
		case "config_gate":
			if strings.TrimSpace(st.Condition) == "" {
				return fmt.Errorf("steps.%s.condition is required for config_gate", st.Name)
			}
			if st.RouteTo == "" && len(st.ForkTo) == 0 {
				return fmt.Errorf("steps.%s needs route_to or fork_to", st.Name)
			}
			if st.RouteTo != "" && len(st.ForkTo) > 0 {
				return fmt.Errorf("steps.%s: route_to and fork_to are mutually exclusive", st.Name)
			}
			if st.RouteTo != "" {
				if _, ok := cfg.Sinks[st.RouteTo]; !ok {
					return fmt.Errorf("steps.%s.route_to references unknown sink %q", st.Name, st.RouteTo)
				}
			}
		case "aggregation":
			if strings.TrimSpace(st.Plugin) == "" {
				return fmt.Errorf("steps.%s.plugin is required for aggregation", st.Name)
			}
			if st.Aggregation == nil {
				return fmt.Errorf("steps.%s.aggregation is required for kind aggregation", st.Name)
			}
			switch st.Aggregation.Trigger.Type {
			case "count":
				if st.Aggregation.Trigger.Count < 1 {
					return fmt.Errorf("steps.%s.aggregation.trigger.count must be >= 1", st.Name)
				}
			case "timeout":
				if st.Aggregation.Trigger.TimeoutMS < 1 {
					return fmt.Errorf("steps.%s.aggregation.trigger.timeout_ms must be >= 1", st.Name)
				}
			case "end_of_source", "custom":
			default:
				return fmt.Errorf("invalid trigger type %q (want count|timeout|end_of_source|custom)", st.Aggregation.Trigger.Type)
			}
			switch st.Aggregation.OutputMode {
			case "single", "passthrough", "transform":
			default:
				return fmt.Errorf("invalid output_mode %q (want single|passthrough|transform)", st.Aggregation.OutputMode)
			}
		default:
			return fmt.Errorf("steps.%s: invalid kind %q", st.Name, st.Kind)
		}
		if st.ErrorSink != "" {
			if _, ok := cfg.Sinks[st.ErrorSink]; !ok {
				return fmt.Errorf("steps.%s.error_sink references unknown sink %q", st.Name, st.ErrorSink)
			}
		}
	}

	for name, sink := range cfg.Sinks {
		if strings.TrimSpace(sink.Plugin) == "" {
			return fmt.Errorf("sinks.%s.plugin is required", name)
		}
	}

	coalesceNames := map[string]bool{}
	for i, c := range cfg.Coalesce {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("coalesce[%d].name is required", i)
		}
		if coalesceNames[c.Name] {
			return fmt.Errorf("duplicate coalesce name %q", c.Name)
		}
		coalesceNames[c.Name] = true
		if !stepNames[c.AfterStep] {
			return fmt.Errorf("coalesce.%s.after_step references unknown step %q", c.Name, c.AfterStep)
		}
		if len(c.Branches) < 2 {
			return fmt.Errorf("coalesce.%s needs at least two branches", c.Name)
		}
		switch c.Policy {
		case "require_all", "best_effort":
		case "quorum":
			if c.Quorum < 1 || c.Quorum > len(c.Branches) {
				return fmt.Errorf("coalesce.%s.quorum must be in [1, %d]", c.Name, len(c.Branches))
			}
		default:
			return fmt.Errorf("coalesce.%s: invalid policy %q", c.Name, c.Policy)
		}
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be >= 1")
	}
	return nil
}

// Snapshot renders the resolved config as the plain map the landscape
// stores with the run. Round-tripping through JSON keeps the snapshot
// free of Go-typed values.
func (c *PipelineFile) Snapshot() (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Hash is the canonical hash of the resolved snapshot: the run's
// config_hash. Two runs with the same hash ran the same configuration.
func (c *PipelineFile) Hash() (string, error) {
	m, err := c.Snapshot()
	if err != nil {
		return "", err
	}
	return canonical.Hash(m)
}
