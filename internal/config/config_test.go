package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
name: demo
landscape:
  path: out/landscape.db
source:
  plugin: csv
  options:
    path: rows.csv
steps:
  - name: enrich
    kind: transform
    plugin: enrich
sinks:
  output:
    plugin: csv_out
`

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pipeline.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version=%d, want 1", cfg.Version)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialDelayMS != 200 ||
		cfg.Retry.BackoffFactor != 2.0 || cfg.Retry.MaxDelayMS != 60_000 {
		t.Fatalf("retry defaults: %+v", cfg.Retry)
	}
	if cfg.Pool.Size != 4 || cfg.Pool.SubmitTimeoutMS != 30_000 || cfg.Pool.SuccessThreshold != 5 {
		t.Fatalf("pool defaults: %+v", cfg.Pool)
	}
	if cfg.Source.Schema.Mode != "observed" {
		t.Fatalf("source schema mode=%q, want observed", cfg.Source.Schema.Mode)
	}
}

func TestLoad_JSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pipeline.json", `{
		"name": "demo",
		"landscape": {"path": "out/landscape.db"},
		"source": {"plugin": "csv"},
		"steps": [{"name": "enrich", "kind": "transform", "plugin": "enrich"}],
		"sinks": {"output": {"plugin": "csv_out"}}
	}`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Name != "demo" || len(cfg.Steps) != 1 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	yamlWithTypo := strings.Replace(validYAML, "name: demo", "name: demo\nretires: 5", 1)
	if _, err := Load(writeConfig(t, "typo.yaml", yamlWithTypo)); err == nil {
		t.Fatal("unknown yaml field accepted")
	}
	if _, err := Load(writeConfig(t, "typo.json", `{
		"name": "demo", "retires": 5,
		"landscape": {"path": "x"},
		"source": {"plugin": "csv"},
		"steps": [{"name": "s", "kind": "transform", "plugin": "p"}],
		"sinks": {}
	}`)); err == nil {
		t.Fatal("unknown json field accepted")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: strings.Replace(validYAML, "name: demo", "name: \"\"", 1),
			want: "name is required",
		},
		{
			name: "missing landscape path",
			yaml: strings.Replace(validYAML, "path: out/landscape.db", "path: \"\"", 1),
			want: "landscape.path is required",
		},
		{
			name: "missing source plugin",
			yaml: strings.Replace(validYAML, "plugin: csv\n", "plugin: \"\"\n", 1),
			want: "source.plugin is required",
		},
		{
			name: "bad schema mode",
			yaml: strings.Replace(validYAML, "source:", "source:\n  schema:\n    mode: loose", 1),
			want: "invalid source.schema.mode",
		},
		{
			name: "fixed schema without fields",
			yaml: strings.Replace(validYAML, "source:", "source:\n  schema:\n    mode: fixed", 1),
			want: "source.schema.fields is required",
		},
		{
			name: "no steps",
			yaml: `
name: demo
landscape:
  path: out/landscape.db
source:
  plugin: csv
steps: []
sinks: {}
`,
			want: "at least one step",
		},
		{
			name: "duplicate step name",
			yaml: strings.Replace(validYAML, "sinks:", `  - name: enrich
    kind: transform
    plugin: enrich
sinks:`, 1),
			want: "duplicate step name",
		},
		{
			name: "transform without plugin",
			yaml: strings.Replace(validYAML, "    plugin: enrich\n", "", 1),
			want: "plugin is required",
		},
		{
			name: "bad step kind",
			yaml: strings.Replace(validYAML, "kind: transform", "kind: mapper", 1),
			want: "invalid kind",
		},
		{
			name: "config_gate without condition",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: config_gate
    route_to: output`, 1),
			want: "condition is required",
		},
		{
			name: "config_gate without destination",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: config_gate
    condition: status = ok`, 1),
			want: "route_to or fork_to",
		},
		{
			name: "config_gate with both destinations",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: config_gate
    condition: status = ok
    route_to: output
    fork_to: [a, b]`, 1),
			want: "mutually exclusive",
		},
		{
			name: "config_gate unknown sink",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: config_gate
    condition: status = ok
    route_to: nowhere`, 1),
			want: "unknown sink",
		},
		{
			name: "error_sink unknown",
			yaml: strings.Replace(validYAML, "plugin: enrich\n", "plugin: enrich\n    error_sink: nowhere\n", 1),
			want: "unknown sink",
		},
		{
			name: "aggregation without settings",
			yaml: strings.Replace(validYAML, "kind: transform", "kind: aggregation", 1),
			want: "aggregation is required",
		},
		{
			name: "count trigger without count",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: aggregation
    plugin: batcher
    aggregation:
      trigger:
        type: count`, 1),
			want: "count must be >= 1",
		},
		{
			name: "bad trigger type",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: aggregation
    plugin: batcher
    aggregation:
      trigger:
        type: whenever`, 1),
			want: "invalid trigger type",
		},
		{
			name: "bad output mode",
			yaml: strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: aggregation
    plugin: batcher
    aggregation:
      trigger:
        type: count
        count: 5
      output_mode: scatter`, 1),
			want: "invalid output_mode",
		},
		{
			name: "sink without plugin",
			yaml: strings.Replace(validYAML, "plugin: csv_out", "plugin: \"\"", 1),
			want: "sinks.output.plugin is required",
		},
		{
			name: "coalesce unknown step",
			yaml: validYAML + `
coalesce:
  - name: join
    after_step: missing
    branches: [a, b]
`,
			want: "unknown step",
		},
		{
			name: "coalesce one branch",
			yaml: validYAML + `
coalesce:
  - name: join
    after_step: enrich
    branches: [a]
`,
			want: "at least two branches",
		},
		{
			name: "coalesce quorum out of range",
			yaml: validYAML + `
coalesce:
  - name: join
    after_step: enrich
    branches: [a, b]
    policy: quorum
    quorum: 3
`,
			want: "quorum must be in [1, 2]",
		},
		{
			name: "coalesce bad policy",
			yaml: validYAML + `
coalesce:
  - name: join
    after_step: enrich
    branches: [a, b]
    policy: hope
`,
			want: "invalid policy",
		},
		{
			name: "duplicate coalesce name",
			yaml: validYAML + `
coalesce:
  - name: join
    after_step: enrich
    branches: [a, b]
  - name: join
    after_step: enrich
    branches: [c, d]
`,
			want: "duplicate coalesce name",
		},
		{
			name: "unsupported version",
			yaml: strings.Replace(validYAML, "name: demo", "version: 2\nname: demo", 1),
			want: "unsupported config version",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "pipeline.yaml", tc.yaml))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error=%q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoad_AggregationAndCoalesceDefaults(t *testing.T) {
	yaml := strings.Replace(validYAML, `    kind: transform
    plugin: enrich`, `    kind: aggregation
    plugin: batcher
    aggregation:
      trigger:
        type: count
        count: 5`, 1) + `
coalesce:
  - name: join
    after_step: enrich
    branches: [a, b]
`
	cfg, err := Load(writeConfig(t, "pipeline.yaml", yaml))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Steps[0].Aggregation.OutputMode; got != "single" {
		t.Fatalf("output_mode=%q, want single", got)
	}
	if got := cfg.Coalesce[0].Policy; got != "require_all" {
		t.Fatalf("policy=%q, want require_all", got)
	}
}

func TestHash_StableAndSensitive(t *testing.T) {
	path := writeConfig(t, "pipeline.yaml", validYAML)
	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if ha != hb {
		t.Fatalf("same file hashed differently: %s vs %s", ha, hb)
	}

	c, err := Load(writeConfig(t, "pipeline.yaml", strings.Replace(validYAML, "name: demo", "name: other", 1)))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	hc, err := c.Hash()
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if hc == ha {
		t.Fatal("renamed pipeline kept the same hash")
	}
}

func TestSnapshot_PlainValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pipeline.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	snap, err := cfg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	// JSON round-trip leaves only plain decoded types.
	if v, ok := snap["version"].(float64); !ok || v != 1 {
		t.Fatalf("version=%v (%T)", snap["version"], snap["version"])
	}
	steps, ok := snap["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps=%v", snap["steps"])
	}
	if _, ok := snap["retry"].(map[string]any); !ok {
		t.Fatalf("retry=%v (%T)", snap["retry"], snap["retry"])
	}
}

func TestValidateOptions(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path":  map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
	}
	if err := ValidateOptions(schema, map[string]any{"path": "rows.csv", "limit": 10}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	if err := ValidateOptions(schema, map[string]any{"limit": 10}); err == nil {
		t.Fatal("missing required option accepted")
	}
	if err := ValidateOptions(schema, map[string]any{"path": "x", "limit": "ten"}); err == nil {
		t.Fatal("wrong option type accepted")
	}
	// No declared schema accepts anything.
	if err := ValidateOptions(nil, map[string]any{"whatever": true}); err != nil {
		t.Fatalf("nil schema rejected options: %v", err)
	}
}

func TestValidateNodeOptions_NamesOffendingNode(t *testing.T) {
	yaml := strings.Replace(validYAML, "plugin: enrich\n", `plugin: enrich
    options:
      mode: 7
    options_schema:
      type: object
      properties:
        mode:
          type: string
`, 1)
	cfg, err := Load(writeConfig(t, "pipeline.yaml", yaml))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	err = ValidateNodeOptions(cfg)
	if err == nil {
		t.Fatal("schema violation accepted")
	}
	if !strings.Contains(err.Error(), "steps.enrich") {
		t.Fatalf("error=%q, want offending step named", err)
	}
}
