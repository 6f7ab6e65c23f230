package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileOptionsSchema compiles an inline JSON schema. A nil schema
// defaults to an empty object schema that accepts any options.
func compileOptionsSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// ValidateOptions checks a node's options against its declared options
// schema. Options round-trip through JSON first: the schema validates
// what the snapshot records, not Go-typed values.
func ValidateOptions(schema map[string]any, options map[string]any) error {
	compiled, err := compileOptionsSchema(schema)
	if err != nil {
		return fmt.Errorf("config: compile options schema: %w", err)
	}
	if options == nil {
		options = map[string]any{}
	}
	b, err := json.Marshal(options)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return compiled.Validate(v)
}

// ValidateNodeOptions validates every node in the file that declares an
// options schema, naming the offending node in the error.
func ValidateNodeOptions(cfg *PipelineFile) error {
	if cfg.Source.OptionsSchema != nil {
		if err := ValidateOptions(cfg.Source.OptionsSchema, cfg.Source.Options); err != nil {
			return fmt.Errorf("source options: %w", err)
		}
	}
	for _, st := range cfg.Steps {
		if st.OptionsSchema == nil {
			continue
		}
		if err := ValidateOptions(st.OptionsSchema, st.Options); err != nil {
			return fmt.Errorf("steps.%s options: %w", st.Name, err)
		}
	}
	for name, sink := range cfg.Sinks {
		if sink.OptionsSchema == nil {
			continue
		}
		if err := ValidateOptions(sink.OptionsSchema, sink.Options); err != nil {
			return fmt.Errorf("sinks.%s options: %w", name, err)
		}
	}
	return nil
}
