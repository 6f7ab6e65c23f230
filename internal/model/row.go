package model

import "fmt"

// SchemaMode declares how strictly a contract binds the fields of a row.
type SchemaMode string

const (
	// SchemaFixed locks the row to exactly the declared fields.
	SchemaFixed SchemaMode = "fixed"
	// SchemaFlexible requires the declared fields but admits extras.
	SchemaFlexible SchemaMode = "flexible"
	// SchemaObserved declares nothing; fields are whatever arrived.
	SchemaObserved SchemaMode = "observed"
)

func ParseSchemaMode(s string) (SchemaMode, error) {
	switch SchemaMode(s) {
	case SchemaFixed, SchemaFlexible, SchemaObserved:
		return SchemaMode(s), nil
	}
	return "", &CorruptEnumError{Kind: "schema mode", Value: s}
}

// SchemaContract captures the schema agreement a row travels under. The
// zero value is not valid; use NewContract or ObservedContract.
type SchemaContract struct {
	Mode   SchemaMode
	Fields []string
	Locked bool
}

// NewContract builds a locked contract over the given fields.
func NewContract(mode SchemaMode, fields []string) SchemaContract {
	cp := make([]string, len(fields))
	copy(cp, fields)
	return SchemaContract{Mode: mode, Fields: cp, Locked: true}
}

// ObservedContract is the minimal contract attached to quarantined rows:
// no declared fields, not locked, never validated.
func ObservedContract() SchemaContract {
	return SchemaContract{Mode: SchemaObserved, Locked: false}
}

// Validate checks data against the contract. Observed mode accepts anything.
func (c SchemaContract) Validate(data map[string]any) error {
	if c.Mode == SchemaObserved {
		return nil
	}
	for _, f := range c.Fields {
		if _, ok := data[f]; !ok {
			return fmt.Errorf("schema: missing declared field %q", f)
		}
	}
	if c.Mode == SchemaFixed {
		declared := make(map[string]struct{}, len(c.Fields))
		for _, f := range c.Fields {
			declared[f] = struct{}{}
		}
		for k := range data {
			if _, ok := declared[k]; !ok {
				return fmt.Errorf("schema: undeclared field %q in fixed-mode row", k)
			}
		}
	}
	return nil
}

// PipelineRow is an immutable view of a row's data plus its contract.
// Every mutation produces a new PipelineRow; callers never observe partial
// mutation. Construction deep-copies, so the caller's map can be mutated
// freely afterwards without affecting the row.
type PipelineRow struct {
	data     map[string]any
	contract SchemaContract
}

// NewPipelineRow copies data and binds it to contract.
func NewPipelineRow(data map[string]any, contract SchemaContract) PipelineRow {
	return PipelineRow{data: DeepCopyMap(data), contract: contract}
}

// Contract returns the row's schema contract.
func (r PipelineRow) Contract() SchemaContract { return r.contract }

// Get returns the value for field, and whether it is present.
func (r PipelineRow) Get(field string) (any, bool) {
	v, ok := r.data[field]
	return v, ok
}

// Len returns the number of fields.
func (r PipelineRow) Len() int { return len(r.data) }

// ToMap returns a deep copy of the row's data. Mutating the result never
// affects the row.
func (r PipelineRow) ToMap() map[string]any {
	return DeepCopyMap(r.data)
}

// With returns a new row with field set to value, same contract.
func (r PipelineRow) With(field string, value any) PipelineRow {
	data := DeepCopyMap(r.data)
	data[field] = DeepCopyValue(value)
	return PipelineRow{data: data, contract: r.contract}
}

// Merge returns a new row with every entry of extra applied over the
// current data, same contract.
func (r PipelineRow) Merge(extra map[string]any) PipelineRow {
	data := DeepCopyMap(r.data)
	for k, v := range extra {
		data[k] = DeepCopyValue(v)
	}
	return PipelineRow{data: data, contract: r.contract}
}

// Clone returns an independent deep copy. Fork and expand use this so that
// sibling tokens can never share nested mutable structure.
func (r PipelineRow) Clone() PipelineRow {
	return PipelineRow{data: DeepCopyMap(r.data), contract: r.contract}
}

// DeepCopyMap copies a JSON-shaped map at every nesting level.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue copies a JSON-shaped value. Scalars are returned as-is;
// maps and slices are copied recursively.
func DeepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return DeepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = DeepCopyValue(elem)
		}
		return out
	default:
		return x
	}
}
