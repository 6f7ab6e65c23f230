package model

import "fmt"

// CorruptEnumError reports an invalid enum string read back from the audit
// store. Silent coercion is forbidden: a value that does not parse means
// the store is corrupt and the run must fail.
type CorruptEnumError struct {
	Kind  string
	Value string
}

func (e *CorruptEnumError) Error() string {
	return fmt.Sprintf("corrupt audit value: %q is not a valid %s", e.Value, e.Kind)
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunRunning, RunCompleted, RunFailed, RunAborted:
		return RunStatus(s), nil
	}
	return "", &CorruptEnumError{Kind: "run status", Value: s}
}

type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeSink        NodeType = "sink"
)

func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeSource, NodeTransform, NodeGate, NodeAggregation, NodeSink:
		return NodeType(s), nil
	}
	return "", &CorruptEnumError{Kind: "node type", Value: s}
}

type Determinism string

const (
	Deterministic    Determinism = "deterministic"
	NonDeterministic Determinism = "non_deterministic"
	ExternalCall     Determinism = "external_call"
)

func ParseDeterminism(s string) (Determinism, error) {
	switch Determinism(s) {
	case Deterministic, NonDeterministic, ExternalCall:
		return Determinism(s), nil
	}
	return "", &CorruptEnumError{Kind: "determinism", Value: s}
}

type NodeStateStatus string

const (
	StateRunning   NodeStateStatus = "running"
	StateCompleted NodeStateStatus = "completed"
	StateFailed    NodeStateStatus = "failed"
)

func ParseNodeStateStatus(s string) (NodeStateStatus, error) {
	switch NodeStateStatus(s) {
	case StateRunning, StateCompleted, StateFailed:
		return NodeStateStatus(s), nil
	}
	return "", &CorruptEnumError{Kind: "node state status", Value: s}
}

// RowOutcome is the terminal tag recorded exactly once per token.
type RowOutcome string

const (
	OutcomeCompleted       RowOutcome = "completed"
	OutcomeFailed          RowOutcome = "failed"
	OutcomeRouted          RowOutcome = "routed"
	OutcomeForked          RowOutcome = "forked"
	OutcomeExpanded        RowOutcome = "expanded"
	OutcomeCoalesced       RowOutcome = "coalesced"
	OutcomeBuffered        RowOutcome = "buffered"
	OutcomeConsumedInBatch RowOutcome = "consumed_in_batch"
	OutcomeQuarantined     RowOutcome = "quarantined"
)

func ParseRowOutcome(s string) (RowOutcome, error) {
	switch RowOutcome(s) {
	case OutcomeCompleted, OutcomeFailed, OutcomeRouted, OutcomeForked,
		OutcomeExpanded, OutcomeCoalesced, OutcomeBuffered,
		OutcomeConsumedInBatch, OutcomeQuarantined:
		return RowOutcome(s), nil
	}
	return "", &CorruptEnumError{Kind: "row outcome", Value: s}
}

// Terminal reports whether the outcome ends the token. Buffered is the one
// non-terminal outcome: the token reappears when its aggregation flushes.
func (o RowOutcome) Terminal() bool {
	return o != OutcomeBuffered
}

type RoutingMode string

const (
	RouteMove   RoutingMode = "move"
	RouteCopy   RoutingMode = "copy"
	RouteDivert RoutingMode = "divert"
)

func ParseRoutingMode(s string) (RoutingMode, error) {
	switch RoutingMode(s) {
	case RouteMove, RouteCopy, RouteDivert:
		return RoutingMode(s), nil
	}
	return "", &CorruptEnumError{Kind: "routing mode", Value: s}
}

type TriggerType string

const (
	TriggerCount       TriggerType = "count"
	TriggerTimeout     TriggerType = "timeout"
	TriggerEndOfSource TriggerType = "end_of_source"
	TriggerCustom      TriggerType = "custom"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerCount, TriggerTimeout, TriggerEndOfSource, TriggerCustom:
		return TriggerType(s), nil
	}
	return "", &CorruptEnumError{Kind: "trigger type", Value: s}
}

type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchDraft, BatchExecuting, BatchCompleted, BatchFailed:
		return BatchStatus(s), nil
	}
	return "", &CorruptEnumError{Kind: "batch status", Value: s}
}

type CallType string

const (
	CallLLM  CallType = "llm"
	CallHTTP CallType = "http"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallLLM, CallHTTP:
		return CallType(s), nil
	}
	return "", &CorruptEnumError{Kind: "call type", Value: s}
}

type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
)

func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallSuccess, CallError:
		return CallStatus(s), nil
	}
	return "", &CorruptEnumError{Kind: "call status", Value: s}
}

// OutputMode declares what an aggregation node emits at flush time.
type OutputMode string

const (
	OutputSingle      OutputMode = "single"
	OutputPassthrough OutputMode = "passthrough"
	OutputTransform   OutputMode = "transform"
)

func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case OutputSingle, OutputPassthrough, OutputTransform:
		return OutputMode(s), nil
	}
	return "", &CorruptEnumError{Kind: "output mode", Value: s}
}

// OperationType distinguishes source loads from sink writes in the
// operations table.
type OperationType string

const (
	OpSourceLoad OperationType = "source_load"
	OpSinkWrite  OperationType = "sink_write"
)

func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpSourceLoad, OpSinkWrite:
		return OperationType(s), nil
	}
	return "", &CorruptEnumError{Kind: "operation type", Value: s}
}

type OperationStatus string

const (
	OpOpen      OperationStatus = "open"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
)

func ParseOperationStatus(s string) (OperationStatus, error) {
	switch OperationStatus(s) {
	case OpOpen, OpCompleted, OpFailed:
		return OperationStatus(s), nil
	}
	return "", &CorruptEnumError{Kind: "operation status", Value: s}
}
