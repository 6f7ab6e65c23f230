package model

// TransformResult is the closed outcome of one transform invocation.
// Use the constructors; Status is "success" or "error", never anything else.
type TransformResult struct {
	Status    string
	Row       *PipelineRow
	Rows      []PipelineRow
	Reason    map[string]any
	Retryable bool

	// Audit fields, set by the executor, never by the plugin.
	InputHash  string
	OutputHash string
	DurationMS float64
}

// TransformSuccess wraps a single output row.
func TransformSuccess(row PipelineRow) TransformResult {
	return TransformResult{Status: "success", Row: &row}
}

// TransformSuccessMulti wraps a multi-row output (deaggregation or
// passthrough aggregation).
func TransformSuccessMulti(rows []PipelineRow) TransformResult {
	return TransformResult{Status: "success", Rows: rows}
}

// TransformError wraps a processing error. Processing errors are results,
// not transient failures: the retry manager never retries them.
func TransformError(reason map[string]any, retryable bool) TransformResult {
	return TransformResult{Status: "error", Reason: reason, Retryable: retryable}
}

// IsMultiRow reports whether the result carries N rows instead of one.
func (r TransformResult) IsMultiRow() bool { return r.Rows != nil }

// FailureInfo is the structured error detail attached to failed RowResults.
type FailureInfo struct {
	Kind      string
	Message   string
	Attempts  int
	LastError string
}

// RowResult is one terminal outcome leaving the row processor. A single
// source row may produce several (forks, expansions).
type RowResult struct {
	Token     TokenInfo
	FinalData PipelineRow
	Outcome   RowOutcome
	SinkName  string
	Error     *FailureInfo
}

// RoutingKind is the closed set of actions a gate can take.
type RoutingKind string

const (
	RouteContinue    RoutingKind = "continue"
	RouteToSink      RoutingKind = "route_to"
	RouteForkToPaths RoutingKind = "fork_to_paths"
)

// GateDecision is what a gate returns: continue, divert to a sink, or fork
// into named branches.
type GateDecision struct {
	Kind     RoutingKind
	SinkName string
	Branches []string
	Reason   map[string]any
}

func Continue() GateDecision {
	return GateDecision{Kind: RouteContinue}
}

func RouteTo(sink string) GateDecision {
	return GateDecision{Kind: RouteToSink, SinkName: sink}
}

func ForkToPaths(branches []string) GateDecision {
	return GateDecision{Kind: RouteForkToPaths, Branches: branches}
}

// SourceRow is one record yielded by a source: either a valid row under a
// contract, or a quarantined raw record that failed ingestion validation.
type SourceRow struct {
	Row                   map[string]any
	Contract              SchemaContract
	Quarantined           bool
	QuarantineDestination string
	QuarantineError       string
}

// ValidSourceRow builds a row that passed ingestion validation.
func ValidSourceRow(row map[string]any, contract SchemaContract) SourceRow {
	return SourceRow{Row: row, Contract: contract}
}

// QuarantinedSourceRow builds a row that failed validation. It carries no
// contract; the recorder hashes it with the lenient encoder.
func QuarantinedSourceRow(row map[string]any, destination, errMsg string) SourceRow {
	return SourceRow{
		Row:                   row,
		Quarantined:           true,
		QuarantineDestination: destination,
		QuarantineError:       errMsg,
	}
}

// ArtifactDescriptor is what a sink returns from a durable write.
type ArtifactDescriptor struct {
	ArtifactType   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}
