package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh opaque identifier for audit records.
func NewID() string {
	return uuid.NewString()
}

// NewRunID returns a lexicographically time-ordered run identifier, so
// listing runs by ID lists them chronologically.
func NewRunID() string {
	return ulid.Make().String()
}

// Run is one end-to-end pipeline execution.
type Run struct {
	RunID            string
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           RunStatus
	CanonicalVersion string
	ConfigHash       string
	SettingsJSON     string
}

// Node is a registered plugin instance, immutable after run setup.
type Node struct {
	NodeID             string
	RunID              string
	PluginName         string
	PluginVersion      string
	NodeType           NodeType
	Determinism        Determinism
	ConfigHash         string
	ConfigJSON         string
	SchemaHash         string
	SchemaMode         string
	SchemaFieldsJSON   string
	SequenceInPipeline int
	RegisteredAt       time.Time
}

// Edge is a routing possibility between two nodes, unique per
// (run, from node, label).
type Edge struct {
	EdgeID      string
	RunID       string
	FromNodeID  string
	ToNodeID    string
	Label       string
	DefaultMode RoutingMode
	CreatedAt   time.Time
}

// Row is one tabular record produced by a source. Data is stored by
// reference in the payload store; the record keeps only the hash.
type Row struct {
	RowID          string
	RunID          string
	SourceNodeID   string
	RowIndex       int
	SourceDataHash string
	SourceDataRef  string
	CreatedAt      time.Time
}

// Token is one concurrent flow of work over exactly one row.
type Token struct {
	TokenID        string
	RowID          string
	BranchName     string
	ForkGroupID    string
	JoinGroupID    string
	ExpandGroupID  string
	StepInPipeline int
	CreatedAt      time.Time
}

// TokenParent links a non-source token to one of its parents.
type TokenParent struct {
	TokenID       string
	ParentTokenID string
	Ordinal       int
}

// TokenOutcome is the terminal record for a token, written exactly once.
type TokenOutcome struct {
	OutcomeID     string
	RunID         string
	TokenID       string
	Outcome       RowOutcome
	IsTerminal    bool
	SinkName      string
	BatchID       string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	ErrorHash     string
	RecordedAt    time.Time
}

// NodeState records one (token, node) execution attempt. Retries append new
// rows; nothing is overwritten.
type NodeState struct {
	StateID     string
	TokenID     string
	RunID       string
	NodeID      string
	StepIndex   int
	Attempt     int
	Status      NodeStateStatus
	InputHash   string
	OutputHash  string
	ErrorJSON   string
	DurationMS  float64
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RoutingEvent is a routing decision attached to the node-state that made it.
type RoutingEvent struct {
	EventID    string
	StateID    string
	EdgeID     string
	Mode       RoutingMode
	ReasonHash string
	ReasonJSON string
	CreatedAt  time.Time
}

// Batch groups the tokens flushed together at an aggregation node.
type Batch struct {
	BatchID            string
	RunID              string
	AggregationNodeID  string
	AggregationStateID string
	Attempt            int
	Status             BatchStatus
	TriggerType        TriggerType
	TriggerReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// BatchMember fixes the deterministic ordering of tokens inside a batch.
type BatchMember struct {
	BatchID string
	TokenID string
	Ordinal int
}

// Operation is the source/sink analogue of a node-state: a parent context
// for external calls made during load() or write(), before any token exists.
type Operation struct {
	OperationID string
	RunID       string
	NodeID      string
	Type        OperationType
	Status      OperationStatus
	ErrorText   string
	DurationMS  float64
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Call is one outbound external request. Exactly one of StateID or
// OperationID is set.
type Call struct {
	CallID       string
	StateID      string
	OperationID  string
	CallIndex    int
	CallType     CallType
	Status       CallStatus
	RequestHash  string
	RequestRef   string
	ResponseHash string
	ResponseRef  string
	ErrorJSON    string
	LatencyMS    float64
	CreatedAt    time.Time
}

// Artifact is an output produced by a sink, append-only.
type Artifact struct {
	ArtifactID        string
	RunID             string
	ProducedByStateID string
	SinkNodeID        string
	ArtifactType      string
	PathOrURI         string
	ContentHash       string
	SizeBytes         int64
	IdempotencyKey    string
	CreatedAt         time.Time
}

// ValidationError records a row quarantined at ingestion.
type ValidationError struct {
	ErrorID     string
	RunID       string
	NodeID      string
	RowHash     string
	RowJSON     string
	Message     string
	SchemaMode  string
	Destination string
	CreatedAt   time.Time
}

// TransformErrorRecord records a processing error routed to an error sink
// or discarded.
type TransformErrorRecord struct {
	ErrorID     string
	RunID       string
	TokenID     string
	TransformID string
	RowHash     string
	RowJSON     string
	DetailsJSON string
	Destination string
	CreatedAt   time.Time
}

// Checkpoint is a monotonic progress marker carrying serialized aggregation
// buffer state for crash recovery.
type Checkpoint struct {
	CheckpointID         string
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int
	AggregationStateJSON string
	CreatedAt            time.Time
}
