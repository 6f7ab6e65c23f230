// Package engine implements the row pipeline runtime: token manager, row
// processor, aggregation and coalesce executors, retry policy, and the
// config-gate condition language.
package engine

import (
	"context"
	"log/slog"

	"github.com/vsavkov/elspeth/internal/clients"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
	"github.com/vsavkov/elspeth/internal/pool"
)

// PluginContext is what the engine hands to every plugin invocation. The
// call parent routes any external calls the plugin makes to the right
// audit record.
type PluginContext struct {
	RunID  string
	NodeID string
	Parent landscape.CallParent

	LLM  *clients.LLMClient
	HTTP *clients.HTTPClient
	Log  *slog.Logger

	// Pool is the node's bounded executor. Single calls through LLM/HTTP
	// are already permit-gated when the clients were built on a pooled
	// auditor; batch-aware transforms use SubmitAll to fan per-row calls
	// out under the same cap and gather per-row results.
	Pool *pool.Executor

	// Checkpoint is an opaque state blob restored on resume and
	// serialised on suspend. Only aggregation-shaped plugins use it.
	Checkpoint map[string]any
}

// Plugin is the identity every node shares.
type Plugin interface {
	Name() string
	Version() string
}

// Source yields the rows a run starts from. Quarantined rows are yielded,
// not dropped: the recorder still writes them.
type Source interface {
	Plugin
	Contract() model.SchemaContract
	Load(ctx context.Context, pc *PluginContext) ([]model.SourceRow, error)
}

// Transform processes one row. The error return is for infrastructure
// failures only (network, timeout, capacity) and drives the retry
// manager; a processing error is a result, returned as
// TransformResult.error and never retried.
//
// BatchAware transforms additionally implement BatchTransform and are
// driven by the aggregation executor. CreatesTokens gates multi-row
// results: a transform returning success_multi without it is a
// configuration error.
type Transform interface {
	Plugin
	Process(ctx context.Context, row model.PipelineRow, pc *PluginContext) (model.TransformResult, error)
	BatchAware() bool
	CreatesTokens() bool
}

// BatchTransform is the flush-time entry point of a batch-aware transform.
type BatchTransform interface {
	Transform
	ProcessBatch(ctx context.Context, rows []model.PipelineRow, pc *PluginContext) (model.TransformResult, error)
}

// Gate routes tokens: continue, divert to a sink, or fork into branches.
type Gate interface {
	Plugin
	Evaluate(ctx context.Context, token model.TokenInfo, pc *PluginContext) (model.GateDecision, error)
}

// Sink writes rows durably and describes what it wrote. The processor
// records the routed outcome only after Write returns: durability first,
// then the audit record.
type Sink interface {
	Plugin
	Write(ctx context.Context, rows []model.PipelineRow, pc *PluginContext) (model.ArtifactDescriptor, error)
}
