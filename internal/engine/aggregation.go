package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// TriggerSettings declares when an aggregation node flushes.
type TriggerSettings struct {
	Type    model.TriggerType
	Count   int
	Timeout time.Duration
	// Custom is consulted on every buffer when Type is custom.
	Custom func(buffered []model.TokenInfo) bool
}

// AggregationSettings configures one aggregation node.
type AggregationSettings struct {
	NodeID     string
	OutputMode model.OutputMode
	Trigger    TriggerSettings
	// StepIndex is the node's position in the pipeline, stamped on the
	// tokens a flush creates.
	StepIndex int
}

// AggregationResult is what a submission or flush produced.
type AggregationResult struct {
	// Flushed is false when the token was only buffered.
	Flushed bool
	BatchID string
	// Failed marks a flush whose batch transform errored; the batch row
	// is failed and may be retried. Buffered tokens are retained.
	Failed        bool
	FailureReason map[string]any
	// Continuations are the tokens leaving the flush. The processor
	// enqueues them at the next step, or emits them completed when the
	// aggregation was the last step.
	Continuations []model.TokenInfo
}

type aggState struct {
	buffered []model.TokenInfo
	oldest   time.Time
	flushed  bool
	seq      int
}

// AggregationExecutor buffers tokens per aggregation node and runs the
// batch-aware transform when a trigger fires. Buffer-time outcomes depend
// on the output mode: single and passthrough buffer non-terminally
// (buffered), transform mode consumes tokens terminally on arrival
// (consumed_in_batch) because their identity never leaves the batch.
type AggregationExecutor struct {
	ls  *landscape.Landscape
	tm  *TokenManager
	now func() time.Time

	mu       sync.Mutex
	settings map[string]AggregationSettings
	states   map[string]*aggState
}

func NewAggregationExecutor(ls *landscape.Landscape, tm *TokenManager, settings []AggregationSettings) *AggregationExecutor {
	byNode := make(map[string]AggregationSettings, len(settings))
	states := make(map[string]*aggState, len(settings))
	for _, s := range settings {
		byNode[s.NodeID] = s
		states[s.NodeID] = &aggState{}
	}
	return &AggregationExecutor{
		ls:       ls,
		tm:       tm,
		now:      time.Now,
		settings: byNode,
		states:   states,
	}
}

// Submit buffers one token at the node and flushes if its trigger fires.
// stateID is the node-state of the submitting step, recorded on any batch
// created by this call.
func (a *AggregationExecutor) Submit(ctx context.Context, runID, nodeID, stateID string, tok model.TokenInfo, transform BatchTransform, pc *PluginContext) (AggregationResult, error) {
	cfg, ok := a.settings[nodeID]
	if !ok {
		return AggregationResult{}, fmt.Errorf("engine: node %s is not an aggregation node", nodeID)
	}

	a.mu.Lock()
	st := a.states[nodeID]
	if len(st.buffered) == 0 {
		st.oldest = a.now()
	}
	st.buffered = append(st.buffered, tok)
	fire, reason := a.triggerFires(cfg, st)
	a.mu.Unlock()

	// Buffer-time outcome, written for every arrival including the one
	// that fires the flush: non-terminal buffered for single and
	// passthrough modes, terminal consumed_in_batch for transform mode.
	if err := a.recordBufferOutcome(ctx, runID, cfg, tok); err != nil {
		return AggregationResult{}, err
	}
	if !fire {
		if err := a.checkpoint(ctx, runID, nodeID); err != nil {
			return AggregationResult{}, err
		}
		return AggregationResult{}, nil
	}
	return a.flush(ctx, runID, cfg, stateID, &tok, cfg.Trigger.Type, reason, transform, pc)
}

// FlushEndOfSource drains whatever is buffered once the orchestrator
// signals source exhaustion. A node with an empty buffer is a no-op.
func (a *AggregationExecutor) FlushEndOfSource(ctx context.Context, runID, nodeID, stateID string, transform BatchTransform, pc *PluginContext) (AggregationResult, error) {
	cfg, ok := a.settings[nodeID]
	if !ok {
		return AggregationResult{}, fmt.Errorf("engine: node %s is not an aggregation node", nodeID)
	}
	a.mu.Lock()
	empty := len(a.states[nodeID].buffered) == 0
	a.mu.Unlock()
	if empty {
		return AggregationResult{}, nil
	}
	return a.flush(ctx, runID, cfg, stateID, nil, model.TriggerEndOfSource, "source exhausted", transform, pc)
}

func (a *AggregationExecutor) triggerFires(cfg AggregationSettings, st *aggState) (bool, string) {
	switch cfg.Trigger.Type {
	case model.TriggerCount:
		if len(st.buffered) >= cfg.Trigger.Count {
			return true, fmt.Sprintf("count reached %d", cfg.Trigger.Count)
		}
	case model.TriggerTimeout:
		if age := a.now().Sub(st.oldest); age >= cfg.Trigger.Timeout {
			return true, fmt.Sprintf("oldest buffered token aged %s", age.Round(time.Millisecond))
		}
	case model.TriggerCustom:
		if cfg.Trigger.Custom != nil && cfg.Trigger.Custom(st.buffered) {
			return true, "custom evaluator fired"
		}
	}
	return false, ""
}

func (a *AggregationExecutor) recordBufferOutcome(ctx context.Context, runID string, cfg AggregationSettings, tok model.TokenInfo) error {
	outcome := model.OutcomeBuffered
	if cfg.OutputMode == model.OutputTransform {
		outcome = model.OutcomeConsumedInBatch
	}
	return a.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
		RunID:   runID,
		TokenID: tok.TokenID,
		Outcome: outcome,
	})
}

// flush runs the batch transform over everything buffered and interprets
// the result per output mode. trigger is nil for end-of-source flushes.
func (a *AggregationExecutor) flush(ctx context.Context, runID string, cfg AggregationSettings, stateID string, trigger *model.TokenInfo, triggerType model.TriggerType, triggerReason string, transform BatchTransform, pc *PluginContext) (AggregationResult, error) {
	a.mu.Lock()
	st := a.states[cfg.NodeID]
	members := st.buffered
	st.buffered = nil
	a.mu.Unlock()

	batch, err := a.ls.CreateBatch(ctx, runID, cfg.NodeID, stateID, 0, triggerType, triggerReason)
	if err != nil {
		return AggregationResult{}, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.TokenID
	}
	if err := a.ls.AddBatchMembers(ctx, batch.BatchID, ids, 0); err != nil {
		return AggregationResult{}, err
	}
	if err := a.ls.UpdateBatchStatus(ctx, batch.BatchID, model.BatchExecuting); err != nil {
		return AggregationResult{}, err
	}

	rows := make([]model.PipelineRow, len(members))
	for i, m := range members {
		rows[i] = m.RowData
	}
	result, procErr := transform.ProcessBatch(ctx, rows, pc)
	if procErr != nil {
		result = model.TransformError(map[string]any{"error": procErr.Error()}, false)
	}
	if result.Status != "success" {
		// Members go back to the head of the buffer so the orchestrator
		// can retry the batch; tokens buffered during the flush keep
		// their place behind them.
		a.mu.Lock()
		st.buffered = append(members, st.buffered...)
		a.mu.Unlock()
		if err := a.ls.CompleteBatch(ctx, batch.BatchID, model.BatchFailed); err != nil {
			return AggregationResult{}, err
		}
		return AggregationResult{Flushed: true, BatchID: batch.BatchID, Failed: true, FailureReason: result.Reason}, nil
	}

	out, err := a.interpret(ctx, runID, cfg, batch.BatchID, members, trigger, result)
	if err != nil {
		return AggregationResult{}, err
	}
	if err := a.ls.CompleteBatch(ctx, batch.BatchID, model.BatchCompleted); err != nil {
		return AggregationResult{}, err
	}
	a.mu.Lock()
	if triggerType == model.TriggerEndOfSource {
		st.flushed = true
	}
	a.mu.Unlock()
	if err := a.checkpoint(ctx, runID, cfg.NodeID); err != nil {
		return AggregationResult{}, err
	}
	out.Flushed = true
	out.BatchID = batch.BatchID
	return out, nil
}

func (a *AggregationExecutor) interpret(ctx context.Context, runID string, cfg AggregationSettings, batchID string, members []model.TokenInfo, trigger *model.TokenInfo, result model.TransformResult) (AggregationResult, error) {
	switch cfg.OutputMode {
	case model.OutputSingle:
		if result.Row == nil {
			return AggregationResult{}, fmt.Errorf("engine: single-mode aggregation returned %d rows, want 1", len(result.Rows))
		}
		// Every member, triggering token included, is consumed here.
		for _, m := range members {
			err := a.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
				RunID:   runID,
				TokenID: m.TokenID,
				Outcome: model.OutcomeConsumedInBatch,
				BatchID: batchID,
			})
			if err != nil {
				return AggregationResult{}, err
			}
		}
		agg, err := a.tm.NewChild(ctx, members[0].RowID, tokenIDs(members), *result.Row, cfg.StepIndex)
		if err != nil {
			return AggregationResult{}, err
		}
		return AggregationResult{Continuations: []model.TokenInfo{agg}}, nil

	case model.OutputPassthrough:
		if len(result.Rows) != len(members) {
			return AggregationResult{}, fmt.Errorf("engine: passthrough aggregation returned %d rows for %d buffered tokens", len(result.Rows), len(members))
		}
		// Tokens keep their identity; enriched data flows on. Their
		// buffered outcomes stay non-terminal until downstream finishes.
		cont := make([]model.TokenInfo, len(members))
		for i, m := range members {
			cont[i] = m.WithUpdatedData(result.Rows[i])
		}
		return AggregationResult{Continuations: cont}, nil

	case model.OutputTransform:
		outRows := result.Rows
		if outRows == nil && result.Row != nil {
			outRows = []model.PipelineRow{*result.Row}
		}
		if len(outRows) == 0 {
			return AggregationResult{}, fmt.Errorf("engine: transform-mode aggregation returned no rows")
		}
		// Every member was consumed terminally on arrival, before the
		// batch existed; point those outcomes at this batch now. Lineage
		// hangs off the triggering token.
		if err := a.ls.SetOutcomeBatch(ctx, batchID, tokenIDs(members)); err != nil {
			return AggregationResult{}, err
		}
		lineage := members[len(members)-1]
		if trigger != nil {
			lineage = *trigger
		}
		cont := make([]model.TokenInfo, len(outRows))
		for i, row := range outRows {
			child, err := a.tm.NewChild(ctx, lineage.RowID, []string{lineage.TokenID}, row, cfg.StepIndex)
			if err != nil {
				return AggregationResult{}, err
			}
			cont[i] = child
		}
		return AggregationResult{Continuations: cont}, nil
	}
	return AggregationResult{}, fmt.Errorf("engine: unknown output mode %q", cfg.OutputMode)
}

func tokenIDs(toks []model.TokenInfo) []string {
	ids := make([]string, len(toks))
	for i, t := range toks {
		ids[i] = t.TokenID
	}
	return ids
}

// checkpoint persists the node's buffer so a crashed run can resume
// without replaying consumed source rows.
func (a *AggregationExecutor) checkpoint(ctx context.Context, runID, nodeID string) error {
	a.mu.Lock()
	st := a.states[nodeID]
	st.seq++
	seq := st.seq
	snapshot := make([]map[string]any, len(st.buffered))
	for i, t := range st.buffered {
		snapshot[i] = map[string]any{
			"token_id":    t.TokenID,
			"row_id":      t.RowID,
			"branch_name": t.BranchName,
			"row_data":    t.RowData.ToMap(),
		}
	}
	flushed := st.flushed
	a.mu.Unlock()

	blob, err := canonical.MarshalJSON(map[string]any{"buffered": snapshot, "flushed": flushed})
	if err != nil {
		return fmt.Errorf("engine: encode aggregation checkpoint: %w", err)
	}
	_, err = a.ls.SaveCheckpoint(ctx, model.Checkpoint{
		RunID:                runID,
		NodeID:               nodeID,
		SequenceNumber:       seq,
		AggregationStateJSON: string(blob),
	})
	return err
}

// RestoreState rebuilds a node's buffer from a serialized checkpoint at
// resume time.
func (a *AggregationExecutor) RestoreState(nodeID, stateJSON string, contract model.SchemaContract) error {
	if _, ok := a.settings[nodeID]; !ok {
		return fmt.Errorf("engine: node %s is not an aggregation node", nodeID)
	}
	var decoded struct {
		Buffered []struct {
			TokenID    string         `json:"token_id"`
			RowID      string         `json:"row_id"`
			BranchName string         `json:"branch_name"`
			RowData    map[string]any `json:"row_data"`
		} `json:"buffered"`
		Flushed bool `json:"flushed"`
	}
	if err := json.Unmarshal([]byte(stateJSON), &decoded); err != nil {
		return fmt.Errorf("engine: decode aggregation checkpoint: %w", err)
	}
	buffered := make([]model.TokenInfo, len(decoded.Buffered))
	for i, b := range decoded.Buffered {
		buffered[i] = model.TokenInfo{
			TokenID:    b.TokenID,
			RowID:      b.RowID,
			BranchName: b.BranchName,
			RowData:    model.NewPipelineRow(b.RowData, contract),
		}
	}
	a.mu.Lock()
	st := a.states[nodeID]
	st.buffered = buffered
	st.flushed = decoded.Flushed
	if len(buffered) > 0 {
		st.oldest = a.now()
	}
	a.mu.Unlock()
	return nil
}

// BufferedCount reports how many tokens a node currently holds. The
// custom trigger and tests use it.
func (a *AggregationExecutor) BufferedCount(nodeID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[nodeID]; ok {
		return len(st.buffered)
	}
	return 0
}

// RetryFlush re-executes a failed batch: a fresh batch row with
// attempt+1 and the same members, then the normal flush path.
func (a *AggregationExecutor) RetryFlush(ctx context.Context, runID, nodeID, priorBatchID string, transform BatchTransform, pc *PluginContext) (AggregationResult, error) {
	cfg, ok := a.settings[nodeID]
	if !ok {
		return AggregationResult{}, fmt.Errorf("engine: node %s is not an aggregation node", nodeID)
	}
	fresh, err := a.ls.RetryBatch(ctx, priorBatchID)
	if err != nil {
		return AggregationResult{}, err
	}
	if err := a.ls.UpdateBatchStatus(ctx, fresh.BatchID, model.BatchExecuting); err != nil {
		return AggregationResult{}, err
	}

	a.mu.Lock()
	st := a.states[nodeID]
	members := st.buffered
	st.buffered = nil
	a.mu.Unlock()

	rows := make([]model.PipelineRow, len(members))
	for i, m := range members {
		rows[i] = m.RowData
	}
	result, procErr := transform.ProcessBatch(ctx, rows, pc)
	if procErr != nil {
		result = model.TransformError(map[string]any{"error": procErr.Error()}, false)
	}
	if result.Status != "success" {
		a.mu.Lock()
		st.buffered = append(members, st.buffered...)
		a.mu.Unlock()
		if err := a.ls.CompleteBatch(ctx, fresh.BatchID, model.BatchFailed); err != nil {
			return AggregationResult{}, err
		}
		return AggregationResult{Flushed: true, BatchID: fresh.BatchID, Failed: true, FailureReason: result.Reason}, nil
	}
	out, err := a.interpret(ctx, runID, cfg, fresh.BatchID, members, nil, result)
	if err != nil {
		return AggregationResult{}, err
	}
	if err := a.ls.CompleteBatch(ctx, fresh.BatchID, model.BatchCompleted); err != nil {
		return AggregationResult{}, err
	}
	out.Flushed = true
	out.BatchID = fresh.BatchID
	return out, nil
}
