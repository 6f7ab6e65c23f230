package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// maxWorkIterations aborts a row whose pipeline misbehaves (a fork bomb or
// an expansion loop). Healthy pipelines never get close.
const maxWorkIterations = 10_000

// StepKind is what a resolved pipeline step dispatches as.
type StepKind string

const (
	StepTransform   StepKind = "transform"
	StepGate        StepKind = "gate"
	StepAggregation StepKind = "aggregation"
	StepConfigGate  StepKind = "config_gate"
)

// Step is one resolved pipeline position. Exactly one of Transform, Gate,
// or ConfigGate is set, matching Kind; aggregation steps carry their
// batch-aware transform in Transform.
type Step struct {
	NodeID     string
	Name       string
	Kind       StepKind
	Transform  Transform
	Gate       Gate
	ConfigGate *GateSettings
	// ErrorSink receives rows whose transform returned a processing
	// error. Empty means the row is quarantined instead.
	ErrorSink string
}

// ProcessorConfig is everything the orchestrator resolves before handing
// rows to a processor.
type ProcessorConfig struct {
	RunID        string
	SourceNodeID string
	Steps        []Step

	// EdgeMap resolves (node, label) to the registered edge for routing
	// events; RouteResolution maps a label to "continue" or a sink name.
	EdgeMap         map[EdgeKey]string
	RouteResolution map[EdgeKey]string

	Retry        *RetryManager
	Aggregations *AggregationExecutor
	Coalesce     *CoalesceExecutor

	// BranchToCoalesce names the join a forked branch flows into;
	// CoalesceStepMap gives the step index where the join happens.
	BranchToCoalesce map[string]string
	CoalesceStepMap  map[string]int

	// MaxWorkIterations overrides the per-row queue cap. Zero or negative
	// means the default.
	MaxWorkIterations int

	Log *slog.Logger
}

// EdgeKey addresses an edge by its origin node and label.
type EdgeKey struct {
	NodeID string
	Label  string
}

// RowProcessor walks one source row through the resolved pipeline,
// producing the terminal RowResults for every token the row turned into.
// Scheduling is single-threaded cooperative: a FIFO work queue per row,
// children enqueued behind all earlier items.
type RowProcessor struct {
	cfg ProcessorConfig
	ls  *landscape.Landscape
	tm  *TokenManager
	pc  *PluginContext
	log *slog.Logger
	now func() time.Time
}

func NewRowProcessor(ls *landscape.Landscape, tm *TokenManager, pc *PluginContext, cfg ProcessorConfig) *RowProcessor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &RowProcessor{cfg: cfg, ls: ls, tm: tm, pc: pc, log: log, now: time.Now}
}

type workItem struct {
	token          model.TokenInfo
	startStep      int
	coalesceAtStep int // -1 when not coalescing
	coalesceName   string
}

// ProcessRow runs one freshly-loaded source row. Quarantined rows are
// recorded and returned without entering the pipeline.
func (p *RowProcessor) ProcessRow(ctx context.Context, rowIndex int, src model.SourceRow) ([]model.RowResult, error) {
	tok, err := p.tm.CreateInitialToken(ctx, p.cfg.RunID, p.cfg.SourceNodeID, rowIndex, src)
	if err != nil {
		return nil, err
	}
	if src.Quarantined {
		rowHash, _ := canonical.HashQuarantined(src.Row)
		rowJSON, _ := canonical.MarshalQuarantined(src.Row)
		_, err := p.ls.RecordValidationError(ctx, model.ValidationError{
			RunID:       p.cfg.RunID,
			NodeID:      p.cfg.SourceNodeID,
			RowHash:     rowHash,
			RowJSON:     string(rowJSON),
			Message:     src.QuarantineError,
			SchemaMode:  string(model.SchemaObserved),
			Destination: src.QuarantineDestination,
		})
		if err != nil {
			return nil, err
		}
		err = p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
			RunID:    p.cfg.RunID,
			TokenID:  tok.TokenID,
			Outcome:  model.OutcomeQuarantined,
			SinkName: src.QuarantineDestination,
		})
		if err != nil {
			return nil, err
		}
		return []model.RowResult{{
			Token:     tok,
			FinalData: tok.RowData,
			Outcome:   model.OutcomeQuarantined,
			SinkName:  src.QuarantineDestination,
		}}, nil
	}
	return p.run(ctx, workItem{token: tok, coalesceAtStep: -1})
}

// ProcessExistingRow is the resume path: the row is already persisted.
func (p *RowProcessor) ProcessExistingRow(ctx context.Context, rowID string, data map[string]any, contract model.SchemaContract) ([]model.RowResult, error) {
	tok, err := p.tm.CreateTokenForExistingRow(ctx, rowID, data, contract)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, workItem{token: tok, coalesceAtStep: -1})
}

// run drains the row's work queue. Every item either reaches the end of
// the pipeline, terminates at a step, or is absorbed (buffer, join hold).
func (p *RowProcessor) run(ctx context.Context, first workItem) ([]model.RowResult, error) {
	queue := []workItem{first}
	var results []model.RowResult
	iterations := 0
	limit := p.cfg.MaxWorkIterations
	if limit <= 0 {
		limit = maxWorkIterations
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		iterations++
		if iterations > limit {
			return results, fmt.Errorf("engine: row %s exceeded %d work iterations", first.token.RowID, limit)
		}
		item := queue[0]
		queue = queue[1:]

		emitted, children, err := p.runItem(ctx, item)
		if err != nil {
			return results, err
		}
		results = append(results, emitted...)
		queue = append(queue, children...)
	}
	return results, nil
}

// runItem walks one token from its start step. It returns any terminal
// results plus child work items to enqueue.
func (p *RowProcessor) runItem(ctx context.Context, item workItem) ([]model.RowResult, []workItem, error) {
	token := item.token

	for step := item.startStep; step < len(p.cfg.Steps); step++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		// A forked branch that reached its join point is handed to the
		// coalesce executor before the step runs.
		if item.coalesceAtStep >= 0 && step == item.coalesceAtStep {
			res, err := p.cfg.Coalesce.Submit(ctx, p.cfg.RunID, item.coalesceName, token)
			if err != nil {
				return nil, nil, err
			}
			switch res.Status {
			case CoalesceHeld:
				return nil, nil, nil
			case CoalesceFailed:
				return p.failJoin(ctx, res)
			case CoalesceMerged:
				token = res.Merged
				item.coalesceAtStep = -1
				item.coalesceName = ""
			}
		}

		st := p.cfg.Steps[step]
		switch st.Kind {
		case StepGate, StepConfigGate:
			emitted, children, next, err := p.runGate(ctx, item, token, step, st)
			if err != nil || emitted != nil || children != nil {
				return emitted, children, err
			}
			token = next

		case StepTransform:
			emitted, children, next, err := p.runTransform(ctx, item, token, step, st)
			if err != nil || emitted != nil || children != nil {
				return emitted, children, err
			}
			token = next

		case StepAggregation:
			return p.runAggregation(ctx, item, token, step, st)

		default:
			return nil, nil, fmt.Errorf("engine: step %d has unknown kind %q", step, st.Kind)
		}
	}

	// A join placed after the final step fires once the branch walks off
	// the end of the pipeline.
	if item.coalesceAtStep >= len(p.cfg.Steps) {
		res, err := p.cfg.Coalesce.Submit(ctx, p.cfg.RunID, item.coalesceName, token)
		if err != nil {
			return nil, nil, err
		}
		switch res.Status {
		case CoalesceHeld:
			return nil, nil, nil
		case CoalesceFailed:
			return p.failJoin(ctx, res)
		case CoalesceMerged:
			token = res.Merged
		}
	}

	// Walked off the end: the token completed.
	err := p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
		RunID:   p.cfg.RunID,
		TokenID: token.TokenID,
		Outcome: model.OutcomeCompleted,
	})
	if err != nil {
		return nil, nil, err
	}
	return []model.RowResult{{Token: token, FinalData: token.RowData, Outcome: model.OutcomeCompleted}}, nil, nil
}

// runGate evaluates a gate step. A nil emitted+children return with no
// error means the token continues to the next step.
func (p *RowProcessor) runGate(ctx context.Context, item workItem, token model.TokenInfo, step int, st Step) ([]model.RowResult, []workItem, model.TokenInfo, error) {
	inputHash, err := HashRow(token.RowData)
	if err != nil {
		return nil, nil, token, err
	}
	state, err := p.ls.BeginNodeState(ctx, p.cfg.RunID, token.TokenID, st.NodeID, step, 0, inputHash)
	if err != nil {
		return nil, nil, token, err
	}
	start := p.now()

	var decision model.GateDecision
	var evalErr error
	if st.Kind == StepConfigGate {
		decision, evalErr = st.ConfigGate.Evaluate(token)
	} else {
		decision, evalErr = st.Gate.Evaluate(ctx, token, p.pluginContext(state.StateID, st.NodeID))
	}
	durationMS := p.elapsedMS(start)

	if evalErr != nil {
		if err := p.completeFailed(ctx, state.StateID, evalErr, durationMS); err != nil {
			return nil, nil, token, err
		}
		emitted, children, err := p.failToken(ctx, item, token, evalErr)
		return emitted, children, token, err
	}
	if err := p.ls.CompleteNodeState(ctx, state.StateID, model.StateCompleted, inputHash, "", durationMS); err != nil {
		return nil, nil, token, err
	}

	switch decision.Kind {
	case model.RouteContinue:
		return nil, nil, token, nil

	case model.RouteToSink:
		p.recordRouting(ctx, state.StateID, st.NodeID, decision.SinkName, model.RouteDivert, decision.Reason)
		err := p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
			RunID:    p.cfg.RunID,
			TokenID:  token.TokenID,
			Outcome:  model.OutcomeRouted,
			SinkName: decision.SinkName,
		})
		if err != nil {
			return nil, nil, token, err
		}
		extra, children, err := p.notifyBranchLost(ctx, item, "routed to "+decision.SinkName)
		if err != nil {
			return nil, nil, token, err
		}
		result := model.RowResult{Token: token, FinalData: token.RowData, Outcome: model.OutcomeRouted, SinkName: decision.SinkName}
		return append([]model.RowResult{result}, extra...), children, token, nil

	case model.RouteForkToPaths:
		children, _, err := p.tm.Fork(ctx, p.cfg.RunID, token, decision.Branches, step+1, nil)
		if err != nil {
			return nil, nil, token, err
		}
		for _, branch := range decision.Branches {
			p.recordRouting(ctx, state.StateID, st.NodeID, branch, model.RouteCopy, decision.Reason)
		}
		items := make([]workItem, len(children))
		for i, child := range children {
			items[i] = workItem{token: child, startStep: step + 1, coalesceAtStep: -1}
			if name, ok := p.cfg.BranchToCoalesce[child.BranchName]; ok {
				items[i].coalesceName = name
				items[i].coalesceAtStep = p.cfg.CoalesceStepMap[name]
			}
		}
		// The forked parent's outcome was recorded inside Fork; the
		// parent emits no RowResult of its own.
		return nil, items, token, nil
	}
	return nil, nil, token, fmt.Errorf("engine: gate %q returned unknown decision %q", st.Name, decision.Kind)
}

// runTransform executes a batch-unaware transform with retries. A nil
// emitted+children return with no error means the token advances.
func (p *RowProcessor) runTransform(ctx context.Context, item workItem, token model.TokenInfo, step int, st Step) ([]model.RowResult, []workItem, model.TokenInfo, error) {
	inputHash, err := HashRow(token.RowData)
	if err != nil {
		return nil, nil, token, err
	}

	for attempt := 0; ; attempt++ {
		state, err := p.ls.BeginNodeState(ctx, p.cfg.RunID, token.TokenID, st.NodeID, step, attempt, inputHash)
		if err != nil {
			return nil, nil, token, err
		}
		start := p.now()
		result, callErr := st.Transform.Process(ctx, token.RowData, p.pluginContext(state.StateID, st.NodeID))
		durationMS := p.elapsedMS(start)

		if callErr != nil {
			if err := p.completeFailed(ctx, state.StateID, callErr, durationMS); err != nil {
				return nil, nil, token, err
			}
			if p.cfg.Retry != nil && p.cfg.Retry.ShouldRetry(callErr, attempt) {
				seed := p.cfg.RunID + ":" + st.NodeID
				if err := p.cfg.Retry.Wait(ctx, attempt+1, seed); err != nil {
					return nil, nil, token, err
				}
				continue
			}
			giveup := callErr
			if p.cfg.Retry != nil && attempt > 0 {
				giveup = &MaxRetriesExceededError{Attempts: attempt + 1, LastErr: callErr}
			}
			emitted, children, err := p.failToken(ctx, item, token, giveup)
			return emitted, children, token, err
		}

		if result.Status != "success" {
			reasonJSON, _ := canonical.MarshalJSON(result.Reason)
			if err := p.ls.CompleteNodeState(ctx, state.StateID, model.StateFailed, "", string(reasonJSON), durationMS); err != nil {
				return nil, nil, token, err
			}
			emitted, children, err := p.routeTransformError(ctx, item, token, st, result)
			return emitted, children, token, err
		}

		// Success.
		if result.IsMultiRow() {
			if !st.Transform.CreatesTokens() {
				err := fmt.Errorf("engine: transform %q returned %d rows without creates_tokens", st.Name, len(result.Rows))
				if cErr := p.completeFailed(ctx, state.StateID, err, durationMS); cErr != nil {
					return nil, nil, token, cErr
				}
				emitted, children, fErr := p.failToken(ctx, item, token, err)
				return emitted, children, token, fErr
			}
			outputHash, err := canonical.Hash(rowMaps(result.Rows))
			if err != nil {
				return nil, nil, token, err
			}
			if err := p.ls.CompleteNodeState(ctx, state.StateID, model.StateCompleted, outputHash, "", durationMS); err != nil {
				return nil, nil, token, err
			}
			children, _, err := p.tm.Expand(ctx, p.cfg.RunID, token, rowMaps(result.Rows), step+1)
			if err != nil {
				return nil, nil, token, err
			}
			items := make([]workItem, len(children))
			for i, child := range children {
				items[i] = workItem{
					token:          child,
					startStep:      step + 1,
					coalesceAtStep: item.coalesceAtStep,
					coalesceName:   item.coalesceName,
				}
			}
			return nil, items, token, nil
		}

		next := token.WithUpdatedData(*result.Row)
		outputHash, err := HashRow(next.RowData)
		if err != nil {
			return nil, nil, token, err
		}
		if err := p.ls.CompleteNodeState(ctx, state.StateID, model.StateCompleted, outputHash, "", durationMS); err != nil {
			return nil, nil, token, err
		}
		return nil, nil, next, nil
	}
}

// runAggregation hands the token to the aggregation executor and turns
// the result into work items or terminal results.
func (p *RowProcessor) runAggregation(ctx context.Context, item workItem, token model.TokenInfo, step int, st Step) ([]model.RowResult, []workItem, error) {
	batch, ok := st.Transform.(BatchTransform)
	if !ok {
		return nil, nil, fmt.Errorf("engine: aggregation step %q transform is not batch-aware", st.Name)
	}
	inputHash, err := HashRow(token.RowData)
	if err != nil {
		return nil, nil, err
	}
	state, err := p.ls.BeginNodeState(ctx, p.cfg.RunID, token.TokenID, st.NodeID, step, 0, inputHash)
	if err != nil {
		return nil, nil, err
	}
	start := p.now()
	res, aggErr := p.cfg.Aggregations.Submit(ctx, p.cfg.RunID, st.NodeID, state.StateID, token, batch, p.pluginContext(state.StateID, st.NodeID))
	durationMS := p.elapsedMS(start)
	if aggErr != nil {
		if err := p.completeFailed(ctx, state.StateID, aggErr, durationMS); err != nil {
			return nil, nil, err
		}
		return nil, nil, aggErr
	}
	if err := p.ls.CompleteNodeState(ctx, state.StateID, model.StateCompleted, inputHash, "", durationMS); err != nil {
		return nil, nil, err
	}

	if !res.Flushed {
		// Token absorbed into the buffer; it reappears at flush.
		return nil, nil, nil
	}
	if res.Failed {
		p.log.Warn("batch flush failed",
			"node", st.NodeID, "batch_id", res.BatchID, "reason", res.FailureReason)
		return nil, nil, nil
	}
	return p.dispatchContinuations(ctx, res.Continuations, step, item)
}

// dispatchContinuations emits flush outputs as completed results at the
// last step, or re-enqueues them for the remaining steps.
func (p *RowProcessor) dispatchContinuations(ctx context.Context, conts []model.TokenInfo, step int, item workItem) ([]model.RowResult, []workItem, error) {
	lastStep := step == len(p.cfg.Steps)-1
	if !lastStep {
		items := make([]workItem, len(conts))
		for i, cont := range conts {
			items[i] = workItem{
				token:          cont,
				startStep:      step + 1,
				coalesceAtStep: item.coalesceAtStep,
				coalesceName:   item.coalesceName,
			}
		}
		return nil, items, nil
	}
	results := make([]model.RowResult, len(conts))
	for i, cont := range conts {
		err := p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
			RunID:   p.cfg.RunID,
			TokenID: cont.TokenID,
			Outcome: model.OutcomeCompleted,
		})
		if err != nil {
			return nil, nil, err
		}
		results[i] = model.RowResult{Token: cont, FinalData: cont.RowData, Outcome: model.OutcomeCompleted}
	}
	return results, nil, nil
}

// routeTransformError handles a processing-error result: route to the
// step's error sink when configured, otherwise quarantine.
func (p *RowProcessor) routeTransformError(ctx context.Context, item workItem, token model.TokenInfo, st Step, result model.TransformResult) ([]model.RowResult, []workItem, error) {
	rowHash, _ := canonical.Hash(token.RowData.ToMap())
	rowJSON, _ := canonical.MarshalJSON(token.RowData.ToMap())
	detailsJSON, _ := canonical.MarshalJSON(result.Reason)
	_, err := p.ls.RecordTransformError(ctx, model.TransformErrorRecord{
		RunID:       p.cfg.RunID,
		TokenID:     token.TokenID,
		TransformID: st.NodeID,
		RowHash:     rowHash,
		RowJSON:     string(rowJSON),
		DetailsJSON: string(detailsJSON),
		Destination: st.ErrorSink,
	})
	if err != nil {
		return nil, nil, err
	}

	outcome := model.OutcomeQuarantined
	if st.ErrorSink != "" {
		outcome = model.OutcomeRouted
	}
	err = p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
		RunID:    p.cfg.RunID,
		TokenID:  token.TokenID,
		Outcome:  outcome,
		SinkName: st.ErrorSink,
	})
	if err != nil {
		return nil, nil, err
	}
	extra, children, err := p.notifyBranchLost(ctx, item, "transform error")
	if err != nil {
		return nil, nil, err
	}
	rowRes := model.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   outcome,
		SinkName:  st.ErrorSink,
		Error:     &model.FailureInfo{Kind: "transform_error", Message: string(detailsJSON)},
	}
	return append([]model.RowResult{rowRes}, extra...), children, nil
}

// failToken records a failed outcome with the truncated error hash.
func (p *RowProcessor) failToken(ctx context.Context, item workItem, token model.TokenInfo, cause error) ([]model.RowResult, []workItem, error) {
	err := p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
		RunID:     p.cfg.RunID,
		TokenID:   token.TokenID,
		Outcome:   model.OutcomeFailed,
		ErrorHash: canonical.ErrorHash(cause.Error()),
	})
	if err != nil {
		return nil, nil, err
	}
	extra, children, err := p.notifyBranchLost(ctx, item, cause.Error())
	if err != nil {
		return nil, nil, err
	}
	result := model.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   model.OutcomeFailed,
		Error:     &model.FailureInfo{Kind: "error", Message: cause.Error(), LastError: cause.Error()},
	}
	return append([]model.RowResult{result}, extra...), children, nil
}

// failJoin records failed outcomes for the arrived parents of a join that
// cannot complete.
func (p *RowProcessor) failJoin(ctx context.Context, res CoalesceResult) ([]model.RowResult, []workItem, error) {
	results := make([]model.RowResult, len(res.Parents))
	for i, parent := range res.Parents {
		err := p.ls.RecordTokenOutcome(ctx, landscape.OutcomeArgs{
			RunID:     p.cfg.RunID,
			TokenID:   parent.TokenID,
			Outcome:   model.OutcomeFailed,
			ErrorHash: canonical.ErrorHash(res.Reason),
		})
		if err != nil {
			return nil, nil, err
		}
		results[i] = model.RowResult{
			Token:     parent,
			FinalData: parent.RowData,
			Outcome:   model.OutcomeFailed,
			Error:     &model.FailureInfo{Kind: "join_failed", Message: res.Reason},
		}
	}
	return results, nil, nil
}

// notifyBranchLost tells the pending join a sibling terminated before the
// join point. Losing the last outstanding branch completes the join: under
// quorum or best_effort that yields a merged token, which resumes at the
// join step; under require_all the held siblings fail.
func (p *RowProcessor) notifyBranchLost(ctx context.Context, item workItem, reason string) ([]model.RowResult, []workItem, error) {
	if item.coalesceAtStep < 0 || p.cfg.Coalesce == nil {
		return nil, nil, nil
	}
	res, err := p.cfg.Coalesce.NotifyBranchLost(ctx, p.cfg.RunID, item.coalesceName, item.token.RowID, item.token.BranchName, reason)
	if err != nil {
		return nil, nil, err
	}
	switch res.Status {
	case CoalesceFailed:
		return p.failJoin(ctx, res)
	case CoalesceMerged:
		merged := workItem{token: res.Merged, startStep: item.coalesceAtStep, coalesceAtStep: -1}
		return nil, []workItem{merged}, nil
	}
	return nil, nil, nil
}

func (p *RowProcessor) recordRouting(ctx context.Context, stateID, nodeID, label string, mode model.RoutingMode, reason map[string]any) {
	edgeID, ok := p.cfg.EdgeMap[EdgeKey{NodeID: nodeID, Label: label}]
	if !ok {
		return
	}
	if _, err := p.ls.RecordRoutingEvent(ctx, stateID, edgeID, mode, reason); err != nil {
		p.log.Warn("routing event not recorded", "node", nodeID, "label", label, "err", err)
	}
}

func (p *RowProcessor) completeFailed(ctx context.Context, stateID string, cause error, durationMS float64) error {
	errJSON, _ := canonical.MarshalJSON(map[string]any{"message": cause.Error()})
	return p.ls.CompleteNodeState(ctx, stateID, model.StateFailed, "", string(errJSON), durationMS)
}

func (p *RowProcessor) pluginContext(stateID, nodeID string) *PluginContext {
	pc := *p.pc
	pc.RunID = p.cfg.RunID
	pc.NodeID = nodeID
	pc.Parent = landscape.CallParent{StateID: stateID}
	return &pc
}

func (p *RowProcessor) elapsedMS(start time.Time) float64 {
	return float64(p.now().Sub(start)) / float64(time.Millisecond)
}

func rowMaps(rows []model.PipelineRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r.ToMap()
	}
	return out
}
