package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

type fakeBatchTransform struct {
	batches [][]model.PipelineRow
	flush   func(rows []model.PipelineRow) (model.TransformResult, error)
}

func (f *fakeBatchTransform) Name() string        { return "fake_batch" }
func (f *fakeBatchTransform) Version() string     { return "1.0.0" }
func (f *fakeBatchTransform) BatchAware() bool    { return true }
func (f *fakeBatchTransform) CreatesTokens() bool { return true }

func (f *fakeBatchTransform) Process(ctx context.Context, row model.PipelineRow, pc *PluginContext) (model.TransformResult, error) {
	return model.TransformSuccess(row), nil
}

func (f *fakeBatchTransform) ProcessBatch(ctx context.Context, rows []model.PipelineRow, pc *PluginContext) (model.TransformResult, error) {
	f.batches = append(f.batches, rows)
	return f.flush(rows)
}

func aggNode() model.Node {
	return model.Node{NodeID: "agg", PluginName: "test_agg", NodeType: model.NodeAggregation}
}

func newAggExecutor(t *testing.T, mode model.OutputMode, trigger TriggerSettings) (*AggregationExecutor, *TokenManager, string, context.Context) {
	t.Helper()
	ls, runID := newEngineLandscape(t, aggNode())
	tm := NewTokenManager(ls)
	agg := NewAggregationExecutor(ls, tm, []AggregationSettings{{
		NodeID:     "agg",
		OutputMode: mode,
		Trigger:    trigger,
	}})
	return agg, tm, runID, context.Background()
}

func sumFlush(rows []model.PipelineRow) (model.TransformResult, error) {
	// Restored checkpoints round-trip through JSON, so "n" may come back
	// as a float64.
	total := 0
	for _, r := range rows {
		switch v, _ := r.Get("n"); x := v.(type) {
		case int:
			total += x
		case float64:
			total += int(x)
		}
	}
	return model.TransformSuccess(model.NewPipelineRow(
		map[string]any{"total": total, "count": len(rows)}, model.ObservedContract())), nil
}

func TestAggregation_CountTriggerSingleMode(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	ft := &fakeBatchTransform{flush: sumFlush}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 3})
	res, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.Flushed {
		t.Fatal("flushed before count reached")
	}
	if agg.BufferedCount("agg") != 1 {
		t.Fatalf("buffered=%d, want 1", agg.BufferedCount("agg"))
	}

	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 4})
	res, err = agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Flushed || res.Failed {
		t.Fatalf("result=%+v, want clean flush", res)
	}
	if len(res.Continuations) != 1 {
		t.Fatalf("continuations=%d, want 1", len(res.Continuations))
	}
	if v, _ := res.Continuations[0].RowData.Get("total"); v != 7 {
		t.Fatalf("aggregate total=%v, want 7", v)
	}
	if agg.BufferedCount("agg") != 0 {
		t.Fatalf("buffer not drained: %d", agg.BufferedCount("agg"))
	}
	// Both members were consumed terminally by the flush.
	for _, tok := range []model.TokenInfo{t1, t2} {
		out, err := agg.ls.TerminalOutcome(ctx, tok.TokenID)
		if err != nil {
			t.Fatalf("TerminalOutcome(%s) error: %v", tok.TokenID, err)
		}
		if out.Outcome != model.OutcomeConsumedInBatch {
			t.Fatalf("member outcome=%s, want consumed_in_batch", out.Outcome)
		}
	}
	if len(ft.batches) != 1 || len(ft.batches[0]) != 2 {
		t.Fatalf("batch transform saw %v", ft.batches)
	}
}

func TestAggregation_PassthroughKeepsIdentity(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputPassthrough,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	ft := &fakeBatchTransform{flush: func(rows []model.PipelineRow) (model.TransformResult, error) {
		out := make([]model.PipelineRow, len(rows))
		for i, r := range rows {
			out[i] = r.With("rank", i)
		}
		return model.TransformSuccessMulti(out), nil
	}}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 2})
	res, err := agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if len(res.Continuations) != 2 {
		t.Fatalf("continuations=%d, want 2", len(res.Continuations))
	}
	// Tokens keep their identity; only the data changed.
	if res.Continuations[0].TokenID != t1.TokenID || res.Continuations[1].TokenID != t2.TokenID {
		t.Fatalf("passthrough changed token identity: %+v", res.Continuations)
	}
	if v, _ := res.Continuations[1].RowData.Get("rank"); v != 1 {
		t.Fatalf("enriched field=%v, want 1", v)
	}
}

func TestAggregation_TransformModeConsumesOnArrival(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputTransform,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	ft := &fakeBatchTransform{flush: func(rows []model.PipelineRow) (model.TransformResult, error) {
		out := []model.PipelineRow{
			model.NewPipelineRow(map[string]any{"part": 1}, model.ObservedContract()),
			model.NewPipelineRow(map[string]any{"part": 2}, model.ObservedContract()),
			model.NewPipelineRow(map[string]any{"part": 3}, model.ObservedContract()),
		}
		return model.TransformSuccessMulti(out), nil
	}}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	// Transform mode consumes terminally at buffer time, before any flush.
	out, err := agg.ls.TerminalOutcome(ctx, t1.TokenID)
	if err != nil {
		t.Fatalf("TerminalOutcome error: %v", err)
	}
	if out.Outcome != model.OutcomeConsumedInBatch {
		t.Fatalf("buffer-time outcome=%s, want consumed_in_batch", out.Outcome)
	}

	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 2})
	res, err := agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if len(res.Continuations) != 3 {
		t.Fatalf("continuations=%d, want 3", len(res.Continuations))
	}
	for _, c := range res.Continuations {
		if c.TokenID == t1.TokenID || c.TokenID == t2.TokenID {
			t.Fatal("transform mode reused a member token")
		}
	}
}

func TestAggregation_TransformFlushBackfillsBatchID(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputTransform,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	ft := &fakeBatchTransform{flush: func(rows []model.PipelineRow) (model.TransformResult, error) {
		return model.TransformSuccess(model.NewPipelineRow(
			map[string]any{"merged": true}, model.ObservedContract())), nil
	}}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	// Consumed on arrival, before any batch exists to reference.
	out, err := agg.ls.TerminalOutcome(ctx, t1.TokenID)
	if err != nil {
		t.Fatalf("TerminalOutcome error: %v", err)
	}
	if out.BatchID != "" {
		t.Fatalf("pre-flush batch_id=%q, want empty", out.BatchID)
	}

	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 2})
	res, err := agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Flushed || res.BatchID == "" {
		t.Fatalf("result=%+v, want flush with batch id", res)
	}
	// The flush points every member's consumed outcome at its batch.
	for _, tok := range []model.TokenInfo{t1, t2} {
		out, err := agg.ls.TerminalOutcome(ctx, tok.TokenID)
		if err != nil {
			t.Fatalf("TerminalOutcome(%s) error: %v", tok.TokenID, err)
		}
		if out.BatchID != res.BatchID {
			t.Fatalf("member batch_id=%q, want %q", out.BatchID, res.BatchID)
		}
	}
}

func TestAggregation_FlushChildrenCarryNodeStep(t *testing.T) {
	for _, tc := range []struct {
		name string
		mode model.OutputMode
	}{
		{"single", model.OutputSingle},
		{"transform", model.OutputTransform},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ls, runID := newEngineLandscape(t, aggNode())
			tm := NewTokenManager(ls)
			agg := NewAggregationExecutor(ls, tm, []AggregationSettings{{
				NodeID:     "agg",
				OutputMode: tc.mode,
				Trigger:    TriggerSettings{Type: model.TriggerCount, Count: 2},
				StepIndex:  3,
			}})
			ctx := context.Background()
			ft := &fakeBatchTransform{flush: sumFlush}

			t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
			if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
				t.Fatalf("Submit error: %v", err)
			}
			t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 2})
			res, err := agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
			if err != nil {
				t.Fatalf("Submit error: %v", err)
			}
			if len(res.Continuations) != 1 {
				t.Fatalf("continuations=%d, want 1", len(res.Continuations))
			}
			childID := res.Continuations[0].TokenID

			toks, err := ls.GetTokens(ctx, runID, landscape.Page{Limit: 50})
			if err != nil {
				t.Fatalf("GetTokens error: %v", err)
			}
			found := false
			for _, tok := range toks {
				if tok.TokenID == childID {
					found = true
					if tok.StepInPipeline != 3 {
						t.Fatalf("child step=%d, want the aggregation node's step 3", tok.StepInPipeline)
					}
				}
			}
			if !found {
				t.Fatalf("flush child %s not persisted", childID)
			}
		})
	}
}

func TestAggregation_FailedFlushRestoresBufferAndRetries(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	failing := true
	ft := &fakeBatchTransform{flush: func(rows []model.PipelineRow) (model.TransformResult, error) {
		if failing {
			return model.TransformResult{}, errors.New("backend unavailable")
		}
		return sumFlush(rows)
	}}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 2})
	res, err := agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Flushed || !res.Failed {
		t.Fatalf("result=%+v, want failed flush", res)
	}
	if res.BatchID == "" {
		t.Fatal("failed flush has no batch id")
	}
	if agg.BufferedCount("agg") != 2 {
		t.Fatalf("buffer after failed flush=%d, want 2 restored", agg.BufferedCount("agg"))
	}

	failing = false
	retry, err := agg.RetryFlush(ctx, runID, "agg", res.BatchID, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("RetryFlush error: %v", err)
	}
	if !retry.Flushed || retry.Failed {
		t.Fatalf("retry=%+v, want clean flush", retry)
	}
	if retry.BatchID == res.BatchID {
		t.Fatal("retry reused the failed batch id")
	}
	if v, _ := retry.Continuations[0].RowData.Get("total"); v != 3 {
		t.Fatalf("retry total=%v, want 3", v)
	}
	if agg.BufferedCount("agg") != 0 {
		t.Fatalf("buffer after retry=%d", agg.BufferedCount("agg"))
	}
}

func TestAggregation_EndOfSourceFlush(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle,
		TriggerSettings{Type: model.TriggerCount, Count: 100})
	ft := &fakeBatchTransform{flush: sumFlush}

	// Nothing buffered: a no-op.
	res, err := agg.FlushEndOfSource(ctx, runID, "agg", "", ft, &PluginContext{})
	if err != nil {
		t.Fatalf("FlushEndOfSource error: %v", err)
	}
	if res.Flushed {
		t.Fatal("empty buffer flushed")
	}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 5})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	res, err = agg.FlushEndOfSource(ctx, runID, "agg", "", ft, &PluginContext{})
	if err != nil {
		t.Fatalf("FlushEndOfSource error: %v", err)
	}
	if !res.Flushed || res.Failed || len(res.Continuations) != 1 {
		t.Fatalf("result=%+v", res)
	}
	if v, _ := res.Continuations[0].RowData.Get("total"); v != 5 {
		t.Fatalf("total=%v, want 5", v)
	}
}

func TestAggregation_CustomTrigger(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle, TriggerSettings{
		Type: model.TriggerCustom,
		Custom: func(buffered []model.TokenInfo) bool {
			return len(buffered) >= 2
		},
	})
	ft := &fakeBatchTransform{flush: sumFlush}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	res, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if res.Flushed {
		t.Fatal("custom trigger fired at one token")
	}
	t2 := newRowToken(t, tm, runID, 1, map[string]any{"n": 1})
	res, err = agg.Submit(ctx, runID, "agg", "", t2, ft, &PluginContext{})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Flushed {
		t.Fatal("custom trigger did not fire at two tokens")
	}
}

func TestAggregation_CheckpointAndRestore(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle,
		TriggerSettings{Type: model.TriggerCount, Count: 100})
	ft := &fakeBatchTransform{flush: sumFlush}

	t1 := newRowToken(t, tm, runID, 0, map[string]any{"n": 9, "tag": "keep"})
	if _, err := agg.Submit(ctx, runID, "agg", "", t1, ft, &PluginContext{}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	cp, err := agg.ls.LatestCheckpoint(ctx, runID, "agg")
	if err != nil {
		t.Fatalf("LatestCheckpoint error: %v", err)
	}
	if !strings.Contains(cp.AggregationStateJSON, t1.TokenID) {
		t.Fatalf("checkpoint missing buffered token: %s", cp.AggregationStateJSON)
	}

	// A fresh executor restores the buffer from the serialized state.
	restored := NewAggregationExecutor(agg.ls, tm, []AggregationSettings{{
		NodeID:     "agg",
		OutputMode: model.OutputSingle,
		Trigger:    TriggerSettings{Type: model.TriggerCount, Count: 100},
	}})
	if err := restored.RestoreState("agg", cp.AggregationStateJSON, model.ObservedContract()); err != nil {
		t.Fatalf("RestoreState error: %v", err)
	}
	if restored.BufferedCount("agg") != 1 {
		t.Fatalf("restored buffer=%d, want 1", restored.BufferedCount("agg"))
	}
	res, err := restored.FlushEndOfSource(ctx, runID, "agg", "", ft, &PluginContext{})
	if err != nil {
		t.Fatalf("FlushEndOfSource error: %v", err)
	}
	if v, _ := res.Continuations[0].RowData.Get("total"); v != 9 {
		t.Fatalf("restored flush total=%v, want 9", v)
	}
}

func TestAggregation_UnknownNode(t *testing.T) {
	agg, tm, runID, ctx := newAggExecutor(t, model.OutputSingle,
		TriggerSettings{Type: model.TriggerCount, Count: 2})
	tok := newRowToken(t, tm, runID, 0, map[string]any{"n": 1})
	ft := &fakeBatchTransform{flush: sumFlush}
	if _, err := agg.Submit(ctx, runID, "other", "", tok, ft, &PluginContext{}); err == nil {
		t.Fatal("unknown aggregation node accepted")
	}
}
