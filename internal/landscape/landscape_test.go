package landscape

import (
	"context"
	"testing"

	"github.com/vsavkov/elspeth/internal/model"
)

func newTestLandscape(t *testing.T) *Landscape {
	t.Helper()
	ls, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory error: %v", err)
	}
	t.Cleanup(func() { ls.Close() })
	return ls
}

func beginTestRun(t *testing.T, ls *Landscape) model.Run {
	t.Helper()
	run, err := ls.BeginRun(context.Background(), "cfg-hash", `{"name":"test"}`)
	if err != nil {
		t.Fatalf("BeginRun error: %v", err)
	}
	return run
}

func registerTestNode(t *testing.T, ls *Landscape, runID, nodeID string, nt model.NodeType, seq int) model.Node {
	t.Helper()
	n, err := ls.RegisterNode(context.Background(), model.Node{
		NodeID:             nodeID,
		RunID:              runID,
		PluginName:         "test_" + string(nt),
		PluginVersion:      "1.0.0",
		NodeType:           nt,
		Determinism:        model.Deterministic,
		SchemaMode:         "observed",
		SequenceInPipeline: seq,
	})
	if err != nil {
		t.Fatalf("RegisterNode(%s) error: %v", nodeID, err)
	}
	return n
}

func createTestToken(t *testing.T, ls *Landscape, runID string) model.Token {
	t.Helper()
	srcID := "src-" + model.NewID()
	registerTestNode(t, ls, runID, srcID, model.NodeSource, 0)
	row, err := ls.CreateRow(context.Background(), runID, srcID, 0, map[string]any{"id": 1}, false)
	if err != nil {
		t.Fatalf("CreateRow error: %v", err)
	}
	tok, err := ls.CreateToken(context.Background(), row.RowID, 0)
	if err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}
	return tok
}

func TestRunLifecycle(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)

	got, err := ls.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Status != model.RunRunning {
		t.Fatalf("new run status=%s, want running", got.Status)
	}
	if got.ConfigHash != "cfg-hash" {
		t.Fatalf("config hash=%s", got.ConfigHash)
	}
	if got.CompletedAt != nil {
		t.Fatal("new run already has completed_at")
	}

	if err := ls.CompleteRun(ctx, run.RunID, model.RunCompleted); err != nil {
		t.Fatalf("CompleteRun error: %v", err)
	}
	got, err = ls.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if got.Status != model.RunCompleted || got.CompletedAt == nil {
		t.Fatalf("completed run: status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
}

func TestCompleteRun_ExactlyOnce(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)

	if err := ls.CompleteRun(ctx, run.RunID, model.RunFailed); err != nil {
		t.Fatalf("CompleteRun error: %v", err)
	}
	if err := ls.CompleteRun(ctx, run.RunID, model.RunCompleted); err == nil {
		t.Fatal("second CompleteRun succeeded; finalisation must be exactly once")
	}
	got, _ := ls.GetRun(ctx, run.RunID)
	if got.Status != model.RunFailed {
		t.Fatalf("status changed after rejected finalisation: %s", got.Status)
	}
}

func TestCompleteRun_RejectsRunningTarget(t *testing.T) {
	ls := newTestLandscape(t)
	run := beginTestRun(t, ls)
	if err := ls.CompleteRun(context.Background(), run.RunID, model.RunRunning); err == nil {
		t.Fatal("CompleteRun accepted running as a terminal status")
	}
}

func TestRegisterEdge_UniquePerFromAndLabel(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "gate-1", model.NodeGate, 1)
	registerTestNode(t, ls, run.RunID, "sink-1", model.NodeSink, 2)

	edge := model.Edge{
		RunID:       run.RunID,
		FromNodeID:  "gate-1",
		ToNodeID:    "sink-1",
		Label:       "suspect",
		DefaultMode: model.RouteDivert,
	}
	if _, err := ls.RegisterEdge(ctx, edge); err != nil {
		t.Fatalf("RegisterEdge error: %v", err)
	}
	if _, err := ls.RegisterEdge(ctx, edge); err == nil {
		t.Fatal("duplicate (run, from, label) edge accepted")
	}
}

func TestCreateRow_StoresPayloadAndHash(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "src-1", model.NodeSource, 0)

	row, err := ls.CreateRow(ctx, run.RunID, "src-1", 0, map[string]any{"id": 7, "name": "x"}, false)
	if err != nil {
		t.Fatalf("CreateRow error: %v", err)
	}
	if row.SourceDataHash == "" || row.SourceDataRef == "" {
		t.Fatalf("row missing hash/ref: %+v", row)
	}
	blob, err := ls.Payloads().Get(row.SourceDataRef)
	if err != nil {
		t.Fatalf("payload Get error: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("empty row payload")
	}

	// Same (run, source, index) must be rejected.
	if _, err := ls.CreateRow(ctx, run.RunID, "src-1", 0, map[string]any{"id": 8}, false); err == nil {
		t.Fatal("duplicate row index accepted")
	}
}

func TestTerminalOutcome_ExactlyOnce(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)

	err := ls.RecordTokenOutcome(ctx, OutcomeArgs{RunID: run.RunID, TokenID: tok.TokenID, Outcome: model.OutcomeCompleted})
	if err != nil {
		t.Fatalf("RecordTokenOutcome error: %v", err)
	}
	err = ls.RecordTokenOutcome(ctx, OutcomeArgs{RunID: run.RunID, TokenID: tok.TokenID, Outcome: model.OutcomeFailed})
	if err == nil {
		t.Fatal("second terminal outcome accepted for one token")
	}

	got, err := ls.TerminalOutcome(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("TerminalOutcome error: %v", err)
	}
	if got.Outcome != model.OutcomeCompleted {
		t.Fatalf("terminal outcome=%s, want completed", got.Outcome)
	}
}

func TestBufferedThenTerminal(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)

	err := ls.RecordTokenOutcome(ctx, OutcomeArgs{RunID: run.RunID, TokenID: tok.TokenID, Outcome: model.OutcomeBuffered})
	if err != nil {
		t.Fatalf("buffered outcome error: %v", err)
	}
	// Buffered is non-terminal; a terminal outcome must still be allowed.
	err = ls.RecordTokenOutcome(ctx, OutcomeArgs{RunID: run.RunID, TokenID: tok.TokenID, Outcome: model.OutcomeConsumedInBatch, BatchID: ""})
	if err != nil {
		t.Fatalf("terminal after buffered error: %v", err)
	}
}

func TestForkToken_ChildrenAndParentOutcome(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	parent := createTestToken(t, ls, run.RunID)

	children, forkGroup, err := ls.ForkToken(ctx, run.RunID, parent, []string{"left", "right", "mid"}, 2)
	if err != nil {
		t.Fatalf("ForkToken error: %v", err)
	}
	if len(children) != 3 || forkGroup == "" {
		t.Fatalf("ForkToken: %d children, group=%q", len(children), forkGroup)
	}
	for i, branch := range []string{"left", "right", "mid"} {
		if children[i].BranchName != branch {
			t.Fatalf("child %d branch=%s, want %s", i, children[i].BranchName, branch)
		}
		if children[i].RowID != parent.RowID {
			t.Fatal("fork child left its row")
		}
		parents, err := ls.GetParentTokenIDs(ctx, children[i].TokenID)
		if err != nil {
			t.Fatalf("GetParentTokenIDs error: %v", err)
		}
		if len(parents) != 1 || parents[0] != parent.TokenID {
			t.Fatalf("child %d parents=%v", i, parents)
		}
	}

	outcome, err := ls.TerminalOutcome(ctx, parent.TokenID)
	if err != nil {
		t.Fatalf("TerminalOutcome error: %v", err)
	}
	if outcome.Outcome != model.OutcomeForked || outcome.ForkGroupID != forkGroup {
		t.Fatalf("parent outcome=%+v", outcome)
	}
}

func TestExpandToken_ChildrenAndParentOutcome(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	parent := createTestToken(t, ls, run.RunID)

	children, group, err := ls.ExpandToken(ctx, run.RunID, parent, 4, 1)
	if err != nil {
		t.Fatalf("ExpandToken error: %v", err)
	}
	if len(children) != 4 {
		t.Fatalf("ExpandToken: %d children, want 4", len(children))
	}
	outcome, err := ls.TerminalOutcome(ctx, parent.TokenID)
	if err != nil {
		t.Fatalf("TerminalOutcome error: %v", err)
	}
	if outcome.Outcome != model.OutcomeExpanded || outcome.ExpandGroupID != group {
		t.Fatalf("parent outcome=%+v", outcome)
	}
}

func TestCoalesceTokens_MergesParents(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	parent := createTestToken(t, ls, run.RunID)

	branches, _, err := ls.ForkToken(ctx, run.RunID, parent, []string{"a", "b"}, 1)
	if err != nil {
		t.Fatalf("ForkToken error: %v", err)
	}

	merged, joinGroup, err := ls.CoalesceTokens(ctx, run.RunID, branches, 3)
	if err != nil {
		t.Fatalf("CoalesceTokens error: %v", err)
	}
	parents, err := ls.GetParentTokenIDs(ctx, merged.TokenID)
	if err != nil {
		t.Fatalf("GetParentTokenIDs error: %v", err)
	}
	if len(parents) != 2 {
		t.Fatalf("merged token parents=%v", parents)
	}
	for _, b := range branches {
		out, err := ls.TerminalOutcome(ctx, b.TokenID)
		if err != nil {
			t.Fatalf("TerminalOutcome error: %v", err)
		}
		if out.Outcome != model.OutcomeCoalesced || out.JoinGroupID != joinGroup {
			t.Fatalf("branch outcome=%+v", out)
		}
	}
}

func TestNodeState_CompleteGuard(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)
	registerTestNode(t, ls, run.RunID, "tf-1", model.NodeTransform, 1)

	st, err := ls.BeginNodeState(ctx, run.RunID, tok.TokenID, "tf-1", 1, 0, "in-hash")
	if err != nil {
		t.Fatalf("BeginNodeState error: %v", err)
	}
	if st.Status != model.StateRunning {
		t.Fatalf("new state status=%s", st.Status)
	}
	if err := ls.CompleteNodeState(ctx, st.StateID, model.StateCompleted, "out-hash", "", 12.5); err != nil {
		t.Fatalf("CompleteNodeState error: %v", err)
	}
	if err := ls.CompleteNodeState(ctx, st.StateID, model.StateFailed, "", "", 0); err == nil {
		t.Fatal("completed state transitioned again")
	}
	if err := ls.CompleteNodeState(ctx, st.StateID, model.StateRunning, "", "", 0); err == nil {
		t.Fatal("CompleteNodeState accepted running as target")
	}
}

func TestNodeState_RetriesAppend(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)
	registerTestNode(t, ls, run.RunID, "tf-1", model.NodeTransform, 1)

	for attempt := 0; attempt < 3; attempt++ {
		st, err := ls.BeginNodeState(ctx, run.RunID, tok.TokenID, "tf-1", 1, attempt, "h")
		if err != nil {
			t.Fatalf("attempt %d: BeginNodeState error: %v", attempt, err)
		}
		status := model.StateFailed
		if attempt == 2 {
			status = model.StateCompleted
		}
		if err := ls.CompleteNodeState(ctx, st.StateID, status, "", "", 1); err != nil {
			t.Fatalf("attempt %d: CompleteNodeState error: %v", attempt, err)
		}
	}
	states, err := ls.GetNodeStatesForToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("GetNodeStatesForToken error: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("%d states, want 3 (one per attempt)", len(states))
	}
	for i, st := range states {
		if st.Attempt != i {
			t.Fatalf("state %d attempt=%d", i, st.Attempt)
		}
	}
}

func TestAllocateCallIndex_MonotonicPerParent(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)
	registerTestNode(t, ls, run.RunID, "tf-1", model.NodeTransform, 1)
	st, err := ls.BeginNodeState(ctx, run.RunID, tok.TokenID, "tf-1", 1, 0, "h")
	if err != nil {
		t.Fatalf("BeginNodeState error: %v", err)
	}

	parent := CallParent{StateID: st.StateID}
	for want := 0; want < 3; want++ {
		idx, err := ls.AllocateCallIndex(ctx, parent, model.CallLLM)
		if err != nil {
			t.Fatalf("AllocateCallIndex error: %v", err)
		}
		if idx != want {
			t.Fatalf("index=%d, want %d", idx, want)
		}
	}
	// A different call type has its own sequence.
	idx, err := ls.AllocateCallIndex(ctx, parent, model.CallHTTP)
	if err != nil {
		t.Fatalf("AllocateCallIndex error: %v", err)
	}
	if idx != 0 {
		t.Fatalf("http index=%d, want 0", idx)
	}
}

func TestRecordCall_RequiresExactlyOneParent(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	beginTestRun(t, ls)

	_, err := ls.RecordCall(ctx, CallRecord{
		Parent:    CallParent{},
		CallType:  model.CallLLM,
		Status:    model.CallSuccess,
		Request:   []byte(`{}`),
		Response:  []byte(`{}`),
		LatencyMS: 1,
	})
	if err == nil {
		t.Fatal("call without a parent accepted")
	}
}

func TestRecordCall_DuplicateRequestsDistinguishable(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	tok := createTestToken(t, ls, run.RunID)
	registerTestNode(t, ls, run.RunID, "tf-1", model.NodeTransform, 1)
	st, err := ls.BeginNodeState(ctx, run.RunID, tok.TokenID, "tf-1", 1, 0, "h")
	if err != nil {
		t.Fatalf("BeginNodeState error: %v", err)
	}
	parent := CallParent{StateID: st.StateID}

	req := []byte(`{"model":"m","prompt":"same"}`)
	for i := 0; i < 2; i++ {
		idx, err := ls.AllocateCallIndex(ctx, parent, model.CallLLM)
		if err != nil {
			t.Fatalf("AllocateCallIndex error: %v", err)
		}
		_, err = ls.RecordCall(ctx, CallRecord{
			Parent:    parent,
			CallIndex: idx,
			CallType:  model.CallLLM,
			Status:    model.CallSuccess,
			Request:   req,
			Response:  []byte(`{"text":"r` + string(rune('0'+i)) + `"}`),
			LatencyMS: 5,
		})
		if err != nil {
			t.Fatalf("RecordCall %d error: %v", i, err)
		}
	}

	calls, err := ls.GetCalls(ctx, run.RunID, Page{})
	if err != nil {
		t.Fatalf("GetCalls error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("%d calls, want 2", len(calls))
	}
	if calls[0].RequestHash != calls[1].RequestHash {
		t.Fatal("identical requests hashed differently")
	}
	if calls[0].CallIndex == calls[1].CallIndex {
		t.Fatal("duplicate requests share a call_index")
	}
	if calls[0].ResponseHash == calls[1].ResponseHash {
		t.Fatal("distinct responses share a hash")
	}
}

func TestBatchLifecycle(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "agg-1", model.NodeAggregation, 1)
	t1 := createTestToken(t, ls, run.RunID)
	t2 := createTestToken(t, ls, run.RunID)

	batch, err := ls.CreateBatch(ctx, run.RunID, "agg-1", "", 1, model.TriggerCount, "count=2")
	if err != nil {
		t.Fatalf("CreateBatch error: %v", err)
	}
	if batch.Status != model.BatchDraft {
		t.Fatalf("new batch status=%s", batch.Status)
	}
	if err := ls.AddBatchMembers(ctx, batch.BatchID, []string{t1.TokenID, t2.TokenID}, 0); err != nil {
		t.Fatalf("AddBatchMembers error: %v", err)
	}
	if err := ls.UpdateBatchStatus(ctx, batch.BatchID, model.BatchExecuting); err != nil {
		t.Fatalf("UpdateBatchStatus error: %v", err)
	}
	// Membership is frozen once the batch leaves draft.
	if err := ls.AddBatchMembers(ctx, batch.BatchID, []string{t1.TokenID}, 2); err == nil {
		t.Fatal("AddBatchMembers accepted on executing batch")
	}
	if err := ls.CompleteBatch(ctx, batch.BatchID, model.BatchCompleted); err != nil {
		t.Fatalf("CompleteBatch error: %v", err)
	}
	if err := ls.UpdateBatchStatus(ctx, batch.BatchID, model.BatchExecuting); err == nil {
		t.Fatal("completed batch transitioned again")
	}

	members, err := ls.GetBatchMembers(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("GetBatchMembers error: %v", err)
	}
	if len(members) != 2 || members[0].Ordinal != 0 || members[1].Ordinal != 1 {
		t.Fatalf("members=%+v", members)
	}
}

func TestRetryBatch_OnlyFailedPriors(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "agg-1", model.NodeAggregation, 1)
	tok := createTestToken(t, ls, run.RunID)

	batch, err := ls.CreateBatch(ctx, run.RunID, "agg-1", "", 1, model.TriggerCount, "count=1")
	if err != nil {
		t.Fatalf("CreateBatch error: %v", err)
	}
	if err := ls.AddBatchMembers(ctx, batch.BatchID, []string{tok.TokenID}, 0); err != nil {
		t.Fatalf("AddBatchMembers error: %v", err)
	}

	// Draft batches cannot be retried.
	if _, err := ls.RetryBatch(ctx, batch.BatchID); err == nil {
		t.Fatal("RetryBatch accepted a draft batch")
	}

	if err := ls.UpdateBatchStatus(ctx, batch.BatchID, model.BatchExecuting); err != nil {
		t.Fatalf("UpdateBatchStatus error: %v", err)
	}
	if err := ls.CompleteBatch(ctx, batch.BatchID, model.BatchFailed); err != nil {
		t.Fatalf("CompleteBatch error: %v", err)
	}

	retry, err := ls.RetryBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("RetryBatch error: %v", err)
	}
	if retry.Attempt != batch.Attempt+1 {
		t.Fatalf("retry attempt=%d, want %d", retry.Attempt, batch.Attempt+1)
	}
	members, err := ls.GetBatchMembers(ctx, retry.BatchID)
	if err != nil {
		t.Fatalf("GetBatchMembers error: %v", err)
	}
	if len(members) != 1 || members[0].TokenID != tok.TokenID {
		t.Fatalf("retry members=%+v", members)
	}
}

func TestCheckpoint_LatestWins(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "agg-1", model.NodeAggregation, 1)

	for seq := 1; seq <= 3; seq++ {
		_, err := ls.SaveCheckpoint(ctx, model.Checkpoint{
			RunID:                run.RunID,
			NodeID:               "agg-1",
			SequenceNumber:       seq,
			AggregationStateJSON: `{"flushed":` + string(rune('0'+seq)) + `}`,
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint %d error: %v", seq, err)
		}
	}
	cp, err := ls.LatestCheckpoint(ctx, run.RunID, "agg-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint error: %v", err)
	}
	if cp.SequenceNumber != 3 {
		t.Fatalf("latest sequence=%d, want 3", cp.SequenceNumber)
	}
}

func TestValidationAndTransformErrors(t *testing.T) {
	ls := newTestLandscape(t)
	ctx := context.Background()
	run := beginTestRun(t, ls)
	registerTestNode(t, ls, run.RunID, "src-1", model.NodeSource, 0)
	tok := createTestToken(t, ls, run.RunID)

	ve, err := ls.RecordValidationError(ctx, model.ValidationError{
		RunID:      run.RunID,
		NodeID:     "src-1",
		RowHash:    "abc",
		RowJSON:    `{"bad":true}`,
		Message:    "missing field id",
		SchemaMode: "fixed",
	})
	if err != nil {
		t.Fatalf("RecordValidationError error: %v", err)
	}
	if ve.ErrorID == "" {
		t.Fatal("validation error has no id")
	}

	te, err := ls.RecordTransformError(ctx, model.TransformErrorRecord{
		RunID:       run.RunID,
		TokenID:     tok.TokenID,
		TransformID: "tf-1",
		RowHash:     "def",
		RowJSON:     `{"id":1}`,
		DetailsJSON: `{"error":"boom"}`,
		Destination: "errors",
	})
	if err != nil {
		t.Fatalf("RecordTransformError error: %v", err)
	}
	if te.ErrorID == "" {
		t.Fatal("transform error has no id")
	}
}
