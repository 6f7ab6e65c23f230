package landscape

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vsavkov/elspeth/internal/model"
)

// populateRun builds a small but complete run: nodes, edges, a row, a
// fork, node states, a call, and a terminal outcome.
func populateRun(t *testing.T, ls *Landscape) string {
	t.Helper()
	ctx := context.Background()
	run := beginTestRun(t, ls)

	registerTestNode(t, ls, run.RunID, "src", model.NodeSource, 0)
	registerTestNode(t, ls, run.RunID, "tf", model.NodeTransform, 1)
	registerTestNode(t, ls, run.RunID, "sink", model.NodeSink, 2)
	if _, err := ls.RegisterEdge(ctx, model.Edge{
		RunID: run.RunID, FromNodeID: "tf", ToNodeID: "sink",
		Label: "continue", DefaultMode: model.RouteMove,
	}); err != nil {
		t.Fatalf("RegisterEdge error: %v", err)
	}

	row, err := ls.CreateRow(ctx, run.RunID, "src", 0, map[string]any{"id": 1, "text": "hello"}, false)
	if err != nil {
		t.Fatalf("CreateRow error: %v", err)
	}
	tok, err := ls.CreateToken(ctx, row.RowID, 0)
	if err != nil {
		t.Fatalf("CreateToken error: %v", err)
	}

	st, err := ls.BeginNodeState(ctx, run.RunID, tok.TokenID, "tf", 1, 0, "in")
	if err != nil {
		t.Fatalf("BeginNodeState error: %v", err)
	}
	idx, err := ls.AllocateCallIndex(ctx, CallParent{StateID: st.StateID}, model.CallLLM)
	if err != nil {
		t.Fatalf("AllocateCallIndex error: %v", err)
	}
	if _, err := ls.RecordCall(ctx, CallRecord{
		Parent:    CallParent{StateID: st.StateID},
		CallIndex: idx,
		CallType:  model.CallLLM,
		Status:    model.CallSuccess,
		Request:   []byte(`{"prompt":"p"}`),
		Response:  []byte(`{"text":"r"}`),
		LatencyMS: 3,
	}); err != nil {
		t.Fatalf("RecordCall error: %v", err)
	}
	if err := ls.CompleteNodeState(ctx, st.StateID, model.StateCompleted, "out", "", 4); err != nil {
		t.Fatalf("CompleteNodeState error: %v", err)
	}
	if err := ls.RecordTokenOutcome(ctx, OutcomeArgs{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: model.OutcomeCompleted,
	}); err != nil {
		t.Fatalf("RecordTokenOutcome error: %v", err)
	}
	if err := ls.CompleteRun(ctx, run.RunID, model.RunCompleted); err != nil {
		t.Fatalf("CompleteRun error: %v", err)
	}
	return run.RunID
}

// stripManifest drops the last line (the manifest carries wall-clock
// exported_at and may differ between exports).
func stripManifest(t *testing.T, out []byte) (records string, manifest map[string]any) {
	t.Helper()
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	last := lines[len(lines)-1]
	if err := json.Unmarshal([]byte(last), &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest["record_type"] != "manifest" {
		t.Fatalf("last record is %v, want manifest", manifest["record_type"])
	}
	return strings.Join(lines[:len(lines)-1], "\n"), manifest
}

func TestExport_SignedDeterminism(t *testing.T) {
	ls := newTestLandscape(t)
	runID := populateRun(t, ls)
	key := []byte("test-signing-key")

	var first, second bytes.Buffer
	sum1, err := NewExporter(ls, key).Export(context.Background(), runID, &first)
	if err != nil {
		t.Fatalf("first Export error: %v", err)
	}
	sum2, err := NewExporter(ls, key).Export(context.Background(), runID, &second)
	if err != nil {
		t.Fatalf("second Export error: %v", err)
	}

	if sum1.FinalHash != sum2.FinalHash {
		t.Fatalf("final hashes differ: %s vs %s", sum1.FinalHash, sum2.FinalHash)
	}
	if sum1.RecordCount != sum2.RecordCount {
		t.Fatalf("record counts differ: %d vs %d", sum1.RecordCount, sum2.RecordCount)
	}

	recs1, man1 := stripManifest(t, first.Bytes())
	recs2, man2 := stripManifest(t, second.Bytes())
	if recs1 != recs2 {
		t.Fatal("content records differ between exports")
	}
	if man1["final_hash"] != man2["final_hash"] {
		t.Fatal("manifest final hashes differ")
	}
	if man1["final_hash"] != sum1.FinalHash {
		t.Fatalf("manifest final_hash=%v, summary=%s", man1["final_hash"], sum1.FinalHash)
	}
}

func TestExport_KeyChangesSignaturesAndFinalHash(t *testing.T) {
	ls := newTestLandscape(t)
	runID := populateRun(t, ls)

	var a, b bytes.Buffer
	sumA, err := NewExporter(ls, []byte("key-a")).Export(context.Background(), runID, &a)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	sumB, err := NewExporter(ls, []byte("key-b")).Export(context.Background(), runID, &b)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if sumA.FinalHash == sumB.FinalHash {
		t.Fatal("different keys produced the same final hash")
	}
}

func TestExport_UnsignedHasNoSignatures(t *testing.T) {
	ls := newTestLandscape(t)
	runID := populateRun(t, ls)

	var out bytes.Buffer
	sum, err := NewExporter(ls, nil).Export(context.Background(), runID, &out)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if sum.FinalHash == "" {
		t.Fatal("unsigned export has no final hash")
	}
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if _, ok := rec["signature"]; ok {
			t.Fatalf("unsigned export carries signature: %s", line)
		}
	}
}

func TestExport_RecordOrderAndManifest(t *testing.T) {
	ls := newTestLandscape(t)
	runID := populateRun(t, ls)

	var out bytes.Buffer
	sum, err := NewExporter(ls, []byte("k")).Export(context.Background(), runID, &out)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}

	var types []string
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		types = append(types, rec["record_type"].(string))
	}
	if types[0] != "run" {
		t.Fatalf("first record=%s, want run", types[0])
	}
	if types[len(types)-1] != "manifest" {
		t.Fatalf("last record=%s, want manifest", types[len(types)-1])
	}
	// Record-type blocks appear in the fixed emission order.
	order := map[string]int{
		"run": 0, "node": 1, "edge": 2, "operation": 3, "row": 4,
		"token": 5, "token_parent": 6, "token_outcome": 7, "node_state": 8,
		"routing_event": 9, "call": 10, "batch": 11, "batch_member": 11,
		"artifact": 12, "manifest": 13,
	}
	last := -1
	for i, typ := range types {
		rank, ok := order[typ]
		if !ok {
			t.Fatalf("unknown record type %s", typ)
		}
		if rank < last {
			t.Fatalf("record %d (%s) out of order", i, typ)
		}
		last = rank
	}
	if len(types)-1 != sum.RecordCount {
		t.Fatalf("emitted %d content records, summary says %d", len(types)-1, sum.RecordCount)
	}
}
