package engine

import (
	"context"
	"testing"

	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// newEngineLandscape opens an in-memory landscape with a running run and a
// registered source node, the minimum lineage engine tests need.
func newEngineLandscape(t *testing.T, extraNodes ...model.Node) (*landscape.Landscape, string) {
	t.Helper()
	ctx := context.Background()
	ls, err := landscape.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory error: %v", err)
	}
	t.Cleanup(func() { ls.Close() })
	run, err := ls.BeginRun(ctx, "confighash", "{}")
	if err != nil {
		t.Fatalf("BeginRun error: %v", err)
	}
	nodes := append([]model.Node{{
		NodeID:     "src",
		PluginName: "test_source",
		NodeType:   model.NodeSource,
	}}, extraNodes...)
	for i, n := range nodes {
		n.RunID = run.RunID
		n.PluginVersion = "1.0.0"
		n.Determinism = model.Deterministic
		n.SchemaMode = "observed"
		n.SequenceInPipeline = i
		if _, err := ls.RegisterNode(ctx, n); err != nil {
			t.Fatalf("RegisterNode(%s) error: %v", n.NodeID, err)
		}
	}
	return ls, run.RunID
}

// newRowToken persists one source row at rowIndex and returns its token.
func newRowToken(t *testing.T, tm *TokenManager, runID string, rowIndex int, data map[string]any) model.TokenInfo {
	t.Helper()
	tok, err := tm.CreateInitialToken(context.Background(), runID, "src", rowIndex,
		model.ValidSourceRow(data, model.ObservedContract()))
	if err != nil {
		t.Fatalf("CreateInitialToken error: %v", err)
	}
	return tok
}
