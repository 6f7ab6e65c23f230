package landscape

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/model"
)

// Exporter turns a completed run into a deterministic stream of JSON
// records, one per line, terminated by a manifest. With a signing key each
// record carries an HMAC-SHA256 signature and the manifest carries the
// chain hash over every signature in emission order.
//
// Re-exporting the same run with the same key produces byte-identical
// content records and the same final hash; only the manifest's exported_at
// differs, and it is excluded from the chain.
type Exporter struct {
	ls  *Landscape
	key []byte // nil disables signing; the chain then runs over record hashes
}

// NewExporter builds an exporter over the landscape. key may be nil for an
// unsigned export.
func NewExporter(ls *Landscape, key []byte) *Exporter {
	return &Exporter{ls: ls, key: key}
}

// ExportSummary reports what one export emitted.
type ExportSummary struct {
	RecordCount int
	FinalHash   string
}

type exportWriter struct {
	w     io.Writer
	key   []byte
	chain []byte
	count int
}

// emit canonicalises rec, signs it if a key is present, and writes one
// line. The signature is computed over the record without its signature
// field.
func (e *exportWriter) emit(rec map[string]any) error {
	body, err := canonical.MarshalJSON(rec)
	if err != nil {
		return fmt.Errorf("export: encode %v record: %w", rec["record_type"], err)
	}
	if e.key != nil {
		mac, err := canonical.Sign(e.key, rec)
		if err != nil {
			return fmt.Errorf("export: sign %v record: %w", rec["record_type"], err)
		}
		rec["signature"] = mac
		body, err = canonical.MarshalJSON(rec)
		if err != nil {
			return fmt.Errorf("export: encode signed record: %w", err)
		}
		e.chain = append(e.chain, mac...)
	} else {
		e.chain = append(e.chain, canonical.HashBytes(body)...)
	}
	e.count++
	if _, err := e.w.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("export: write: %w", err)
	}
	return nil
}

func (e *exportWriter) finalHash() string {
	sum := sha256.Sum256(e.chain)
	return hex.EncodeToString(sum[:])
}

// Export emits every record of runID to w in the fixed order
// run, nodes, edges, operations, rows, tokens, token_parents,
// token_outcomes, node_states, routing_events, calls, batches,
// batch_members, artifacts, manifest.
func (e *Exporter) Export(ctx context.Context, runID string, w io.Writer) (ExportSummary, error) {
	ew := &exportWriter{w: w, key: e.key}

	run, err := e.ls.GetRun(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if err := ew.emit(runRecord(run)); err != nil {
		return ExportSummary{}, err
	}

	nodes, err := e.ls.GetNodes(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, n := range nodes {
		if err := ew.emit(nodeRecord(n)); err != nil {
			return ExportSummary{}, err
		}
	}

	edges, err := e.ls.GetEdges(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, eg := range edges {
		if err := ew.emit(edgeRecord(eg)); err != nil {
			return ExportSummary{}, err
		}
	}

	ops, err := e.ls.GetOperations(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, op := range ops {
		if err := ew.emit(operationRecord(op)); err != nil {
			return ExportSummary{}, err
		}
	}

	rows, err := e.ls.GetRows(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, r := range rows {
		if err := ew.emit(rowRecord(r)); err != nil {
			return ExportSummary{}, err
		}
	}

	tokens, err := e.ls.GetTokens(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, t := range tokens {
		if err := ew.emit(tokenRecord(t)); err != nil {
			return ExportSummary{}, err
		}
	}

	parents, err := e.ls.GetTokenParents(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, p := range parents {
		if err := ew.emit(tokenParentRecord(p)); err != nil {
			return ExportSummary{}, err
		}
	}

	outcomes, err := e.ls.GetTokenOutcomes(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, o := range outcomes {
		if err := ew.emit(outcomeRecord(o)); err != nil {
			return ExportSummary{}, err
		}
	}

	states, err := e.ls.GetNodeStates(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, st := range states {
		if err := ew.emit(nodeStateRecord(st)); err != nil {
			return ExportSummary{}, err
		}
	}

	events, err := e.ls.GetRoutingEvents(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, ev := range events {
		if err := ew.emit(routingEventRecord(ev)); err != nil {
			return ExportSummary{}, err
		}
	}

	calls, err := e.ls.GetCalls(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, c := range calls {
		if err := ew.emit(callRecord(c)); err != nil {
			return ExportSummary{}, err
		}
	}

	batches, err := e.ls.GetBatches(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, b := range batches {
		if err := ew.emit(batchRecord(b)); err != nil {
			return ExportSummary{}, err
		}
		members, err := e.ls.GetBatchMembers(ctx, b.BatchID)
		if err != nil {
			return ExportSummary{}, err
		}
		for _, m := range members {
			if err := ew.emit(batchMemberRecord(m)); err != nil {
				return ExportSummary{}, err
			}
		}
	}

	artifacts, err := e.ls.GetArtifacts(ctx, runID, Page{})
	if err != nil {
		return ExportSummary{}, err
	}
	for _, a := range artifacts {
		if err := ew.emit(artifactRecord(a)); err != nil {
			return ExportSummary{}, err
		}
	}

	// Manifest closes the stream. exported_at is real wall time and sits
	// outside the chain, so repeat exports still agree on final_hash.
	finalHash := ew.finalHash()
	manifest := map[string]any{
		"record_type":         "manifest",
		"record_count":        ew.count,
		"final_hash":          finalHash,
		"hash_algorithm":      "sha256",
		"signature_algorithm": "hmac-sha256",
	}
	if e.key != nil {
		mac, err := canonical.Sign(e.key, manifest)
		if err != nil {
			return ExportSummary{}, fmt.Errorf("export: sign manifest: %w", err)
		}
		manifest["signature"] = mac
	}
	_, ts := e.ls.timestamp()
	manifest["exported_at"] = ts
	body, err := canonical.MarshalJSON(manifest)
	if err != nil {
		return ExportSummary{}, fmt.Errorf("export: encode manifest: %w", err)
	}
	if _, err := w.Write(append(body, '\n')); err != nil {
		return ExportSummary{}, fmt.Errorf("export: write manifest: %w", err)
	}

	return ExportSummary{RecordCount: ew.count, FinalHash: finalHash}, nil
}

func runRecord(r model.Run) map[string]any {
	rec := map[string]any{
		"record_type":       "run",
		"run_id":            r.RunID,
		"started_at":        formatTime(r.StartedAt),
		"status":            string(r.Status),
		"canonical_version": r.CanonicalVersion,
		"config_hash":       r.ConfigHash,
		"settings":          r.SettingsJSON,
	}
	if r.CompletedAt != nil {
		rec["completed_at"] = formatTime(*r.CompletedAt)
	} else {
		rec["completed_at"] = nil
	}
	return rec
}

func nodeRecord(n model.Node) map[string]any {
	return map[string]any{
		"record_type":          "node",
		"node_id":              n.NodeID,
		"run_id":               n.RunID,
		"plugin_name":          n.PluginName,
		"plugin_version":       n.PluginVersion,
		"node_type":            string(n.NodeType),
		"determinism":          string(n.Determinism),
		"config_hash":          n.ConfigHash,
		"schema_hash":          n.SchemaHash,
		"schema_mode":          n.SchemaMode,
		"sequence_in_pipeline": n.SequenceInPipeline,
		"registered_at":        formatTime(n.RegisteredAt),
	}
}

func edgeRecord(e model.Edge) map[string]any {
	return map[string]any{
		"record_type":  "edge",
		"edge_id":      e.EdgeID,
		"run_id":       e.RunID,
		"from_node_id": e.FromNodeID,
		"to_node_id":   e.ToNodeID,
		"label":        e.Label,
		"default_mode": string(e.DefaultMode),
		"created_at":   formatTime(e.CreatedAt),
	}
}

func operationRecord(op model.Operation) map[string]any {
	rec := map[string]any{
		"record_type":  "operation",
		"operation_id": op.OperationID,
		"run_id":       op.RunID,
		"node_id":      op.NodeID,
		"operation":    string(op.Type),
		"status":       string(op.Status),
		"error_text":   op.ErrorText,
		"duration_ms":  op.DurationMS,
		"started_at":   formatTime(op.StartedAt),
	}
	if op.CompletedAt != nil {
		rec["completed_at"] = formatTime(*op.CompletedAt)
	} else {
		rec["completed_at"] = nil
	}
	return rec
}

func rowRecord(r model.Row) map[string]any {
	return map[string]any{
		"record_type":      "row",
		"row_id":           r.RowID,
		"run_id":           r.RunID,
		"source_node_id":   r.SourceNodeID,
		"row_index":        r.RowIndex,
		"source_data_hash": r.SourceDataHash,
		"created_at":       formatTime(r.CreatedAt),
	}
}

func tokenRecord(t model.Token) map[string]any {
	return map[string]any{
		"record_type":      "token",
		"token_id":         t.TokenID,
		"row_id":           t.RowID,
		"branch_name":      t.BranchName,
		"fork_group_id":    t.ForkGroupID,
		"join_group_id":    t.JoinGroupID,
		"expand_group_id":  t.ExpandGroupID,
		"step_in_pipeline": t.StepInPipeline,
		"created_at":       formatTime(t.CreatedAt),
	}
}

func tokenParentRecord(p model.TokenParent) map[string]any {
	return map[string]any{
		"record_type":     "token_parent",
		"token_id":        p.TokenID,
		"parent_token_id": p.ParentTokenID,
		"ordinal":         p.Ordinal,
	}
}

func outcomeRecord(o model.TokenOutcome) map[string]any {
	return map[string]any{
		"record_type":     "token_outcome",
		"outcome_id":      o.OutcomeID,
		"run_id":          o.RunID,
		"token_id":        o.TokenID,
		"outcome":         string(o.Outcome),
		"is_terminal":     o.IsTerminal,
		"sink_name":       o.SinkName,
		"batch_id":        o.BatchID,
		"fork_group_id":   o.ForkGroupID,
		"join_group_id":   o.JoinGroupID,
		"expand_group_id": o.ExpandGroupID,
		"error_hash":      o.ErrorHash,
		"recorded_at":     formatTime(o.RecordedAt),
	}
}

func nodeStateRecord(st model.NodeState) map[string]any {
	rec := map[string]any{
		"record_type": "node_state",
		"state_id":    st.StateID,
		"token_id":    st.TokenID,
		"run_id":      st.RunID,
		"node_id":     st.NodeID,
		"step_index":  st.StepIndex,
		"attempt":     st.Attempt,
		"status":      string(st.Status),
		"input_hash":  st.InputHash,
		"output_hash": st.OutputHash,
		"error":       st.ErrorJSON,
		"duration_ms": st.DurationMS,
		"started_at":  formatTime(st.StartedAt),
	}
	if st.CompletedAt != nil {
		rec["completed_at"] = formatTime(*st.CompletedAt)
	} else {
		rec["completed_at"] = nil
	}
	return rec
}

func routingEventRecord(ev model.RoutingEvent) map[string]any {
	return map[string]any{
		"record_type": "routing_event",
		"event_id":    ev.EventID,
		"state_id":    ev.StateID,
		"edge_id":     ev.EdgeID,
		"mode":        string(ev.Mode),
		"reason_hash": ev.ReasonHash,
		"created_at":  formatTime(ev.CreatedAt),
	}
}

func callRecord(c model.Call) map[string]any {
	rec := map[string]any{
		"record_type":  "call",
		"call_id":      c.CallID,
		"call_index":   c.CallIndex,
		"call_type":    string(c.CallType),
		"status":       string(c.Status),
		"request_hash": c.RequestHash,
		"latency_ms":   c.LatencyMS,
		"created_at":   formatTime(c.CreatedAt),
	}
	if c.StateID != "" {
		rec["state_id"] = c.StateID
	} else {
		rec["operation_id"] = c.OperationID
	}
	if c.ResponseHash != "" {
		rec["response_hash"] = c.ResponseHash
	} else {
		rec["response_hash"] = nil
	}
	return rec
}

func batchRecord(b model.Batch) map[string]any {
	rec := map[string]any{
		"record_type":          "batch",
		"batch_id":             b.BatchID,
		"run_id":               b.RunID,
		"aggregation_node_id":  b.AggregationNodeID,
		"aggregation_state_id": b.AggregationStateID,
		"attempt":              b.Attempt,
		"status":               string(b.Status),
		"trigger_type":         string(b.TriggerType),
		"trigger_reason":       b.TriggerReason,
		"created_at":           formatTime(b.CreatedAt),
	}
	if b.CompletedAt != nil {
		rec["completed_at"] = formatTime(*b.CompletedAt)
	} else {
		rec["completed_at"] = nil
	}
	return rec
}

func batchMemberRecord(m model.BatchMember) map[string]any {
	return map[string]any{
		"record_type": "batch_member",
		"batch_id":    m.BatchID,
		"token_id":    m.TokenID,
		"ordinal":     m.Ordinal,
	}
}

func artifactRecord(a model.Artifact) map[string]any {
	return map[string]any{
		"record_type":          "artifact",
		"artifact_id":          a.ArtifactID,
		"run_id":               a.RunID,
		"produced_by_state_id": a.ProducedByStateID,
		"sink_node_id":         a.SinkNodeID,
		"artifact_type":        a.ArtifactType,
		"path_or_uri":          a.PathOrURI,
		"content_hash":         a.ContentHash,
		"size_bytes":           a.SizeBytes,
		"idempotency_key":      a.IdempotencyKey,
		"created_at":           formatTime(a.CreatedAt),
	}
}
