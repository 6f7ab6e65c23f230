package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vsavkov/elspeth/internal/model"
)

// Page bounds a list-returning reader. The zero value means everything.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) clause() string {
	if p.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

// GetRun returns one run by id.
func (l *Landscape) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var (
		r           model.Run
		status      string
		startedAt   string
		completedAt sql.NullString
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, completed_at, status, canonical_version, config_hash, settings_json
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &startedAt, &completedAt, &status, &r.CanonicalVersion, &r.ConfigHash, &r.SettingsJSON)
	if err != nil {
		return model.Run{}, fmt.Errorf("landscape: get run %s: %w", runID, err)
	}
	if r.Status, err = model.ParseRunStatus(status); err != nil {
		return model.Run{}, err
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return model.Run{}, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

// GetNodes lists a run's nodes in registration order.
func (l *Landscape) GetNodes(ctx context.Context, runID string, page Page) ([]model.Node, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT node_id, run_id, plugin_name, plugin_version, node_type, determinism, config_hash, config_json,
		        schema_hash, schema_mode, schema_fields_json, sequence_in_pipeline, registered_at
		 FROM nodes WHERE run_id = ? ORDER BY registered_at, node_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get nodes: %w", err)
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		var (
			n                             model.Node
			nodeType, determinism, regAt string
		)
		err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &n.PluginVersion, &nodeType, &determinism,
			&n.ConfigHash, &n.ConfigJSON, &n.SchemaHash, &n.SchemaMode, &n.SchemaFieldsJSON,
			&n.SequenceInPipeline, &regAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan node: %w", err)
		}
		if n.NodeType, err = model.ParseNodeType(nodeType); err != nil {
			return nil, err
		}
		if n.Determinism, err = model.ParseDeterminism(determinism); err != nil {
			return nil, err
		}
		if n.RegisteredAt, err = parseTime(regAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetEdges lists a run's edges.
func (l *Landscape) GetEdges(ctx context.Context, runID string, page Page) ([]model.Edge, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at
		 FROM edges WHERE run_id = ? ORDER BY created_at, edge_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get edges: %w", err)
	}
	defer rows.Close()
	var out []model.Edge
	for rows.Next() {
		var (
			e               model.Edge
			mode, createdAt string
		)
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &mode, &createdAt); err != nil {
			return nil, fmt.Errorf("landscape: scan edge: %w", err)
		}
		if e.DefaultMode, err = model.ParseRoutingMode(mode); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRows lists a run's source rows.
func (l *Landscape) GetRows(ctx context.Context, runID string, page Page) ([]model.Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT row_id, run_id, source_node_id, row_index, source_data_hash, COALESCE(source_data_ref, ''), created_at
		 FROM rows WHERE run_id = ? ORDER BY created_at, row_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get rows: %w", err)
	}
	defer rows.Close()
	var out []model.Row
	for rows.Next() {
		var (
			r         model.Row
			createdAt string
		)
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex, &r.SourceDataHash, &r.SourceDataRef, &createdAt); err != nil {
			return nil, fmt.Errorf("landscape: scan row: %w", err)
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTokens lists a run's tokens (joined through rows, which carry the
// run id).
func (l *Landscape) GetTokens(ctx context.Context, runID string, page Page) ([]model.Token, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT t.token_id, t.row_id, t.branch_name, t.fork_group_id, t.join_group_id, t.expand_group_id,
		        t.step_in_pipeline, t.created_at
		 FROM tokens t JOIN rows r ON r.row_id = t.row_id
		 WHERE r.run_id = ? ORDER BY t.created_at, t.token_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get tokens: %w", err)
	}
	defer rows.Close()
	var out []model.Token
	for rows.Next() {
		var (
			t         model.Token
			createdAt string
		)
		err := rows.Scan(&t.TokenID, &t.RowID, &t.BranchName, &t.ForkGroupID, &t.JoinGroupID,
			&t.ExpandGroupID, &t.StepInPipeline, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan token: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTokenParents lists all parentage rows for a run's tokens.
func (l *Landscape) GetTokenParents(ctx context.Context, runID string, page Page) ([]model.TokenParent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tp.token_id, tp.parent_token_id, tp.ordinal
		 FROM token_parents tp
		 JOIN tokens t ON t.token_id = tp.token_id
		 JOIN rows r ON r.row_id = t.row_id
		 WHERE r.run_id = ? ORDER BY tp.token_id, tp.ordinal`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get token parents: %w", err)
	}
	defer rows.Close()
	var out []model.TokenParent
	for rows.Next() {
		var tp model.TokenParent
		if err := rows.Scan(&tp.TokenID, &tp.ParentTokenID, &tp.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan token parent: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

// GetParentTokenIDs returns the parent ids of one token in ordinal order.
func (l *Landscape) GetParentTokenIDs(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT parent_token_id FROM token_parents WHERE token_id = ? ORDER BY ordinal`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get parents of %s: %w", tokenID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetTokenOutcomes lists a run's token outcomes.
func (l *Landscape) GetTokenOutcomes(ctx context.Context, runID string, page Page) ([]model.TokenOutcome, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome_id, run_id, token_id, outcome, is_terminal, sink_name, batch_id,
		        fork_group_id, join_group_id, expand_group_id, error_hash, recorded_at
		 FROM token_outcomes WHERE run_id = ? ORDER BY recorded_at, outcome_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get token outcomes: %w", err)
	}
	defer rows.Close()
	var out []model.TokenOutcome
	for rows.Next() {
		var (
			o                   model.TokenOutcome
			outcome, recordedAt string
			terminal            int
		)
		err := rows.Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &outcome, &terminal, &o.SinkName, &o.BatchID,
			&o.ForkGroupID, &o.JoinGroupID, &o.ExpandGroupID, &o.ErrorHash, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan token outcome: %w", err)
		}
		if o.Outcome, err = model.ParseRowOutcome(outcome); err != nil {
			return nil, err
		}
		o.IsTerminal = terminal == 1
		if o.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TerminalOutcome returns a token's terminal outcome, or sql.ErrNoRows
// wrapped if the token is still in flight.
func (l *Landscape) TerminalOutcome(ctx context.Context, tokenID string) (model.TokenOutcome, error) {
	var (
		o                   model.TokenOutcome
		outcome, recordedAt string
		terminal            int
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT outcome_id, run_id, token_id, outcome, is_terminal, sink_name, batch_id,
		        fork_group_id, join_group_id, expand_group_id, error_hash, recorded_at
		 FROM token_outcomes WHERE token_id = ? AND is_terminal = 1`, tokenID).
		Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &outcome, &terminal, &o.SinkName, &o.BatchID,
			&o.ForkGroupID, &o.JoinGroupID, &o.ExpandGroupID, &o.ErrorHash, &recordedAt)
	if err != nil {
		return model.TokenOutcome{}, fmt.Errorf("landscape: terminal outcome of %s: %w", tokenID, err)
	}
	if o.Outcome, err = model.ParseRowOutcome(outcome); err != nil {
		return model.TokenOutcome{}, err
	}
	o.IsTerminal = true
	if o.RecordedAt, err = parseTime(recordedAt); err != nil {
		return model.TokenOutcome{}, err
	}
	return o, nil
}

func scanNodeStates(rows *sql.Rows) ([]model.NodeState, error) {
	var out []model.NodeState
	for rows.Next() {
		var (
			st                model.NodeState
			status, startedAt string
			completedAt       sql.NullString
		)
		err := rows.Scan(&st.StateID, &st.TokenID, &st.RunID, &st.NodeID, &st.StepIndex, &st.Attempt,
			&status, &st.InputHash, &st.OutputHash, &st.ErrorJSON, &st.DurationMS, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan node state: %w", err)
		}
		if st.Status, err = model.ParseNodeStateStatus(status); err != nil {
			return nil, err
		}
		if st.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if st.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const nodeStateColumns = `state_id, token_id, run_id, node_id, step_index, attempt, status,
	input_hash, output_hash, error_json, duration_ms, started_at, completed_at`

// GetNodeStates lists a run's node states.
func (l *Landscape) GetNodeStates(ctx context.Context, runID string, page Page) ([]model.NodeState, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+nodeStateColumns+` FROM node_states WHERE run_id = ?
		 ORDER BY started_at, state_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get node states: %w", err)
	}
	defer rows.Close()
	return scanNodeStates(rows)
}

// GetNodeStatesForToken lists one token's node states, attempts included.
func (l *Landscape) GetNodeStatesForToken(ctx context.Context, tokenID string) ([]model.NodeState, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+nodeStateColumns+` FROM node_states WHERE token_id = ?
		 ORDER BY started_at, state_id`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get node states for token: %w", err)
	}
	defer rows.Close()
	return scanNodeStates(rows)
}

// GetRoutingEvents lists a run's routing events (joined through their node
// states).
func (l *Landscape) GetRoutingEvents(ctx context.Context, runID string, page Page) ([]model.RoutingEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT e.event_id, e.state_id, e.edge_id, e.mode, e.reason_hash, e.reason_json, e.created_at
		 FROM routing_events e JOIN node_states s ON s.state_id = e.state_id
		 WHERE s.run_id = ? ORDER BY e.created_at, e.event_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get routing events: %w", err)
	}
	defer rows.Close()
	var out []model.RoutingEvent
	for rows.Next() {
		var (
			ev              model.RoutingEvent
			mode, createdAt string
		)
		if err := rows.Scan(&ev.EventID, &ev.StateID, &ev.EdgeID, &mode, &ev.ReasonHash, &ev.ReasonJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("landscape: scan routing event: %w", err)
		}
		if ev.Mode, err = model.ParseRoutingMode(mode); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetOperations lists a run's source-load and sink-write operations.
func (l *Landscape) GetOperations(ctx context.Context, runID string, page Page) ([]model.Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation_id, run_id, node_id, op_type, status, error_text, duration_ms, started_at, completed_at
		 FROM operations WHERE run_id = ? ORDER BY started_at, operation_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get operations: %w", err)
	}
	defer rows.Close()
	var out []model.Operation
	for rows.Next() {
		var (
			op                         model.Operation
			opType, status, startedAt string
			completedAt                sql.NullString
		)
		err := rows.Scan(&op.OperationID, &op.RunID, &op.NodeID, &opType, &status, &op.ErrorText,
			&op.DurationMS, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan operation: %w", err)
		}
		if op.Type, err = model.ParseOperationType(opType); err != nil {
			return nil, err
		}
		if op.Status, err = model.ParseOperationStatus(status); err != nil {
			return nil, err
		}
		if op.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if op.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanCalls(rows *sql.Rows) ([]model.Call, error) {
	var out []model.Call
	for rows.Next() {
		var (
			c                           model.Call
			callType, status, createdAt string
			responseRef                 sql.NullString
		)
		err := rows.Scan(&c.CallID, &c.StateID, &c.OperationID, &c.CallIndex, &callType, &status,
			&c.RequestHash, &c.RequestRef, &c.ResponseHash, &responseRef, &c.ErrorJSON, &c.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan call: %w", err)
		}
		if c.CallType, err = model.ParseCallType(callType); err != nil {
			return nil, err
		}
		if c.Status, err = model.ParseCallStatus(status); err != nil {
			return nil, err
		}
		c.ResponseRef = responseRef.String
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const callColumns = `c.call_id, c.state_id, c.operation_id, c.call_index, c.call_type, c.status,
	c.request_hash, COALESCE(c.request_ref, ''), c.response_hash, c.response_ref, c.error_json, c.latency_ms, c.created_at`

// GetCalls lists a run's external calls, whether owned by node states or
// operations.
func (l *Landscape) GetCalls(ctx context.Context, runID string, page Page) ([]model.Call, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls c
		 LEFT JOIN node_states s ON s.state_id = c.state_id
		 LEFT JOIN operations o ON o.operation_id = c.operation_id
		 WHERE s.run_id = ? OR o.run_id = ?
		 ORDER BY c.created_at, c.call_id`+page.clause(), runID, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// FindCallsByRequestHash returns every recorded call in a run matching
// (call_type, request_hash), in recording order. The verifier indexes into
// this slice with its per-hash sequence counter so duplicate identical
// requests verify against successive recordings.
func (l *Landscape) FindCallsByRequestHash(ctx context.Context, runID string, callType model.CallType, requestHash string) ([]model.Call, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls c
		 LEFT JOIN node_states s ON s.state_id = c.state_id
		 LEFT JOIN operations o ON o.operation_id = c.operation_id
		 WHERE (s.run_id = ? OR o.run_id = ?) AND c.call_type = ? AND c.request_hash = ?
		 ORDER BY c.created_at, c.call_id`, runID, runID, string(callType), requestHash)
	if err != nil {
		return nil, fmt.Errorf("landscape: find calls by request hash: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// GetBatches lists a run's batches.
func (l *Landscape) GetBatches(ctx context.Context, runID string, page Page) ([]model.Batch, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT batch_id, run_id, aggregation_node_id, aggregation_state_id, attempt, status,
		        trigger_type, trigger_reason, created_at, completed_at
		 FROM batches WHERE run_id = ? ORDER BY created_at, batch_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batches: %w", err)
	}
	defer rows.Close()
	var out []model.Batch
	for rows.Next() {
		var (
			b                          model.Batch
			status, trigger, createdAt string
			completedAt                sql.NullString
		)
		err := rows.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.AggregationStateID, &b.Attempt,
			&status, &trigger, &b.TriggerReason, &createdAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan batch: %w", err)
		}
		if b.Status, err = model.ParseBatchStatus(status); err != nil {
			return nil, err
		}
		if b.TriggerType, err = model.ParseTriggerType(trigger); err != nil {
			return nil, err
		}
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if b.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBatchMembers lists a batch's members in ordinal order.
func (l *Landscape) GetBatchMembers(ctx context.Context, batchID string) ([]model.BatchMember, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT batch_id, token_id, ordinal FROM batch_members WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batch members: %w", err)
	}
	defer rows.Close()
	var out []model.BatchMember
	for rows.Next() {
		var m model.BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: scan batch member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetArtifacts lists a run's artifacts.
func (l *Landscape) GetArtifacts(ctx context.Context, runID string, page Page) ([]model.Artifact, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri,
		        content_hash, size_bytes, idempotency_key, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY created_at, artifact_id`+page.clause(), runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get artifacts: %w", err)
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var (
			a         model.Artifact
			createdAt string
		)
		err := rows.Scan(&a.ArtifactID, &a.RunID, &a.ProducedByStateID, &a.SinkNodeID, &a.ArtifactType,
			&a.PathOrURI, &a.ContentHash, &a.SizeBytes, &a.IdempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("landscape: scan artifact: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
