package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/model"
)

// BeginNodeState opens a node-state row in status running. Retries begin a
// fresh state with the next attempt number; nothing is overwritten.
func (l *Landscape) BeginNodeState(ctx context.Context, runID, tokenID, nodeID string, stepIndex, attempt int, inputHash string) (model.NodeState, error) {
	started, ts := l.timestamp()
	st := model.NodeState{
		StateID:   model.NewID(),
		TokenID:   tokenID,
		RunID:     runID,
		NodeID:    nodeID,
		StepIndex: stepIndex,
		Attempt:   attempt,
		Status:    model.StateRunning,
		InputHash: inputHash,
		StartedAt: started,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO node_states (state_id, token_id, run_id, node_id, step_index, attempt, status, input_hash, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StateID, st.TokenID, st.RunID, st.NodeID, st.StepIndex, st.Attempt, string(st.Status), st.InputHash, ts)
		return err
	})
	if err != nil {
		return model.NodeState{}, fmt.Errorf("landscape: begin node state: %w", err)
	}
	return st, nil
}

// CompleteNodeState closes a running node-state with its result.
func (l *Landscape) CompleteNodeState(ctx context.Context, stateID string, status model.NodeStateStatus, outputHash, errorJSON string, durationMS float64) error {
	if status == model.StateRunning {
		return fmt.Errorf("landscape: cannot complete state %s into status running", stateID)
	}
	_, ts := l.timestamp()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE node_states SET status = ?, output_hash = ?, error_json = ?, duration_ms = ?, completed_at = ?
			 WHERE state_id = ? AND status = 'running'`,
			string(status), outputHash, errorJSON, durationMS, ts, stateID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("state %s is not running", stateID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: complete node state: %w", err)
	}
	return nil
}

// RecordRoutingEvent attaches a routing decision to the node-state that
// made it. The reason is hashed canonically so exports can verify it
// without carrying the full object.
func (l *Landscape) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode model.RoutingMode, reason map[string]any) (model.RoutingEvent, error) {
	reasonJSON := ""
	reasonHash := ""
	if len(reason) > 0 {
		b, err := canonical.MarshalJSON(reason)
		if err != nil {
			return model.RoutingEvent{}, fmt.Errorf("landscape: encode routing reason: %w", err)
		}
		reasonJSON = string(b)
		reasonHash = canonical.HashBytes(b)
	}
	created, ts := l.timestamp()
	ev := model.RoutingEvent{
		EventID:    model.NewID(),
		StateID:    stateID,
		EdgeID:     edgeID,
		Mode:       mode,
		ReasonHash: reasonHash,
		ReasonJSON: reasonJSON,
		CreatedAt:  created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO routing_events (event_id, state_id, edge_id, mode, reason_hash, reason_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, ev.StateID, ev.EdgeID, string(ev.Mode), ev.ReasonHash, ev.ReasonJSON, ts)
		return err
	})
	if err != nil {
		return model.RoutingEvent{}, fmt.Errorf("landscape: record routing event: %w", err)
	}
	return ev, nil
}

// BeginOperation opens a source-load or sink-write context. Calls made
// before any token exists attach here instead of to a node-state.
func (l *Landscape) BeginOperation(ctx context.Context, runID, nodeID string, opType model.OperationType) (model.Operation, error) {
	started, ts := l.timestamp()
	op := model.Operation{
		OperationID: model.NewID(),
		RunID:       runID,
		NodeID:      nodeID,
		Type:        opType,
		Status:      model.OpOpen,
		StartedAt:   started,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO operations (operation_id, run_id, node_id, op_type, status, started_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			op.OperationID, op.RunID, op.NodeID, string(op.Type), string(op.Status), ts)
		return err
	})
	if err != nil {
		return model.Operation{}, fmt.Errorf("landscape: begin operation: %w", err)
	}
	return op, nil
}

// CompleteOperation closes an open operation.
func (l *Landscape) CompleteOperation(ctx context.Context, operationID string, status model.OperationStatus, errorText string, durationMS float64) error {
	if status == model.OpOpen {
		return fmt.Errorf("landscape: cannot complete operation %s into status open", operationID)
	}
	_, ts := l.timestamp()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE operations SET status = ?, error_text = ?, duration_ms = ?, completed_at = ?
			 WHERE operation_id = ? AND status = 'open'`,
			string(status), errorText, durationMS, ts, operationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("operation %s is not open", operationID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: complete operation: %w", err)
	}
	return nil
}

// CallParent names the owner of a call: exactly one of StateID or
// OperationID is non-empty.
type CallParent struct {
	StateID     string
	OperationID string
}

func (p CallParent) validate() error {
	if (p.StateID == "") == (p.OperationID == "") {
		return fmt.Errorf("landscape: call parent needs exactly one of state_id or operation_id")
	}
	return nil
}

func (p CallParent) key(callType model.CallType) string {
	if p.StateID != "" {
		return "s:" + p.StateID + ":" + string(callType)
	}
	return "o:" + p.OperationID + ":" + string(callType)
}

// AllocateCallIndex hands out the next call_index for (parent, call type),
// strictly monotonic across concurrent callers. The counter is seeded from
// MAX(call_index) so resumed runs continue the sequence instead of
// colliding with recorded calls.
func (l *Landscape) AllocateCallIndex(ctx context.Context, parent CallParent, callType model.CallType) (int, error) {
	if err := parent.validate(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := parent.key(callType)
	next, seeded := l.callIdx[key]
	if !seeded {
		var maxIdx sql.NullInt64
		err := l.db.QueryRowContext(ctx,
			`SELECT MAX(call_index) FROM calls WHERE state_id = ? AND operation_id = ? AND call_type = ?`,
			parent.StateID, parent.OperationID, string(callType)).Scan(&maxIdx)
		if err != nil {
			return 0, fmt.Errorf("landscape: seed call index: %w", err)
		}
		if maxIdx.Valid {
			next = int(maxIdx.Int64) + 1
		}
	}
	l.callIdx[key] = next + 1
	return next, nil
}

// CallRecord carries one outbound external call into the store. Request
// and response bodies are stored content-addressed; the record keeps the
// hashes and refs.
type CallRecord struct {
	Parent    CallParent
	CallIndex int
	CallType  model.CallType
	Status    model.CallStatus
	Request   []byte
	Response  []byte // nil for error calls that never got a response
	ErrorJSON string
	LatencyMS float64
}

// RecordCall persists one external call. call_index must come from
// AllocateCallIndex; the unique constraint rejects reuse.
func (l *Landscape) RecordCall(ctx context.Context, rec CallRecord) (model.Call, error) {
	if err := rec.Parent.validate(); err != nil {
		return model.Call{}, err
	}
	reqRef, err := l.payloads.Put(rec.Request)
	if err != nil {
		return model.Call{}, fmt.Errorf("landscape: store request payload: %w", err)
	}
	call := model.Call{
		CallID:      model.NewID(),
		StateID:     rec.Parent.StateID,
		OperationID: rec.Parent.OperationID,
		CallIndex:   rec.CallIndex,
		CallType:    rec.CallType,
		Status:      rec.Status,
		RequestHash: canonical.HashBytes(rec.Request),
		RequestRef:  reqRef,
		ErrorJSON:   rec.ErrorJSON,
		LatencyMS:   rec.LatencyMS,
	}
	if rec.Response != nil {
		respRef, err := l.payloads.Put(rec.Response)
		if err != nil {
			return model.Call{}, fmt.Errorf("landscape: store response payload: %w", err)
		}
		call.ResponseHash = canonical.HashBytes(rec.Response)
		call.ResponseRef = respRef
	}
	created, ts := l.timestamp()
	call.CreatedAt = created
	err = l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calls (call_id, state_id, operation_id, call_index, call_type, status,
			                    request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			call.CallID, call.StateID, call.OperationID, call.CallIndex, string(call.CallType), string(call.Status),
			call.RequestHash, call.RequestRef, call.ResponseHash, nullable(call.ResponseRef), call.ErrorJSON, call.LatencyMS, ts)
		return err
	})
	if err != nil {
		return model.Call{}, fmt.Errorf("landscape: record call: %w", err)
	}
	return call, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
