package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/model"
)

// BeginRun creates the run record in status running.
func (l *Landscape) BeginRun(ctx context.Context, configHash, settingsJSON string) (model.Run, error) {
	started, ts := l.timestamp()
	run := model.Run{
		RunID:            model.NewRunID(),
		StartedAt:        started,
		Status:           model.RunRunning,
		CanonicalVersion: canonical.Version,
		ConfigHash:       configHash,
		SettingsJSON:     settingsJSON,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, started_at, status, canonical_version, config_hash, settings_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, ts, string(run.Status), run.CanonicalVersion, run.ConfigHash, run.SettingsJSON)
		return err
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("landscape: begin run: %w", err)
	}
	l.log.Info("run started", "run_id", run.RunID, "config_hash", configHash)
	return run, nil
}

// CompleteRun finalises a run exactly once. A second finalisation, or
// finalising a run that is not running, is an error.
func (l *Landscape) CompleteRun(ctx context.Context, runID string, status model.RunStatus) error {
	if status == model.RunRunning {
		return fmt.Errorf("landscape: cannot complete run %s into status running", runID)
	}
	_, ts := l.timestamp()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status = 'running'`,
			string(status), ts, runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("run %s is not running", runID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	l.log.Info("run completed", "run_id", runID, "status", string(status))
	return nil
}

// RegisterNode records a plugin instance during run setup. Callers may
// supply the node_id (pipeline step names double as node IDs); one is
// assigned when absent. Nodes are immutable afterwards.
func (l *Landscape) RegisterNode(ctx context.Context, n model.Node) (model.Node, error) {
	registered, ts := l.timestamp()
	if n.NodeID == "" {
		n.NodeID = model.NewID()
	}
	n.RegisteredAt = registered
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (node_id, run_id, plugin_name, plugin_version, node_type, determinism,
			                    config_hash, config_json, schema_hash, schema_mode, schema_fields_json,
			                    sequence_in_pipeline, registered_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.NodeID, n.RunID, n.PluginName, n.PluginVersion, string(n.NodeType), string(n.Determinism),
			n.ConfigHash, n.ConfigJSON, n.SchemaHash, n.SchemaMode, n.SchemaFieldsJSON,
			n.SequenceInPipeline, ts)
		return err
	})
	if err != nil {
		return model.Node{}, fmt.Errorf("landscape: register node %s: %w", n.PluginName, err)
	}
	return n, nil
}

// RegisterEdge records one routing possibility. (run, from node, label) is
// unique; re-registering the same edge is an error.
func (l *Landscape) RegisterEdge(ctx context.Context, e model.Edge) (model.Edge, error) {
	created, ts := l.timestamp()
	e.EdgeID = model.NewID()
	e.CreatedAt = created
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.EdgeID, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, string(e.DefaultMode), ts)
		return err
	})
	if err != nil {
		return model.Edge{}, fmt.Errorf("landscape: register edge %s->%s: %w", e.FromNodeID, e.Label, err)
	}
	return e, nil
}

// CreateRow records one source row, storing its data content-addressed.
// Quarantined rows are hashed with the lenient encoder so malformed input
// never crashes the recorder.
func (l *Landscape) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any, quarantined bool) (model.Row, error) {
	var (
		blob []byte
		err  error
	)
	if quarantined {
		blob, err = canonical.MarshalQuarantined(data)
	} else {
		blob, err = canonical.MarshalJSON(data)
	}
	if err != nil {
		return model.Row{}, fmt.Errorf("landscape: encode row %d: %w", rowIndex, err)
	}
	ref, err := l.payloads.Put(blob)
	if err != nil {
		return model.Row{}, fmt.Errorf("landscape: store row payload: %w", err)
	}

	created, ts := l.timestamp()
	row := model.Row{
		RowID:          model.NewID(),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: canonical.HashBytes(blob),
		SourceDataRef:  ref,
		CreatedAt:      created,
	}
	err = l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, ts)
		return err
	})
	if err != nil {
		return model.Row{}, fmt.Errorf("landscape: create row %d: %w", rowIndex, err)
	}
	return row, nil
}

// RecordValidationError records a row quarantined at ingestion.
func (l *Landscape) RecordValidationError(ctx context.Context, v model.ValidationError) (model.ValidationError, error) {
	created, ts := l.timestamp()
	v.ErrorID = model.NewID()
	v.CreatedAt = created
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO validation_errors (error_id, run_id, node_id, row_hash, row_json, message, schema_mode, destination, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ErrorID, v.RunID, v.NodeID, v.RowHash, v.RowJSON, v.Message, v.SchemaMode, v.Destination, ts)
		return err
	})
	if err != nil {
		return model.ValidationError{}, fmt.Errorf("landscape: record validation error: %w", err)
	}
	return v, nil
}

// RecordTransformError records a processing error routed away mid-pipeline.
func (l *Landscape) RecordTransformError(ctx context.Context, t model.TransformErrorRecord) (model.TransformErrorRecord, error) {
	created, ts := l.timestamp()
	t.ErrorID = model.NewID()
	t.CreatedAt = created
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transform_errors (error_id, run_id, token_id, transform_id, row_hash, row_json, details_json, destination, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ErrorID, t.RunID, t.TokenID, t.TransformID, t.RowHash, t.RowJSON, t.DetailsJSON, t.Destination, ts)
		return err
	})
	if err != nil {
		return model.TransformErrorRecord{}, fmt.Errorf("landscape: record transform error: %w", err)
	}
	return t, nil
}

// RegisterArtifact records a sink output, append-only.
func (l *Landscape) RegisterArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	created, ts := l.timestamp()
	a.ArtifactID = model.NewID()
	a.CreatedAt = created
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type,
			                        path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ArtifactID, a.RunID, a.ProducedByStateID, a.SinkNodeID, a.ArtifactType,
			a.PathOrURI, a.ContentHash, a.SizeBytes, a.IdempotencyKey, ts)
		return err
	})
	if err != nil {
		return model.Artifact{}, fmt.Errorf("landscape: register artifact: %w", err)
	}
	return a, nil
}

// SaveCheckpoint appends a progress marker carrying serialized aggregation
// buffer state. Sequence numbers are caller-supplied and monotonic per
// (run, node).
func (l *Landscape) SaveCheckpoint(ctx context.Context, c model.Checkpoint) (model.Checkpoint, error) {
	created, ts := l.timestamp()
	c.CheckpointID = model.NewID()
	c.CreatedAt = created
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.CheckpointID, c.RunID, c.TokenID, c.NodeID, c.SequenceNumber, c.AggregationStateJSON, ts)
		return err
	})
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("landscape: save checkpoint: %w", err)
	}
	return c, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for (run, node),
// or sql.ErrNoRows wrapped if none exists.
func (l *Landscape) LatestCheckpoint(ctx context.Context, runID, nodeID string) (model.Checkpoint, error) {
	var (
		c  model.Checkpoint
		ts string
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json, created_at
		 FROM checkpoints WHERE run_id = ? AND node_id = ?
		 ORDER BY sequence_number DESC LIMIT 1`,
		runID, nodeID).
		Scan(&c.CheckpointID, &c.RunID, &c.TokenID, &c.NodeID, &c.SequenceNumber, &c.AggregationStateJSON, &ts)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("landscape: latest checkpoint: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return model.Checkpoint{}, err
	}
	c.CreatedAt = t
	return c, nil
}
