package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vsavkov/elspeth/internal/model"
)

// CreateBatch opens a draft batch for an aggregation node's flush.
func (l *Landscape) CreateBatch(ctx context.Context, runID, aggregationNodeID, aggregationStateID string, attempt int, trigger model.TriggerType, triggerReason string) (model.Batch, error) {
	created, ts := l.timestamp()
	b := model.Batch{
		BatchID:            model.NewID(),
		RunID:              runID,
		AggregationNodeID:  aggregationNodeID,
		AggregationStateID: aggregationStateID,
		Attempt:            attempt,
		Status:             model.BatchDraft,
		TriggerType:        trigger,
		TriggerReason:      triggerReason,
		CreatedAt:          created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batches (batch_id, run_id, aggregation_node_id, aggregation_state_id, attempt, status, trigger_type, trigger_reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.BatchID, b.RunID, b.AggregationNodeID, b.AggregationStateID, b.Attempt, string(b.Status), string(b.TriggerType), b.TriggerReason, ts)
		return err
	})
	if err != nil {
		return model.Batch{}, fmt.Errorf("landscape: create batch: %w", err)
	}
	return b, nil
}

// AddBatchMembers appends tokens to a draft batch with their deterministic
// ordinals, in one transaction.
func (l *Landscape) AddBatchMembers(ctx context.Context, batchID string, tokenIDs []string, firstOrdinal int) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE batch_id = ?`, batchID).Scan(&status); err != nil {
			return err
		}
		if status != string(model.BatchDraft) {
			return fmt.Errorf("batch %s is %s, members may only be added while draft", batchID, status)
		}
		for i, tokenID := range tokenIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
				batchID, tokenID, firstOrdinal+i)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: add batch members: %w", err)
	}
	return nil
}

// UpdateBatchStatus advances a batch along draft → executing. Terminal
// transitions go through CompleteBatch so completed_at is always set.
func (l *Landscape) UpdateBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error {
	if status == model.BatchCompleted || status == model.BatchFailed {
		return fmt.Errorf("landscape: terminal batch status %s requires CompleteBatch", status)
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = ? WHERE batch_id = ? AND status NOT IN ('completed','failed')`,
			string(status), batchID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("batch %s is already terminal", batchID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}
	return nil
}

// CompleteBatch finalises a batch as completed or failed.
func (l *Landscape) CompleteBatch(ctx context.Context, batchID string, status model.BatchStatus) error {
	if status != model.BatchCompleted && status != model.BatchFailed {
		return fmt.Errorf("landscape: CompleteBatch requires a terminal status, got %s", status)
	}
	_, ts := l.timestamp()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ? AND status NOT IN ('completed','failed')`,
			string(status), ts, batchID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("batch %s is already terminal", batchID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: complete batch: %w", err)
	}
	return nil
}

// RetryBatch creates a fresh batch with attempt = prior+1 and copies the
// prior batch's members. The failed batch is preserved; the audit trail
// shows both attempts.
func (l *Landscape) RetryBatch(ctx context.Context, priorBatchID string) (model.Batch, error) {
	created, ts := l.timestamp()
	fresh := model.Batch{
		BatchID:   model.NewID(),
		Status:    model.BatchDraft,
		CreatedAt: created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT run_id, aggregation_node_id, aggregation_state_id, attempt, status, trigger_type, trigger_reason
			 FROM batches WHERE batch_id = ?`, priorBatchID).
			Scan(&fresh.RunID, &fresh.AggregationNodeID, &fresh.AggregationStateID, &fresh.Attempt, &status, &fresh.TriggerType, &fresh.TriggerReason)
		if err != nil {
			return err
		}
		if status != string(model.BatchFailed) {
			return fmt.Errorf("batch %s is %s, only failed batches may be retried", priorBatchID, status)
		}
		fresh.Attempt++
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batches (batch_id, run_id, aggregation_node_id, aggregation_state_id, attempt, status, trigger_type, trigger_reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fresh.BatchID, fresh.RunID, fresh.AggregationNodeID, fresh.AggregationStateID, fresh.Attempt,
			string(fresh.Status), string(fresh.TriggerType), fresh.TriggerReason, ts)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO batch_members (batch_id, token_id, ordinal)
			 SELECT ?, token_id, ordinal FROM batch_members WHERE batch_id = ?`,
			fresh.BatchID, priorBatchID)
		return err
	})
	if err != nil {
		return model.Batch{}, fmt.Errorf("landscape: retry batch %s: %w", priorBatchID, err)
	}
	return fresh, nil
}
