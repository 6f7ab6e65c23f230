package landscape

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vsavkov/elspeth/internal/model"
)

// OutcomeArgs carries a terminal (or buffered) outcome plus its referent.
// Exactly the referent appropriate to the kind should be set; the rest stay
// empty.
type OutcomeArgs struct {
	RunID         string
	TokenID       string
	Outcome       model.RowOutcome
	SinkName      string
	BatchID       string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string
	ErrorHash     string
}

// CreateToken records the first token over a row, at step 0 with no
// parents.
func (l *Landscape) CreateToken(ctx context.Context, rowID string, step int) (model.Token, error) {
	created, ts := l.timestamp()
	tok := model.Token{
		TokenID:        model.NewID(),
		RowID:          rowID,
		StepInPipeline: step,
		CreatedAt:      created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		return insertToken(ctx, tx, tok, ts)
	})
	if err != nil {
		return model.Token{}, fmt.Errorf("landscape: create token: %w", err)
	}
	return tok, nil
}

// CreateChildToken creates a token on rowID with explicit parents and no
// outcome side effects. Aggregation flushes use this: the parents' outcomes
// are recorded separately as consumed_in_batch.
func (l *Landscape) CreateChildToken(ctx context.Context, rowID string, parentIDs []string, step int) (model.Token, error) {
	created, ts := l.timestamp()
	tok := model.Token{
		TokenID:        model.NewID(),
		RowID:          rowID,
		StepInPipeline: step,
		CreatedAt:      created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertToken(ctx, tx, tok, ts); err != nil {
			return err
		}
		for i, parent := range parentIDs {
			if err := insertParent(ctx, tx, tok.TokenID, parent, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Token{}, fmt.Errorf("landscape: create child token: %w", err)
	}
	return tok, nil
}

// ForkToken creates one child per branch and records the parent's forked
// outcome, all in one transaction: either the whole fork is visible or none
// of it is.
func (l *Landscape) ForkToken(ctx context.Context, runID string, parent model.Token, branches []string, step int) ([]model.Token, string, error) {
	if len(branches) == 0 {
		return nil, "", fmt.Errorf("landscape: fork with no branches")
	}
	forkGroup := model.NewID()
	created, ts := l.timestamp()
	children := make([]model.Token, len(branches))
	for i, branch := range branches {
		children[i] = model.Token{
			TokenID:        model.NewID(),
			RowID:          parent.RowID,
			BranchName:     branch,
			ForkGroupID:    forkGroup,
			StepInPipeline: step,
			CreatedAt:      created,
		}
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for i, child := range children {
			if err := insertToken(ctx, tx, child, ts); err != nil {
				return err
			}
			if err := insertParent(ctx, tx, child.TokenID, parent.TokenID, i); err != nil {
				return err
			}
		}
		return insertOutcome(ctx, tx, OutcomeArgs{
			RunID:       runID,
			TokenID:     parent.TokenID,
			Outcome:     model.OutcomeForked,
			ForkGroupID: forkGroup,
		}, ts)
	})
	if err != nil {
		return nil, "", fmt.Errorf("landscape: fork token %s: %w", parent.TokenID, err)
	}
	return children, forkGroup, nil
}

// ExpandToken creates one child per output row and records the parent's
// expanded outcome, atomically.
func (l *Landscape) ExpandToken(ctx context.Context, runID string, parent model.Token, childCount int, step int) ([]model.Token, string, error) {
	if childCount == 0 {
		return nil, "", fmt.Errorf("landscape: expand with no rows")
	}
	expandGroup := model.NewID()
	created, ts := l.timestamp()
	children := make([]model.Token, childCount)
	for i := range children {
		children[i] = model.Token{
			TokenID:        model.NewID(),
			RowID:          parent.RowID,
			BranchName:     parent.BranchName,
			ExpandGroupID:  expandGroup,
			StepInPipeline: step,
			CreatedAt:      created,
		}
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for i, child := range children {
			if err := insertToken(ctx, tx, child, ts); err != nil {
				return err
			}
			if err := insertParent(ctx, tx, child.TokenID, parent.TokenID, i); err != nil {
				return err
			}
		}
		return insertOutcome(ctx, tx, OutcomeArgs{
			RunID:         runID,
			TokenID:       parent.TokenID,
			Outcome:       model.OutcomeExpanded,
			ExpandGroupID: expandGroup,
		}, ts)
	})
	if err != nil {
		return nil, "", fmt.Errorf("landscape: expand token %s: %w", parent.TokenID, err)
	}
	return children, expandGroup, nil
}

// CoalesceTokens creates one merged child referencing every parent and
// records each parent's coalesced outcome, atomically.
func (l *Landscape) CoalesceTokens(ctx context.Context, runID string, parents []model.Token, step int) (model.Token, string, error) {
	if len(parents) == 0 {
		return model.Token{}, "", fmt.Errorf("landscape: coalesce with no parents")
	}
	joinGroup := model.NewID()
	created, ts := l.timestamp()
	merged := model.Token{
		TokenID:        model.NewID(),
		RowID:          parents[0].RowID,
		JoinGroupID:    joinGroup,
		StepInPipeline: step,
		CreatedAt:      created,
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertToken(ctx, tx, merged, ts); err != nil {
			return err
		}
		for i, p := range parents {
			if err := insertParent(ctx, tx, merged.TokenID, p.TokenID, i); err != nil {
				return err
			}
			err := insertOutcome(ctx, tx, OutcomeArgs{
				RunID:       runID,
				TokenID:     p.TokenID,
				Outcome:     model.OutcomeCoalesced,
				JoinGroupID: joinGroup,
			}, ts)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Token{}, "", fmt.Errorf("landscape: coalesce: %w", err)
	}
	return merged, joinGroup, nil
}

// RecordTokenOutcome records a standalone outcome (completed, failed,
// routed, buffered, consumed_in_batch, quarantined). Fork, expand, and
// coalesce record their outcomes inside their own transactions.
//
// The terminal-outcome unique index makes a second terminal outcome for
// the same token a constraint violation, which is surfaced as an error
// rather than silently ignored.
func (l *Landscape) RecordTokenOutcome(ctx context.Context, args OutcomeArgs) error {
	_, ts := l.timestamp()
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		return insertOutcome(ctx, tx, args, ts)
	})
	if err != nil {
		return fmt.Errorf("landscape: record outcome %s for token %s: %w", args.Outcome, args.TokenID, err)
	}
	return nil
}

// SetOutcomeBatch backfills the batch referent on consumed_in_batch
// outcomes that were recorded before their batch existed. Only outcomes
// with an empty batch_id are touched, so replaying a flush cannot
// reassign an earlier batch's members.
func (l *Landscape) SetOutcomeBatch(ctx context.Context, batchID string, tokenIDs []string) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range tokenIDs {
			_, err := tx.ExecContext(ctx,
				`UPDATE token_outcomes SET batch_id = ?
				 WHERE token_id = ? AND outcome = ? AND batch_id = ''`,
				batchID, id, string(model.OutcomeConsumedInBatch))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("landscape: set outcome batch %s: %w", batchID, err)
	}
	return nil
}

func insertToken(ctx context.Context, tx *sql.Tx, t model.Token, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tokens (token_id, row_id, branch_name, fork_group_id, join_group_id, expand_group_id, step_in_pipeline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.RowID, t.BranchName, t.ForkGroupID, t.JoinGroupID, t.ExpandGroupID, t.StepInPipeline, ts)
	return err
}

func insertParent(ctx context.Context, tx *sql.Tx, tokenID, parentID string, ordinal int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
		tokenID, parentID, ordinal)
	return err
}

func insertOutcome(ctx context.Context, tx *sql.Tx, args OutcomeArgs, ts string) error {
	terminal := 0
	if args.Outcome.Terminal() {
		terminal = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, is_terminal, sink_name, batch_id,
		                             fork_group_id, join_group_id, expand_group_id, error_hash, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.NewID(), args.RunID, args.TokenID, string(args.Outcome), terminal, args.SinkName, args.BatchID,
		args.ForkGroupID, args.JoinGroupID, args.ExpandGroupID, args.ErrorHash, ts)
	return err
}
