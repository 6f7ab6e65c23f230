package engine

import (
	"context"
	"fmt"

	"github.com/vsavkov/elspeth/internal/canonical"
	"github.com/vsavkov/elspeth/internal/landscape"
	"github.com/vsavkov/elspeth/internal/model"
)

// TokenManager creates, forks, expands, and coalesces tokens. Every public
// method pairs its in-memory result with one landscape transaction, so a
// token the engine holds always exists in the audit trail.
//
// Fork and expand deep-copy row data into every child. Downstream code
// mutates maps in place; a shared nested reference would corrupt siblings
// silently, so the copy is not optional.
type TokenManager struct {
	ls *landscape.Landscape
}

func NewTokenManager(ls *landscape.Landscape) *TokenManager {
	return &TokenManager{ls: ls}
}

// CreateInitialToken persists a source row and its first token.
func (m *TokenManager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, src model.SourceRow) (model.TokenInfo, error) {
	row, err := m.ls.CreateRow(ctx, runID, sourceNodeID, rowIndex, src.Row, src.Quarantined)
	if err != nil {
		return model.TokenInfo{}, err
	}
	tok, err := m.ls.CreateToken(ctx, row.RowID, 0)
	if err != nil {
		return model.TokenInfo{}, err
	}
	contract := src.Contract
	if src.Quarantined {
		contract = model.ObservedContract()
	}
	return model.TokenInfo{
		RowID:   row.RowID,
		TokenID: tok.TokenID,
		RowData: model.NewPipelineRow(src.Row, contract),
	}, nil
}

// CreateTokenForExistingRow is the resume path: the row is already
// persisted and only needs a fresh token.
func (m *TokenManager) CreateTokenForExistingRow(ctx context.Context, rowID string, data map[string]any, contract model.SchemaContract) (model.TokenInfo, error) {
	tok, err := m.ls.CreateToken(ctx, rowID, 0)
	if err != nil {
		return model.TokenInfo{}, err
	}
	return model.TokenInfo{
		RowID:   rowID,
		TokenID: tok.TokenID,
		RowData: model.NewPipelineRow(data, contract),
	}, nil
}

// Fork creates one child per branch, all sharing the parent's row. Each
// child gets an independent deep copy of the parent's data (or of the
// supplied override). Records the parent's forked outcome in the same
// transaction as the children.
func (m *TokenManager) Fork(ctx context.Context, runID string, parent model.TokenInfo, branches []string, step int, override *model.PipelineRow) ([]model.TokenInfo, string, error) {
	parentTok := model.Token{TokenID: parent.TokenID, RowID: parent.RowID}
	children, forkGroup, err := m.ls.ForkToken(ctx, runID, parentTok, branches, step)
	if err != nil {
		return nil, "", err
	}
	data := parent.RowData
	if override != nil {
		data = *override
	}
	infos := make([]model.TokenInfo, len(children))
	for i, child := range children {
		infos[i] = model.TokenInfo{
			RowID:       parent.RowID,
			TokenID:     child.TokenID,
			RowData:     data.Clone(),
			BranchName:  child.BranchName,
			ForkGroupID: forkGroup,
		}
	}
	return infos, forkGroup, nil
}

// Expand creates one child per output row (deaggregation). Each row map is
// deep-copied into its child so siblings never share nested structure.
// Records the parent's expanded outcome atomically with the children.
func (m *TokenManager) Expand(ctx context.Context, runID string, parent model.TokenInfo, rows []map[string]any, step int) ([]model.TokenInfo, string, error) {
	if len(rows) == 0 {
		return nil, "", fmt.Errorf("engine: expand of token %s produced no rows", parent.TokenID)
	}
	parentTok := model.Token{TokenID: parent.TokenID, RowID: parent.RowID, BranchName: parent.BranchName}
	children, expandGroup, err := m.ls.ExpandToken(ctx, runID, parentTok, len(rows), step)
	if err != nil {
		return nil, "", err
	}
	contract := parent.RowData.Contract()
	infos := make([]model.TokenInfo, len(children))
	for i, child := range children {
		infos[i] = model.TokenInfo{
			RowID:         parent.RowID,
			TokenID:       child.TokenID,
			RowData:       model.NewPipelineRow(rows[i], contract),
			BranchName:    parent.BranchName,
			ExpandGroupID: expandGroup,
		}
	}
	return infos, expandGroup, nil
}

// Coalesce merges sibling branch tokens into one child referencing all
// parents. Parents' coalesced outcomes land in the same transaction.
func (m *TokenManager) Coalesce(ctx context.Context, runID string, parents []model.TokenInfo, merged model.PipelineRow, step int) (model.TokenInfo, string, error) {
	parentToks := make([]model.Token, len(parents))
	for i, p := range parents {
		parentToks[i] = model.Token{TokenID: p.TokenID, RowID: p.RowID}
	}
	child, joinGroup, err := m.ls.CoalesceTokens(ctx, runID, parentToks, step)
	if err != nil {
		return model.TokenInfo{}, "", err
	}
	return model.TokenInfo{
		RowID:       child.RowID,
		TokenID:     child.TokenID,
		RowData:     merged.Clone(),
		JoinGroupID: joinGroup,
	}, joinGroup, nil
}

// NewChild creates a token on the same row with explicit parents and no
// parent outcome. The aggregation executor uses this for flush outputs,
// whose parents' outcomes are consumed_in_batch rather than expanded.
func (m *TokenManager) NewChild(ctx context.Context, rowID string, parents []string, data model.PipelineRow, step int) (model.TokenInfo, error) {
	tok, err := m.ls.CreateChildToken(ctx, rowID, parents, step)
	if err != nil {
		return model.TokenInfo{}, err
	}
	return model.TokenInfo{
		RowID:   rowID,
		TokenID: tok.TokenID,
		RowData: data.Clone(),
	}, nil
}

// UpdateRowData returns the token carrying new data, lineage intact.
func (m *TokenManager) UpdateRowData(token model.TokenInfo, data model.PipelineRow) model.TokenInfo {
	return token.WithUpdatedData(data)
}

// HashRow canonically hashes a row's data, for node-state input/output
// hashes.
func HashRow(row model.PipelineRow) (string, error) {
	return canonical.Hash(row.ToMap())
}
