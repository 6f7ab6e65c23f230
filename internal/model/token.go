package model

// TokenInfo is the in-memory handle the engine schedules: one token id,
// its row, and the lineage tags it was born with. Values are treated as
// immutable; WithUpdatedData returns a new value.
type TokenInfo struct {
	RowID         string
	TokenID       string
	RowData       PipelineRow
	BranchName    string
	ForkGroupID   string
	ExpandGroupID string
	JoinGroupID   string
}

// WithUpdatedData returns the same token carrying new row data. Branch
// name and all group ids are preserved; transforms must not strip lineage.
func (t TokenInfo) WithUpdatedData(data PipelineRow) TokenInfo {
	t.RowData = data
	return t
}
