package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vsavkov/elspeth/internal/model"
)

// CoalescePolicy decides what a join does when branches go missing.
type CoalescePolicy string

const (
	// RequireAll fails the join if any expected branch is lost.
	RequireAll CoalescePolicy = "require_all"
	// Quorum merges once at least Quorum branches arrived, fails otherwise.
	Quorum CoalescePolicy = "quorum"
	// BestEffort merges whatever arrived, as long as one branch did.
	BestEffort CoalescePolicy = "best_effort"
)

func ParseCoalescePolicy(s string) (CoalescePolicy, error) {
	switch CoalescePolicy(s) {
	case RequireAll, Quorum, BestEffort:
		return CoalescePolicy(s), nil
	case "":
		return RequireAll, nil
	}
	return "", fmt.Errorf("engine: unknown coalesce policy %q", s)
}

// CoalesceSettings configures one named join point.
type CoalesceSettings struct {
	Name             string
	Step             int
	ExpectedBranches []string
	Policy           CoalescePolicy
	Quorum           int
}

// CoalesceStatus is the result kind of a submission.
type CoalesceStatus string

const (
	// CoalesceHeld absorbed the token; no result is emitted yet.
	CoalesceHeld CoalesceStatus = "held"
	// CoalesceMerged completed the join; Merged carries the new token.
	CoalesceMerged CoalesceStatus = "merged"
	// CoalesceFailed means the join cannot complete under its policy.
	CoalesceFailed CoalesceStatus = "failed"
)

// CoalesceResult is what Submit or NotifyBranchLost returns.
type CoalesceResult struct {
	Status  CoalesceStatus
	Merged  model.TokenInfo
	Parents []model.TokenInfo // arrived tokens, in expected-branch order
	Reason  string
}

type join struct {
	arrived map[string]model.TokenInfo
	lost    map[string]string
}

// CoalesceExecutor holds pending branch results keyed by (row, join name)
// until the join can complete. It is shared across the row processors of a
// run so branches processed by different work items still meet.
type CoalesceExecutor struct {
	tm       *TokenManager
	settings map[string]CoalesceSettings

	mu      sync.Mutex
	pending map[string]*join
}

func NewCoalesceExecutor(tm *TokenManager, settings []CoalesceSettings) *CoalesceExecutor {
	byName := make(map[string]CoalesceSettings, len(settings))
	for _, s := range settings {
		if s.Policy == "" {
			s.Policy = RequireAll
		}
		byName[s.Name] = s
	}
	return &CoalesceExecutor{
		tm:       tm,
		settings: byName,
		pending:  map[string]*join{},
	}
}

func joinKey(rowID, name string) string { return rowID + "\x00" + name }

// Submit delivers one branch token to the join. Either the token is held,
// or its arrival completes the join and the merged (or failed) result
// comes back.
func (c *CoalesceExecutor) Submit(ctx context.Context, runID, name string, tok model.TokenInfo) (CoalesceResult, error) {
	cfg, ok := c.settings[name]
	if !ok {
		return CoalesceResult{}, fmt.Errorf("engine: unknown coalesce point %q", name)
	}

	c.mu.Lock()
	key := joinKey(tok.RowID, name)
	j := c.pending[key]
	if j == nil {
		j = &join{arrived: map[string]model.TokenInfo{}, lost: map[string]string{}}
		c.pending[key] = j
	}
	if _, dup := j.arrived[tok.BranchName]; dup {
		c.mu.Unlock()
		return CoalesceResult{}, fmt.Errorf("engine: branch %q arrived twice at join %q", tok.BranchName, name)
	}
	j.arrived[tok.BranchName] = tok
	done := len(j.arrived)+len(j.lost) >= len(cfg.ExpectedBranches)
	if done {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !done {
		return CoalesceResult{Status: CoalesceHeld}, nil
	}
	return c.complete(ctx, runID, cfg, j)
}

// NotifyBranchLost tells the join a sibling will never arrive (it failed,
// was routed away, or was quarantined upstream of the join). Losing a
// branch can itself complete the join.
func (c *CoalesceExecutor) NotifyBranchLost(ctx context.Context, runID, name, rowID, branch, reason string) (CoalesceResult, error) {
	cfg, ok := c.settings[name]
	if !ok {
		return CoalesceResult{}, fmt.Errorf("engine: unknown coalesce point %q", name)
	}

	c.mu.Lock()
	key := joinKey(rowID, name)
	j := c.pending[key]
	if j == nil {
		j = &join{arrived: map[string]model.TokenInfo{}, lost: map[string]string{}}
		c.pending[key] = j
	}
	j.lost[branch] = reason
	done := len(j.arrived)+len(j.lost) >= len(cfg.ExpectedBranches)
	if done {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !done {
		return CoalesceResult{Status: CoalesceHeld}, nil
	}
	return c.complete(ctx, runID, cfg, j)
}

// complete applies the policy once every expected branch is accounted for.
func (c *CoalesceExecutor) complete(ctx context.Context, runID string, cfg CoalesceSettings, j *join) (CoalesceResult, error) {
	parents := make([]model.TokenInfo, 0, len(j.arrived))
	for _, branch := range cfg.ExpectedBranches {
		if tok, ok := j.arrived[branch]; ok {
			parents = append(parents, tok)
		}
	}

	var reason string
	switch cfg.Policy {
	case RequireAll:
		if len(j.lost) > 0 {
			reason = fmt.Sprintf("join %q requires all branches; lost %d of %d", cfg.Name, len(j.lost), len(cfg.ExpectedBranches))
		}
	case Quorum:
		if len(parents) < cfg.Quorum {
			reason = fmt.Sprintf("join %q quorum not met: %d of %d required", cfg.Name, len(parents), cfg.Quorum)
		}
	case BestEffort:
		if len(parents) == 0 {
			reason = fmt.Sprintf("join %q lost every branch", cfg.Name)
		}
	}
	if reason != "" {
		return CoalesceResult{Status: CoalesceFailed, Parents: parents, Reason: reason}, nil
	}

	// Merge in expected-branch order: later branches override on field
	// collisions, deterministically.
	merged := parents[0].RowData.Clone()
	for _, p := range parents[1:] {
		merged = merged.Merge(p.RowData.ToMap())
	}
	tok, _, err := c.tm.Coalesce(ctx, runID, parents, merged, cfg.Step)
	if err != nil {
		return CoalesceResult{}, err
	}
	return CoalesceResult{Status: CoalesceMerged, Merged: tok, Parents: parents}, nil
}
