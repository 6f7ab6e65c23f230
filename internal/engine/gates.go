package engine

import (
	"fmt"
	"strings"

	"github.com/vsavkov/elspeth/internal/model"
)

// GateSettings defines a configuration-driven gate: a condition over row
// fields plus the action to take when it holds. When the condition is
// false the token continues.
//
// Condition grammar, AND-only:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Key           ::= 'branch' | field path ('a.b.c' descends nested maps)
//	Operator      ::= '=' | '!='
//
// Missing keys resolve to the empty string; comparisons are exact string
// comparisons; a bare key is truthy when non-empty and not false-ish.
type GateSettings struct {
	Name      string
	Condition string
	Action    model.GateDecision
}

// Evaluate applies the gate to a token. A malformed condition is a
// configuration error surfaced at evaluation time.
func (g GateSettings) Evaluate(token model.TokenInfo) (model.GateDecision, error) {
	hold, err := evalCondition(g.Condition, token)
	if err != nil {
		return model.GateDecision{}, fmt.Errorf("gate %q: %w", g.Name, err)
	}
	if !hold {
		return model.Continue(), nil
	}
	decision := g.Action
	if decision.Reason == nil {
		decision.Reason = map[string]any{"gate": g.Name, "condition": g.Condition}
	}
	return decision, nil
}

func evalCondition(condition string, token model.TokenInfo) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, token)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, token model.TokenInfo) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		got := resolveKey(strings.TrimSpace(parts[0]), token)
		return got != strings.TrimSpace(parts[1]), nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		got := resolveKey(strings.TrimSpace(parts[0]), token)
		return got == strings.TrimSpace(parts[1]), nil
	}
	// Bare key: truthy if non-empty and not false-ish.
	got := resolveKey(strings.TrimSpace(clause), token)
	switch strings.ToLower(got) {
	case "", "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func resolveKey(key string, token model.TokenInfo) string {
	if key == "branch" {
		return token.BranchName
	}
	parts := strings.Split(key, ".")
	var cur any
	v, ok := token.RowData.Get(parts[0])
	if !ok {
		return ""
	}
	cur = v
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		if cur, ok = m[p]; !ok {
			return ""
		}
	}
	if cur == nil {
		return ""
	}
	return fmt.Sprint(cur)
}
