package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vsavkov/elspeth/internal/canonical"
)

// DiffKind classifies one structural difference.
type DiffKind string

const (
	DiffChanged DiffKind = "changed"
	DiffAdded   DiffKind = "added"   // present fresh, absent recorded
	DiffRemoved DiffKind = "removed" // present recorded, absent fresh
)

// Difference is one divergence between a recorded and a fresh value.
// Path is slash-separated ("usage/total_tokens", "choices/1/text"); list
// elements use the index of the fresh side, or of the recorded side for
// removals.
type Difference struct {
	Path     string   `json:"path"`
	Kind     DiffKind `json:"kind"`
	Recorded any      `json:"recorded,omitempty"`
	Fresh    any      `json:"fresh,omitempty"`
}

// DiffOptions controls comparison. IgnorePaths are doublestar globs over
// slash-separated paths; matched subtrees are excluded entirely.
// IgnoreOrder compares lists as multisets, which is the default for
// responses whose element order is not contractual.
type DiffOptions struct {
	IgnorePaths []string
	IgnoreOrder bool
}

// DefaultDiffOptions returns multiset list comparison with nothing ignored.
func DefaultDiffOptions() DiffOptions {
	return DiffOptions{IgnoreOrder: true}
}

func (o DiffOptions) ignored(path string) bool {
	for _, pat := range o.IgnorePaths {
		if ok, err := doublestar.Match(pat, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Diff compares two decoded JSON values and returns every difference not
// excluded by the options, in deterministic path order.
func Diff(recorded, fresh any, opts DiffOptions) []Difference {
	var diffs []Difference
	diffValue("", recorded, fresh, opts, &diffs)
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Path != diffs[j].Path {
			return diffs[i].Path < diffs[j].Path
		}
		return diffs[i].Kind < diffs[j].Kind
	})
	return diffs
}

func childPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "/" + key
}

func diffValue(path string, recorded, fresh any, opts DiffOptions, out *[]Difference) {
	if path != "" && opts.ignored(path) {
		return
	}
	switch rec := recorded.(type) {
	case map[string]any:
		fr, ok := fresh.(map[string]any)
		if !ok {
			*out = append(*out, Difference{Path: path, Kind: DiffChanged, Recorded: recorded, Fresh: fresh})
			return
		}
		diffMap(path, rec, fr, opts, out)
	case []any:
		fr, ok := fresh.([]any)
		if !ok {
			*out = append(*out, Difference{Path: path, Kind: DiffChanged, Recorded: recorded, Fresh: fresh})
			return
		}
		if opts.IgnoreOrder {
			diffMultiset(path, rec, fr, opts, out)
		} else {
			diffList(path, rec, fr, opts, out)
		}
	default:
		if !scalarEqual(recorded, fresh) {
			*out = append(*out, Difference{Path: path, Kind: DiffChanged, Recorded: recorded, Fresh: fresh})
		}
	}
}

func diffMap(path string, recorded, fresh map[string]any, opts DiffOptions, out *[]Difference) {
	keys := make([]string, 0, len(recorded)+len(fresh))
	for k := range recorded {
		keys = append(keys, k)
	}
	for k := range fresh {
		if _, dup := recorded[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := childPath(path, k)
		if opts.ignored(p) {
			continue
		}
		rv, rok := recorded[k]
		fv, fok := fresh[k]
		switch {
		case rok && fok:
			diffValue(p, rv, fv, opts, out)
		case rok:
			*out = append(*out, Difference{Path: p, Kind: DiffRemoved, Recorded: rv})
		default:
			*out = append(*out, Difference{Path: p, Kind: DiffAdded, Fresh: fv})
		}
	}
}

func diffList(path string, recorded, fresh []any, opts DiffOptions, out *[]Difference) {
	n := len(recorded)
	if len(fresh) < n {
		n = len(fresh)
	}
	for i := 0; i < n; i++ {
		diffValue(childPath(path, fmt.Sprint(i)), recorded[i], fresh[i], opts, out)
	}
	for i := n; i < len(recorded); i++ {
		*out = append(*out, Difference{Path: childPath(path, fmt.Sprint(i)), Kind: DiffRemoved, Recorded: recorded[i]})
	}
	for i := n; i < len(fresh); i++ {
		*out = append(*out, Difference{Path: childPath(path, fmt.Sprint(i)), Kind: DiffAdded, Fresh: fresh[i]})
	}
}

// diffMultiset pairs list elements by canonical hash regardless of
// position. Unpaired recorded elements report as removed, unpaired fresh
// elements as added; paired elements are equal and need no descent.
func diffMultiset(path string, recorded, fresh []any, opts DiffOptions, out *[]Difference) {
	counts := map[string][]int{}
	for i, v := range recorded {
		key := multisetKey(v)
		counts[key] = append(counts[key], i)
	}
	var unmatched []int
	for i, v := range fresh {
		key := multisetKey(v)
		if idxs := counts[key]; len(idxs) > 0 {
			counts[key] = idxs[1:]
			continue
		}
		unmatched = append(unmatched, i)
	}
	var leftover []int
	for _, idxs := range counts {
		leftover = append(leftover, idxs...)
	}
	sort.Ints(leftover)

	// Pair leftovers positionally so a single changed element reports as
	// one changed path rather than a removed/added pair.
	n := len(leftover)
	if len(unmatched) < n {
		n = len(unmatched)
	}
	for i := 0; i < n; i++ {
		diffValue(childPath(path, fmt.Sprint(unmatched[i])), recorded[leftover[i]], fresh[unmatched[i]], opts, out)
	}
	for _, ri := range leftover[n:] {
		*out = append(*out, Difference{Path: childPath(path, fmt.Sprint(ri)), Kind: DiffRemoved, Recorded: recorded[ri]})
	}
	for _, fi := range unmatched[n:] {
		*out = append(*out, Difference{Path: childPath(path, fmt.Sprint(fi)), Kind: DiffAdded, Fresh: fresh[fi]})
	}
}

func multisetKey(v any) string {
	h, err := canonical.HashQuarantined(map[string]any{"v": v})
	if err != nil {
		return fmt.Sprintf("!%v", v)
	}
	return h
}

// scalarEqual compares leaf values, treating numerically equal ints and
// floats as equal so a decode through float64 does not report 3 != 3.0.
func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := asFloat(a)
	bf, bNum := asFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// FormatDifferences renders a diff list for logs and CLI output.
func FormatDifferences(diffs []Difference) string {
	var b strings.Builder
	for i, d := range diffs {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch d.Kind {
		case DiffChanged:
			fmt.Fprintf(&b, "~ %s: %v -> %v", d.Path, d.Recorded, d.Fresh)
		case DiffAdded:
			fmt.Fprintf(&b, "+ %s: %v", d.Path, d.Fresh)
		case DiffRemoved:
			fmt.Fprintf(&b, "- %s: %v", d.Path, d.Recorded)
		}
	}
	return b.String()
}
