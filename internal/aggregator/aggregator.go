// Package aggregator implements the aggregator (A): a pure function
// combining several dataset descriptions into one logical store, or into a
// signature-partitioned map of stores, per SPEC_FULL.md §4.5.
package aggregator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeMerge  Mode = "merge"
	ModeConcat Mode = "concat"
)

type GroupBy string

const (
	GroupByGrid GroupBy = "grid"
	GroupByVars GroupBy = "vars"
)

type Join string

const (
	JoinOuter Join = "outer"
	JoinInner Join = "inner"
	JoinExact Join = "exact"
	JoinLeft  Join = "left"
	JoinRight Join = "right"
)

type Compat string

const (
	CompatNoConflicts Compat = "no_conflicts"
	CompatEquals      Compat = "equals"
	CompatOverride    Compat = "override"
)

type VarsCoords string

const (
	VCMinimal   VarsCoords = "minimal"
	VCDifferent VarsCoords = "different"
	VCAll       VarsCoords = "all"
)

// Options holds the recognised aggregation options of SPEC_FULL.md §4.5.
type Options struct {
	Mode     Mode
	Dim      string
	GroupBy  GroupBy
	Join     Join
	Compat   Compat
	DataVars VarsCoords
	Coords   VarsCoords
}

// Plan is the AggregationPlan entity of spec.md §3: the diagnostic record
// of which combination strategy was used.
type Plan struct {
	Mode    Mode
	Dim     string
	GroupBy GroupBy
}

const RootKey = "root"

// Aggregate runs the four-step algorithm of SPEC_FULL.md §4.5 and returns
// either {root: ds} or {root: ds, group0: ..., group1: ...}.
func Aggregate(inputs []dataset.Description, opts Options) (map[string]dataset.Description, Plan, error) {
	if len(inputs) == 0 {
		return map[string]dataset.Description{RootKey: {}}, Plan{Mode: ModeMerge}, nil
	}
	if len(inputs) == 1 {
		return map[string]dataset.Description{RootKey: inputs[0].Clone()}, Plan{Mode: ModeMerge}, nil
	}

	if opts.GroupBy == "" {
		if merged, ok := trySimpleCombine(inputs); ok {
			return map[string]dataset.Description{RootKey: merged}, Plan{Mode: ModeMerge}, nil
		}
	}

	plan, inferErr := inferPlan(inputs, opts)
	// Inference failing is itself "the combine fails" (SPEC_FULL.md §4.5
	// step 4): fall through to grouping below (defaulting to grid when
	// group_by wasn't set) rather than erroring out, same as when
	// executePlan fails below. Per-group plans are inferred independently,
	// so no whole-input plan survives this branch.
	if inferErr == nil && opts.GroupBy == "" {
		combined, cerr := executePlan(inputs, plan, opts)
		if cerr == nil {
			return map[string]dataset.Description{RootKey: combined}, plan, nil
		}
	}
	if inferErr != nil {
		plan = Plan{GroupBy: opts.GroupBy}
	}

	groupBy := opts.GroupBy
	if groupBy == "" {
		groupBy = GroupByGrid
	}
	return groupAndCombine(inputs, groupBy, opts, plan)
}

func groupAndCombine(inputs []dataset.Description, groupBy GroupBy, opts Options, outerPlan Plan) (map[string]dataset.Description, Plan, error) {
	buckets := map[string][]dataset.Description{}
	for _, ds := range inputs {
		key, err := chooseGroupKey(ds, groupBy)
		if err != nil {
			return nil, outerPlan, errs.Wrap(errs.KindAggregationFailed, "invalid group_by", err)
		}
		buckets[key] = append(buckets[key], ds)
	}
	sigs := make([]string, 0, len(buckets))
	for k := range buckets {
		sigs = append(sigs, k)
	}
	sort.Strings(sigs)

	// Each group is combined by independently re-running Aggregate over
	// just its members (group_by cleared) — this is what makes the
	// aggregator associative over grouping (SPEC_FULL.md §8): aggregating
	// a disjoint-grid whole produces, per group, exactly what aggregating
	// that group alone would produce.
	subOpts := opts
	subOpts.GroupBy = ""

	result := map[string]dataset.Description{}
	for i, sig := range sigs {
		members := buckets[sig]
		subResult, _, err := Aggregate(members, subOpts)
		if err != nil {
			return nil, outerPlan, errs.Wrap(errs.KindAggregationFailed, "group combine failed", err).
				WithDetails(map[string]any{"inputs": len(members), "mode": string(opts.Mode), "dim": opts.Dim, "group": sig})
		}
		result[fmt.Sprintf("group%d", i)] = subResult[RootKey]
	}
	result[RootKey] = commonSubset(inputs)
	return result, Plan{Mode: outerPlan.Mode, Dim: outerPlan.Dim, GroupBy: groupBy}, nil
}

// trySimpleCombine is the best-effort step 1 combine: it succeeds only when
// every shared dim name already agrees on length across all inputs, in
// which case a direct variable-union merge is unambiguous.
func trySimpleCombine(inputs []dataset.Description) (dataset.Description, bool) {
	for _, dim := range commonDims(inputs) {
		lengths := map[int]bool{}
		for _, ds := range inputs {
			if l, ok := ds.Dims[dim]; ok {
				lengths[l] = true
			}
		}
		if len(lengths) > 1 {
			return dataset.Description{}, false
		}
	}
	merged, err := mergeDatasets(inputs, Options{Compat: CompatNoConflicts})
	if err != nil {
		return dataset.Description{}, false
	}
	return merged, true
}

func inferPlan(inputs []dataset.Description, opts Options) (Plan, error) {
	if opts.Mode == ModeMerge {
		return Plan{Mode: ModeMerge}, nil
	}
	union := map[string]bool{}
	sum := 0
	for _, ds := range inputs {
		sum += len(ds.DataVars)
		for name := range ds.DataVars {
			union[name] = true
		}
	}
	if (opts.Mode == "" || opts.Mode == ModeAuto) && len(union) == sum {
		return Plan{Mode: ModeMerge}, nil
	}
	dim := opts.Dim
	if dim == "" {
		dim = guessConcatDim(inputs)
		if dim == "" {
			return Plan{}, errs.New(errs.KindCannotInferDim, "no common dim to concatenate along")
		}
	}
	return Plan{Mode: ModeConcat, Dim: dim}, nil
}

func executePlan(inputs []dataset.Description, plan Plan, opts Options) (dataset.Description, error) {
	if plan.Mode == ModeConcat {
		return concatDatasets(inputs, plan.Dim, opts)
	}
	return mergeDatasets(inputs, opts)
}

// guessConcatDim returns the lexicographically smallest dim name common to
// all inputs, or "" if the list is empty or no dim name is shared.
func guessConcatDim(inputs []dataset.Description) string {
	dims := commonDims(inputs)
	if len(dims) == 0 {
		return ""
	}
	return dims[0]
}

// commonDims returns the dim names present in every input, sorted.
func commonDims(inputs []dataset.Description) []string {
	if len(inputs) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, ds := range inputs {
		seen := map[string]bool{}
		for d := range ds.Dims {
			if !seen[d] {
				counts[d]++
				seen[d] = true
			}
		}
	}
	var out []string
	for d, c := range counts {
		if c == len(inputs) {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func mergeDatasets(inputs []dataset.Description, opts Options) (dataset.Description, error) {
	out := dataset.Description{
		Dims:     map[string]int{},
		Coords:   map[string]dataset.CoordDesc{},
		DataVars: map[string]dataset.VarDesc{},
		Attrs:    map[string]any{},
	}
	for _, ds := range inputs {
		for d, l := range ds.Dims {
			if existing, ok := out.Dims[d]; ok && existing != l {
				return dataset.Description{}, fmt.Errorf("merge: dim %q length mismatch (%d vs %d)", d, existing, l)
			}
			out.Dims[d] = l
		}
		for name, c := range ds.Coords {
			if existing, ok := out.Coords[name]; ok && existing.Dtype != c.Dtype {
				if opts.Compat == CompatOverride {
					out.Coords[name] = c
					continue
				}
				return dataset.Description{}, fmt.Errorf("merge: coord %q dtype conflict", name)
			}
			out.Coords[name] = c
		}
		for name, v := range ds.DataVars {
			if existing, ok := out.DataVars[name]; ok {
				if !sameVar(existing, v) {
					switch opts.Compat {
					case CompatOverride:
						out.DataVars[name] = v
					case CompatEquals:
						return dataset.Description{}, fmt.Errorf("merge: variable %q not equal across inputs", name)
					default: // no_conflicts
						return dataset.Description{}, fmt.Errorf("merge: conflicting variable %q", name)
					}
				}
				continue
			}
			out.DataVars[name] = v
		}
		for k, v := range ds.Attrs {
			out.Attrs[k] = v
		}
	}
	return out, nil
}

func sameVar(a, b dataset.VarDesc) bool {
	if a.Dtype != b.Dtype || len(a.Dims) != len(b.Dims) {
		return false
	}
	for i := range a.Dims {
		if a.Dims[i] != b.Dims[i] {
			return false
		}
	}
	return true
}

func concatDatasets(inputs []dataset.Description, dim string, opts Options) (dataset.Description, error) {
	out := dataset.Description{
		Dims:     map[string]int{},
		Coords:   map[string]dataset.CoordDesc{},
		DataVars: map[string]dataset.VarDesc{},
		Attrs:    map[string]any{},
	}
	var concatLen int
	varPresence := map[string]int{}
	for idx, ds := range inputs {
		l, ok := ds.Dims[dim]
		if !ok {
			return dataset.Description{}, fmt.Errorf("concat: input %d missing dim %q", idx, dim)
		}
		concatLen += l
		for d, length := range ds.Dims {
			if d == dim {
				continue
			}
			if _, ok := out.Dims[d]; !ok {
				out.Dims[d] = length
			} else if out.Dims[d] != length {
				if opts.Compat == CompatOverride {
					out.Dims[d] = length
					continue
				}
				return dataset.Description{}, fmt.Errorf("concat: non-concat dim %q mismatch (%d vs %d)", d, out.Dims[d], length)
			}
		}
		for name, c := range ds.Coords {
			if _, ok := out.Coords[name]; !ok {
				out.Coords[name] = c
			}
		}
		for name, v := range ds.DataVars {
			varPresence[name]++
			if _, ok := out.DataVars[name]; !ok {
				out.DataVars[name] = v
			}
		}
		for k, v := range ds.Attrs {
			out.Attrs[k] = v
		}
	}
	out.Dims[dim] = concatLen

	if opts.DataVars == VCMinimal {
		for name, count := range varPresence {
			if count != len(inputs) {
				delete(out.DataVars, name)
			}
		}
	}
	return out, nil
}

// gridSignature is the canonical "grid" grouping key: dims with lengths
// plus coord names and dtypes, sorted by name (SPEC_FULL.md §4.5).
func gridSignature(ds dataset.Description) string {
	dimNames := make([]string, 0, len(ds.Dims))
	for d := range ds.Dims {
		dimNames = append(dimNames, d)
	}
	sort.Strings(dimNames)
	dimParts := make([]string, 0, len(dimNames))
	for _, d := range dimNames {
		dimParts = append(dimParts, fmt.Sprintf("%s=%d", d, ds.Dims[d]))
	}

	coordNames := make([]string, 0, len(ds.Coords))
	for c := range ds.Coords {
		coordNames = append(coordNames, c)
	}
	sort.Strings(coordNames)
	coordParts := make([]string, 0, len(coordNames))
	for _, c := range coordNames {
		coordParts = append(coordParts, fmt.Sprintf("%s:%s", c, ds.Coords[c].Dtype))
	}

	return fmt.Sprintf("dims[%s]coords[%s]", strings.Join(dimParts, ","), strings.Join(coordParts, ","))
}

// varsSignature is the canonical "vars" grouping key: sorted comma-joined
// data variable names.
func varsSignature(ds dataset.Description) string {
	names := make([]string, 0, len(ds.DataVars))
	for n := range ds.DataVars {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func chooseGroupKey(ds dataset.Description, groupBy GroupBy) (string, error) {
	switch groupBy {
	case GroupByGrid:
		return gridSignature(ds), nil
	case GroupByVars:
		return varsSignature(ds), nil
	default:
		return "", fmt.Errorf("aggregator: invalid group_by %q", groupBy)
	}
}

// commonSubset computes the root entry for grouped output: dims equal
// across every input, and data variables identical (name+dims+dtype)
// across every input that declares them — empty if there is no overlap.
func commonSubset(inputs []dataset.Description) dataset.Description {
	out := dataset.Description{
		Dims:     map[string]int{},
		Coords:   map[string]dataset.CoordDesc{},
		DataVars: map[string]dataset.VarDesc{},
		Attrs:    map[string]any{},
	}
	if len(inputs) == 0 {
		return out
	}
	for d, l := range inputs[0].Dims {
		agree := true
		for _, ds := range inputs[1:] {
			if got, ok := ds.Dims[d]; !ok || got != l {
				agree = false
				break
			}
		}
		if agree {
			out.Dims[d] = l
		}
	}
	for name, v := range inputs[0].DataVars {
		agree := true
		for _, ds := range inputs[1:] {
			other, ok := ds.DataVars[name]
			if !ok || !sameVar(v, other) {
				agree = false
				break
			}
		}
		if agree {
			out.DataVars[name] = v
		}
	}
	return out
}
