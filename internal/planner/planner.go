// Package planner implements the chunk planner (P): a pure, deterministic
// function from a dataset description to a ChunkPlan, ported from the
// original rechunker's ChunkOptimizer (SPEC_FULL.md §4.4).
package planner

import (
	"sort"

	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/sizeparse"
)

// AccessPattern selects the growth priority the planner uses.
type AccessPattern string

const (
	AccessMap        AccessPattern = "map"
	AccessTimeSeries AccessPattern = "time_series"
)

// VarGroup is the set of variables sharing a dim signature; they rechunk in
// lockstep (SPEC_FULL.md glossary).
type VarGroup struct {
	Key         string
	Dims        []string
	MaxItemSize int
	VarNames    []string
}

// ChunkPlan is the planner's output: per-dim chunk sizes plus worst-case
// byte estimates per variable group.
type ChunkPlan struct {
	Chunks                     map[string]int
	TargetBytes                int64
	AccessPattern               AccessPattern
	PrimaryAxis                 string // "" means none found
	Groups                      []VarGroup
	EstimatedBytesPerGroup       map[string]int64
}

// defaultSpatialOrder is the fixed priority order for §4.4 step 3 (map mode).
var defaultSpatialOrder = []string{
	"y", "x", "lat", "lon", "latitude", "longitude", "rlon", "rlat", "long", "X", "Y",
}

// Optimizer holds planning options; mirrors the original ChunkOptimizer
// dataclass field-for-field.
type Optimizer struct {
	Target               any // string ("16MiB") or int
	AccessPattern        AccessPattern
	PrimaryAxisCandidates []string
	MapPrimaryChunkSize  int
	MaxPrimaryChunkSize  *int
	SpatialCandidates    []string
	MinChunks            map[string]int
	MaxChunks            map[string]int
	GrowthFactor         int
	OvershootRatio       float64

	// dimOrder preserves dataset-declaration order for dims not covered by
	// the fixed spatial priority list (time_series mode, and map mode's
	// "remaining dims" tail) — Go maps have no stable order, so the gateway
	// must supply it explicitly via DimOrder.
	DimOrder []string
}

// NewOptimizer returns an Optimizer populated with the original's defaults.
func NewOptimizer() *Optimizer {
	return &Optimizer{
		Target:                "16MiB",
		AccessPattern:         AccessMap,
		PrimaryAxisCandidates: []string{"time", "step"},
		MapPrimaryChunkSize:   1,
		SpatialCandidates:     append([]string(nil), defaultSpatialOrder...),
		MinChunks:             map[string]int{},
		MaxChunks:             map[string]int{},
		GrowthFactor:          2,
		OvershootRatio:        1.25,
	}
}

func (o *Optimizer) targetBytes() (int64, error) {
	return sizeparse.ParseBytes(o.Target)
}

func (o *Optimizer) findPrimaryAxis(ds dataset.Description) string {
	for _, cand := range o.PrimaryAxisCandidates {
		if _, ok := ds.Dims[cand]; ok {
			return cand
		}
	}
	return ""
}

func groupVarsByDims(ds dataset.Description) []VarGroup {
	type accum struct {
		dims        []string
		maxItemSize int
		names       []string
	}
	groups := map[string]*accum{}
	order := []string{}
	for name, vd := range ds.DataVars {
		key := dimKey(vd.Dims)
		g, ok := groups[key]
		if !ok {
			g = &accum{dims: vd.Dims}
			groups[key] = g
			order = append(order, key)
		}
		if sz := vd.SizeOf(); sz > g.maxItemSize {
			g.maxItemSize = sz
		}
		g.names = append(g.names, name)
	}
	out := make([]VarGroup, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		names := append([]string(nil), g.names...)
		sort.Strings(names)
		label := key
		if label == "" {
			label = "<scalar>"
		}
		out = append(out, VarGroup{
			Key:         label,
			Dims:        g.dims,
			MaxItemSize: g.maxItemSize,
			VarNames:    names,
		})
	}
	// Sort groups by (max_itemsize desc, ndim desc), per §4.4 step 1.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MaxItemSize != out[j].MaxItemSize {
			return out[i].MaxItemSize > out[j].MaxItemSize
		}
		return len(out[i].Dims) > len(out[j].Dims)
	})
	return out
}

func dimKey(dims []string) string {
	s := ""
	for i, d := range dims {
		if i > 0 {
			s += ","
		}
		s += d
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (o *Optimizer) initialChunks(ds dataset.Description, primaryAxis string) map[string]int {
	chunks := map[string]int{}
	for d := range ds.Dims {
		chunks[d] = 1
	}
	if primaryAxis != "" {
		if o.AccessPattern == AccessMap {
			chunks[primaryAxis] = o.MapPrimaryChunkSize
		} else {
			min := o.MinChunks[primaryAxis]
			if min < 1 {
				min = 1
			}
			if chunks[primaryAxis] < min {
				chunks[primaryAxis] = min
			}
			if o.MaxPrimaryChunkSize != nil {
				if o.MaxChunks == nil {
					o.MaxChunks = map[string]int{}
				}
				o.MaxChunks[primaryAxis] = *o.MaxPrimaryChunkSize
			}
		}
	}
	for d, v := range o.MinChunks {
		if _, ok := chunks[d]; ok && chunks[d] < v {
			chunks[d] = v
		}
	}
	for d, v := range o.MaxChunks {
		if _, ok := chunks[d]; ok && chunks[d] > v {
			chunks[d] = v
		}
	}
	for d := range chunks {
		chunks[d] = clamp(chunks[d], 1, ds.Dims[d])
	}
	return chunks
}

// axisPriority returns the dims in the order §4.4 step 3 grows them.
func (o *Optimizer) axisPriority(ds dataset.Description, primaryAxis string) []string {
	dims := o.DimOrder
	if dims == nil {
		for d := range ds.Dims {
			dims = append(dims, d)
		}
		sort.Strings(dims)
	}
	if o.AccessPattern == AccessMap {
		var spatial, rest []string
		spatialSet := map[string]bool{}
		for _, cand := range o.SpatialCandidates {
			if _, ok := ds.Dims[cand]; ok && cand != primaryAxis {
				spatial = append(spatial, cand)
				spatialSet[cand] = true
			}
		}
		for _, d := range dims {
			if d != primaryAxis && !spatialSet[d] {
				rest = append(rest, d)
			}
		}
		return append(spatial, rest...)
	}
	var prio []string
	if primaryAxis != "" {
		prio = append(prio, primaryAxis)
	}
	for _, d := range dims {
		if d != primaryAxis {
			prio = append(prio, d)
		}
	}
	return prio
}

func estBytesForGroup(g VarGroup, chunks map[string]int) int64 {
	n := int64(1)
	for _, d := range g.Dims {
		if v, ok := chunks[d]; ok {
			n *= int64(v)
		}
	}
	return n * int64(g.MaxItemSize)
}

func dimInAnyGroup(dim string, groups []VarGroup) bool {
	for _, g := range groups {
		for _, d := range g.Dims {
			if d == dim {
				return true
			}
		}
	}
	return false
}

// Plan runs the chunk-planning algorithm over ds, per SPEC_FULL.md §4.4.
func (o *Optimizer) Plan(ds dataset.Description) (ChunkPlan, error) {
	targetBytes, err := o.targetBytes()
	if err != nil {
		return ChunkPlan{}, err
	}
	limit := int64(float64(targetBytes) * o.OvershootRatio)

	primaryAxis := o.findPrimaryAxis(ds)
	chunks := o.initialChunks(ds, primaryAxis)
	prio := o.axisPriority(ds, primaryAxis)
	groups := groupVarsByDims(ds)

	worstBytes := func() int64 {
		var worst int64
		for _, g := range groups {
			if b := estBytesForGroup(g, chunks); b > worst {
				worst = b
			}
		}
		return worst
	}
	canGrow := func(dim string) bool {
		cur := chunks[dim]
		if cur >= ds.Dims[dim] {
			return false
		}
		if max, ok := o.MaxChunks[dim]; ok && cur >= max {
			return false
		}
		return true
	}
	propose := func(dim string) int {
		cur := chunks[dim]
		dimLen := ds.Dims[dim]
		next := cur * o.GrowthFactor
		if next > dimLen {
			next = dimLen
		}
		if max, ok := o.MaxChunks[dim]; ok && next > max {
			next = max
		}
		if next < cur {
			return cur
		}
		return next
	}

	for _, dim := range prio {
		if o.AccessPattern == AccessMap && dim == primaryAxis {
			continue
		}
		if !dimInAnyGroup(dim, groups) {
			continue
		}
		for canGrow(dim) {
			before := worstBytes()
			next := propose(dim)
			if next == chunks[dim] {
				break
			}
			chunks[dim] = next
			after := worstBytes()
			if after > limit && before < targetBytes {
				rollback := next / o.GrowthFactor
				if rollback < 1 {
					rollback = 1
				}
				if min, ok := o.MinChunks[dim]; ok && rollback < min {
					rollback = min
				}
				if rollback > ds.Dims[dim] {
					rollback = ds.Dims[dim]
				}
				chunks[dim] = rollback
				break
			}
			if after >= targetBytes {
				break
			}
		}
		if worstBytes() >= targetBytes {
			break
		}
	}

	for d := range chunks {
		if min, ok := o.MinChunks[d]; ok && chunks[d] < min {
			chunks[d] = min
		}
		if max, ok := o.MaxChunks[d]; ok && chunks[d] > max {
			chunks[d] = max
		}
		chunks[d] = clamp(chunks[d], 1, ds.Dims[d])
	}

	estByGroup := map[string]int64{}
	for _, g := range groups {
		estByGroup[g.Key] = estBytesForGroup(g, chunks)
	}

	return ChunkPlan{
		Chunks:                 chunks,
		TargetBytes:            targetBytes,
		AccessPattern:          o.AccessPattern,
		PrimaryAxis:            primaryAxis,
		Groups:                 groups,
		EstimatedBytesPerGroup: estByGroup,
	}, nil
}
