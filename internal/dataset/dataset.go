// Package dataset defines the in-memory dataset description that the chunk
// planner, aggregator, and worker all operate over — the Go-native stand-in
// for an xarray.Dataset, per SPEC_FULL.md §3.
package dataset

// CoordDesc describes a single coordinate variable.
type CoordDesc struct {
	Dims      []string
	Dtype     string
	FillValue any // nil means zarr's untyped null
}

// VarDesc describes a single data variable.
type VarDesc struct {
	Dims      []string
	Dtype     string
	ItemSize  int // 0 means "derive from Dtype via ItemSizeOf"
	FillValue any // nil means zarr's untyped null
	Attrs     map[string]any
}

// Description is the shape P and A both consume: dims with lengths, named
// coordinates, named data variables, and global attributes.
type Description struct {
	Dims     map[string]int
	Coords   map[string]CoordDesc
	DataVars map[string]VarDesc
	Attrs    map[string]any
}

// Clone returns a deep copy, so planners/aggregators can mutate freely.
func (d Description) Clone() Description {
	out := Description{
		Dims:     make(map[string]int, len(d.Dims)),
		Coords:   make(map[string]CoordDesc, len(d.Coords)),
		DataVars: make(map[string]VarDesc, len(d.DataVars)),
		Attrs:    make(map[string]any, len(d.Attrs)),
	}
	for k, v := range d.Dims {
		out.Dims[k] = v
	}
	for k, v := range d.Coords {
		cd := CoordDesc{Dtype: v.Dtype, FillValue: v.FillValue, Dims: append([]string(nil), v.Dims...)}
		out.Coords[k] = cd
	}
	for k, v := range d.DataVars {
		vd := VarDesc{Dtype: v.Dtype, ItemSize: v.ItemSize, FillValue: v.FillValue, Dims: append([]string(nil), v.Dims...)}
		if v.Attrs != nil {
			vd.Attrs = make(map[string]any, len(v.Attrs))
			for ak, av := range v.Attrs {
				vd.Attrs[ak] = av
			}
		}
		out.DataVars[k] = vd
	}
	for k, v := range d.Attrs {
		out.Attrs[k] = v
	}
	return out
}

// ItemSizeOf returns the byte width of dtype, treating "object" dtypes
// conservatively as 64 bytes, matching the original rechunker's
// `_dtype_itemsize` (SPEC_FULL.md §4.4 step 1).
func ItemSizeOf(dtype string) int {
	switch dtype {
	case "object", "O":
		return 64
	case "bool", "int8", "uint8":
		return 1
	case "int16", "uint16", "float16":
		return 2
	case "int32", "uint32", "float32":
		return 4
	case "int64", "uint64", "float64", "datetime64[ns]", "datetime64[s]", "complex64":
		return 8
	case "complex128":
		return 16
	default:
		return 8
	}
}

// SizeOf returns the declared ItemSize if set, else derives it from Dtype.
func (v VarDesc) SizeOf() int {
	if v.ItemSize > 0 {
		return v.ItemSize
	}
	return ItemSizeOf(v.Dtype)
}
