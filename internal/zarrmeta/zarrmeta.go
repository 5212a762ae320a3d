// Package zarrmeta builds the consolidated `.zmetadata` document a worker
// writes via put_ok and a gateway serves back to clients, per spec.md §4.6
// and §6 (metadata map shape).
package zarrmeta

import (
	"encoding/base64"
	"math"
	"strings"
	"time"

	"github.com/freva-org/freva-nextgen-sub001/internal/aggregator"
	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
	"github.com/freva-org/freva-nextgen-sub001/internal/planner"
)

// ZArray is the per-variable `.zarray` document.
type ZArray struct {
	ZarrFormat int            `json:"zarr_format"`
	Shape      []int          `json:"shape"`
	Chunks     []int          `json:"chunks"`
	Dtype      string         `json:"dtype"`
	FillValue  any            `json:"fill_value"`
	Order      string         `json:"order"`
	Compressor map[string]any `json:"compressor"`
	Filters    []map[string]any `json:"filters,omitempty"`
}

// zgroupMarker is the fixed content of every `.zgroup` entry.
var zgroupMarker = map[string]any{"zarr_format": 2}

// Metadata is the `{"zarr_consolidated_format": 1, "metadata": {...}}`
// document served whole at `.zmetadata` (spec.md §6).
type Metadata struct {
	ZarrConsolidatedFormat int            `json:"zarr_consolidated_format"`
	Metadata               map[string]any `json:"metadata"`
}

// DescribeFunc picks a variable's compressor and filter chain; implemented
// by internal/codec so zarrmeta never needs to import the codec package.
type DescribeFunc func(varName string, vd dataset.VarDesc) (compressor map[string]any, filters []map[string]any)

// Build assembles the consolidated metadata document for an aggregator's
// output, keyed by group (root plus any signature groups), with each
// group's own chunk plan applied to its variables.
//
// Root-group keys are unprefixed; every other group's keys are prefixed
// with "{group}/" plus a "{group}/.zgroup" marker, per spec.md §6.
func Build(outputs map[string]dataset.Description, plans map[string]planner.ChunkPlan, describe DescribeFunc) (Metadata, error) {
	meta := map[string]any{}
	for key, ds := range outputs {
		prefix := ""
		if key != aggregator.RootKey {
			prefix = key + "/"
		}
		meta[prefix+".zgroup"] = zgroupMarker
		meta[prefix+".zattrs"] = attrsOrEmpty(ds.Attrs)

		plan := plans[key]
		for name, vd := range ds.DataVars {
			za, err := buildZArray(ds, vd, plan, name, describe)
			if err != nil {
				return Metadata{}, err
			}
			meta[prefix+name+"/.zarray"] = za
			meta[prefix+name+"/.zattrs"] = varAttrs(vd)
		}
		for name, cd := range ds.Coords {
			vd := dataset.VarDesc{Dims: cd.Dims, Dtype: cd.Dtype, FillValue: cd.FillValue}
			za, err := buildZArray(ds, vd, plan, name, describe)
			if err != nil {
				return Metadata{}, err
			}
			meta[prefix+name+"/.zarray"] = za
			meta[prefix+name+"/.zattrs"] = varAttrs(vd)
		}
	}
	return Metadata{ZarrConsolidatedFormat: 1, Metadata: meta}, nil
}

func attrsOrEmpty(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return attrs
}

// varAttrs reports a variable's attributes plus the `_ARRAY_DIMENSIONS`
// convention xarray's zarr backend writes, so clients can recover dim names.
func varAttrs(vd dataset.VarDesc) map[string]any {
	out := map[string]any{}
	for k, v := range vd.Attrs {
		out[k] = v
	}
	out["_ARRAY_DIMENSIONS"] = vd.Dims
	return out
}

func buildZArray(ds dataset.Description, vd dataset.VarDesc, plan planner.ChunkPlan, name string, describe DescribeFunc) (ZArray, error) {
	shape := make([]int, len(vd.Dims))
	chunks := make([]int, len(vd.Dims))
	for i, d := range vd.Dims {
		shape[i] = ds.Dims[d]
		c := 1
		if plan.Chunks != nil {
			if v, ok := plan.Chunks[d]; ok {
				c = v
			} else {
				c = shape[i]
			}
		} else {
			c = shape[i]
		}
		chunks[i] = c
	}
	fill, err := EncodeFillValue(vd.Dtype, vd.FillValue, nil)
	if err != nil {
		return ZArray{}, err
	}
	var compressor map[string]any
	var filters []map[string]any
	if describe != nil {
		compressor, filters = describe(name, vd)
	}
	return ZArray{
		ZarrFormat: 2,
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      vd.Dtype,
		FillValue:  fill,
		Order:      "C",
		Compressor: compressor,
		Filters:    filters,
	}, nil
}

// ObjectCodec encodes a single object-dtype scalar to bytes, so its fill
// value can be represented in JSON (spec.md §4.6: "object dtype needs a
// codec").
type ObjectCodec interface {
	Encode(value any) ([]byte, error)
}

// EncodeFillValue applies the fill-value encoding rules of spec.md §4.6:
// NaN -> "NaN", +Inf -> "Infinity", -Inf -> "-Infinity"; complex -> 2-tuple;
// []byte -> base64 string; datetime64 -> integer count in the dtype's stored
// unit; object dtype requires codec (error without one).
func EncodeFillValue(dtype string, fill any, codec ObjectCodec) (any, error) {
	if fill == nil {
		return nil, nil
	}
	switch dtype {
	case "object", "O":
		if codec == nil {
			return nil, errs.New(errs.KindAggregationFailed, "missing object_codec for object array")
		}
		encoded, err := codec.Encode(fill)
		if err != nil {
			return nil, errs.Wrap(errs.KindAggregationFailed, "object codec failed", err)
		}
		return base64.StdEncoding.EncodeToString(encoded), nil
	}
	if strings.HasPrefix(dtype, "datetime64") {
		return encodeDatetime64(dtype, fill)
	}
	switch v := fill.(type) {
	case float32:
		return encodeFloat(float64(v)), nil
	case float64:
		return encodeFloat(v), nil
	case complex64:
		return encodeComplex(complex128(v)), nil
	case complex128:
		return encodeComplex(v), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	default:
		return fill, nil
	}
}

// encodeDatetime64 converts a datetime64 fill value to the integer count of
// its dtype's stored unit since the Unix epoch (spec.md §4.6: "datetime64 ->
// integer with the stored unit"). time.Time values are converted directly;
// already-integer values (e.g. a count a caller computed itself) pass
// through as int64 unchanged.
func encodeDatetime64(dtype string, fill any) (any, error) {
	unit := datetime64Unit(dtype)
	switch v := fill.(type) {
	case time.Time:
		switch unit {
		case "s":
			return v.Unix(), nil
		case "ms":
			return v.UnixMilli(), nil
		case "us":
			return v.UnixMicro(), nil
		default: // "ns"
			return v.UnixNano(), nil
		}
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return nil, errs.New(errs.KindAggregationFailed, "unsupported datetime64 fill value type")
	}
}

// datetime64Unit extracts the bracketed unit from a dtype string like
// "datetime64[ns]", defaulting to "ns" (numpy's own default) when absent.
func datetime64Unit(dtype string) string {
	start := strings.IndexByte(dtype, '[')
	end := strings.IndexByte(dtype, ']')
	if start < 0 || end < start {
		return "ns"
	}
	return dtype[start+1 : end]
}

func encodeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

func encodeComplex(c complex128) [2]any {
	return [2]any{encodeFloat(real(c)), encodeFloat(imag(c))}
}
