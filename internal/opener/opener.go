// Package opener implements the DatasetOpener collaborator (spec.md §6):
// probing a source URI and returning its in-memory dataset description.
// Real format probing (netCDF/GRIB/zarr/tiled raster) is out of scope per
// spec.md's Non-goals; this package ships the capability-set contract plus
// a thin extension-based classifier and a fixture-backed opener for tests.
package opener

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/freva-org/freva-nextgen-sub001/internal/dataset"
	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// DatasetOpener probes uri and returns its dataset description.
type DatasetOpener interface {
	Open(ctx context.Context, uri string) (dataset.Description, error)
	// Supports reports whether this opener handles the given format tag
	// (as classified by ClassifyFormat), letting callers surface
	// format_unsupported as an OpenFailed kind instead of probing blind.
	Supports(format string) bool
}

// Known format tags a real worker would probe for (self-describing
// container, tiled raster, chunked array, GRIB-like), per spec.md §6's
// DatasetOpener description.
const (
	FormatNetCDF = "netcdf"
	FormatZarr   = "zarr"
	FormatGRIB   = "grib"
	FormatRaster = "raster"
	FormatUnknown = "unknown"
)

// ClassifyFormat guesses a format tag from uri's extension — a stand-in for
// the original's engine-sniffing probe chain (netCDF4 -> cfgrib -> zarr ->
// rasterio), which this module does not implement.
func ClassifyFormat(uri string) string {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".nc", ".nc4", ".cdf":
		return FormatNetCDF
	case ".zarr":
		return FormatZarr
	case ".grib", ".grib2", ".grb":
		return FormatGRIB
	case ".tif", ".tiff":
		return FormatRaster
	default:
		return FormatUnknown
	}
}

// PosixOpener is a thin POSIX-path opener stub that classifies a source by
// file extension and otherwise refuses to open it — real decoding of
// netCDF/GRIB/zarr bytes is explicitly out of scope (spec.md §6, Non-goals).
type PosixOpener struct {
	// Fixtures lets tests and local development register canned
	// descriptions for a path without touching the filesystem.
	Fixtures map[string]dataset.Description
}

func NewPosixOpener() *PosixOpener {
	return &PosixOpener{Fixtures: map[string]dataset.Description{}}
}

func (o *PosixOpener) Supports(format string) bool {
	switch format {
	case FormatNetCDF, FormatZarr, FormatGRIB, FormatRaster:
		return true
	default:
		return false
	}
}

func (o *PosixOpener) Open(ctx context.Context, uri string) (dataset.Description, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Description{}, errs.Wrap(errs.KindOpenFailed, "context cancelled", err)
	}
	format := ClassifyFormat(uri)
	if !o.Supports(format) {
		return dataset.Description{}, errs.New(errs.KindOpenFailed, "format_unsupported").
			WithDetails(map[string]any{"uri": uri, "format": format})
	}
	ds, ok := o.Fixtures[uri]
	if !ok {
		return dataset.Description{}, errs.New(errs.KindOpenFailed, "no backing reader registered for source").
			WithDetails(map[string]any{"uri": uri, "format": format})
	}
	return ds.Clone(), nil
}
