// Package processing cleans a fetched feature collection before it is handed to a target:
// it drops features without usable geometry, normalizes the CRS and (optionally) drops
// invalid geometries. It never talks to the network.
package processing

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-spatial/geom"

	"github.com/pdok/layersync/crs"
	"github.com/pdok/layersync/feature"
	"github.com/pdok/layersync/geomhelp"
)

var ErrCRSMismatch = errors.New("source crs differs from target crs and reprojection is disabled")

// wktLogWidth truncates geometries in debug logs.
const wktLogWidth = 120

type Options struct {
	// DropInvalid removes features whose geometry fails Validate.
	DropInvalid bool
	// Reproject allows transforming geometries from the source CRS into TargetCRS.
	Reproject bool
	// ValidateAfterReproject runs the validity check on the reprojected geometry instead of the source geometry.
	ValidateAfterReproject bool
	// AssumeCRS is used when the source declares no CRS. Defaults to WGS84.
	AssumeCRS crs.CRS
	// TargetCRS defaults to WGS84.
	TargetCRS crs.CRS
	Logger    *slog.Logger
}

// Report counts what happened to the input. Input == Kept + Dropped().
type Report struct {
	Input           int
	NullGeometry    int
	Malformed       int
	Invalid         int
	ReprojectFailed int
	OutOfBounds     int
	// Unrepresentable counts collections mixing points, lines and polygons, which no
	// target layer can store. They are dropped whatever DropInvalid says.
	Unrepresentable int
	Kept            int

	SourceCRS   crs.CRS
	AssumedCRS  bool
	Reprojected bool
}

func (r Report) Dropped() int {
	return r.NullGeometry + r.Malformed + r.Invalid + r.ReprojectFailed + r.OutOfBounds + r.Unrepresentable
}

type dropReason int

const (
	keep dropReason = iota
	dropNull
	dropMalformed
	dropInvalid
	dropReprojection
	dropOutOfBounds
	dropUnrepresentable
)

func (o Options) withDefaults() Options {
	if o.AssumeCRS.IsZero() {
		o.AssumeCRS = crs.WGS84
	}
	if o.TargetCRS.IsZero() {
		o.TargetCRS = crs.WGS84
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Clean returns a new collection in which every feature has a non-null geometry in the
// target CRS (and a valid one when DropInvalid is set). The input collection is not modified.
// Problems with a single feature drop that feature; only a CRS problem that affects the
// whole collection is returned as an error.
func Clean(c *feature.Collection, opts Options) (*feature.Collection, Report, error) {
	opts = opts.withDefaults()
	report := Report{Input: c.Len()}
	if c != nil {
		report.SourceCRS = c.CRS
	}
	if report.SourceCRS.IsZero() {
		report.SourceCRS = opts.AssumeCRS
		report.AssumedCRS = true
	}

	var reprojector *crs.Reprojector
	if !report.SourceCRS.Equal(opts.TargetCRS) {
		if !opts.Reproject {
			return nil, report, fmt.Errorf("%w: %v != %v", ErrCRSMismatch, report.SourceCRS, opts.TargetCRS)
		}
		var err error
		reprojector, err = crs.NewReprojector(report.SourceCRS, opts.TargetCRS)
		if err != nil {
			return nil, report, err
		}
		report.Reprojected = true
	}

	out := &feature.Collection{
		Features:      make([]feature.Feature, 0, c.Len()),
		CRS:           opts.TargetCRS,
		NumberMatched: -1,
	}
	if c != nil {
		out.NumberMatched = c.NumberMatched
	}
	for i := 0; i < c.Len(); i++ {
		f := c.Features[i]
		cleaned, reason, err := processFeature(f, opts, reprojector)
		switch reason {
		case keep:
			out.Features = append(out.Features, cleaned)
			continue
		case dropNull:
			report.NullGeometry++
		case dropMalformed:
			report.Malformed++
		case dropInvalid:
			report.Invalid++
		case dropReprojection:
			report.ReprojectFailed++
		case dropOutOfBounds:
			report.OutOfBounds++
		case dropUnrepresentable:
			report.Unrepresentable++
		}
		if reason != dropNull {
			opts.Logger.Debug("dropped feature",
				"index", i, "id", f.ID, "error", err,
				"geometry", geomhelp.WktMustEncode(f.Geometry, wktLogWidth))
		}
	}
	report.Kept = len(out.Features)
	return out, report, nil
}

// processFeature never panics: a panic while handling one geometry drops that feature.
func processFeature(f feature.Feature, opts Options, reprojector *crs.Reprojector) (cleaned feature.Feature, reason dropReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			cleaned, reason, err = feature.Feature{}, dropMalformed, fmt.Errorf("panic: %v", r)
		}
	}()

	if f.GeometryErr != nil {
		return f, dropMalformed, f.GeometryErr
	}
	if !f.HasGeometry() {
		return f, dropNull, nil
	}

	g := f.Geometry
	if !SingleDimension(g) {
		return f, dropUnrepresentable, ErrMixedCollection
	}
	if opts.DropInvalid && !opts.ValidateAfterReproject {
		if err := Validate(g); err != nil {
			return f, dropInvalid, err
		}
	}
	if reprojector != nil {
		g, err = reprojector.Reproject(g)
		if err != nil {
			return f, dropReprojection, err
		}
	}
	if opts.DropInvalid && opts.ValidateAfterReproject {
		if err := Validate(g); err != nil {
			return f, dropInvalid, err
		}
	}
	if err := withinBounds(g, opts.TargetCRS); err != nil {
		return f, dropOutOfBounds, err
	}

	return feature.Feature{ID: f.ID, Geometry: g, Attributes: f.Attributes}, keep, nil
}

// withinBounds only knows the valid range of geographic lon/lat.
func withinBounds(g geom.Geometry, target crs.CRS) error {
	if code, ok := target.EPSG(); !ok || code != crs.EPSGWGS84 {
		return nil
	}
	ext, err := geom.NewExtentFromGeometry(g)
	if err != nil {
		return err
	}
	if ext.MinX() < -180 || ext.MaxX() > 180 || ext.MinY() < -90 || ext.MaxY() > 90 {
		return fmt.Errorf("extent %v outside lon/lat range", ext)
	}
	return nil
}
