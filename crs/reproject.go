package crs

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/proj"
	"github.com/go-spatial/proj/core"
	"github.com/go-spatial/proj/support"
)

const (
	EPSGWGS84               = 4326
	EPSGBritishNationalGrid = 27700
)

// The environment.data.gov.uk services publish in British National Grid, which proj has no
// EPSG entry for. The datum shift to WGS84 is applied separately, see osgb36.
const britishNationalGridProj = "+proj=etmerc +lat_0=49 +lon_0=-2 +k=0.9996012717 +x_0=400000 +y_0=-100000 +ellps=airy"

// projection converts flat x/y pairs between a projected system and lon/lat WGS84.
type projection interface {
	toLonLat(flat []float64) ([]float64, error)
	fromLonLat(flat []float64) ([]float64, error)
}

// builtin is one of the EPSG codes proj knows.
type builtin proj.EPSGCode

func (b builtin) toLonLat(flat []float64) ([]float64, error) {
	return proj.Inverse(proj.EPSGCode(b), flat)
}

func (b builtin) fromLonLat(flat []float64) ([]float64, error) {
	return proj.Convert(proj.EPSGCode(b), flat)
}

// grid is a transverse mercator on a datum other than WGS84.
type grid struct {
	op    core.IConvertLPToXY
	datum helmert
}

func newGrid(projString string, datum helmert) (*grid, error) {
	ps, err := support.NewProjString(projString)
	if err != nil {
		return nil, err
	}
	_, opx, err := core.NewSystem(ps)
	if err != nil {
		return nil, err
	}
	op, ok := opx.(core.IConvertLPToXY)
	if !ok {
		return nil, errors.New("projection type is not supported")
	}
	return &grid{op: op, datum: datum}, nil
}

func (g *grid) toLonLat(flat []float64) ([]float64, error) {
	out := make([]float64, len(flat))
	for i := 0; i+1 < len(flat); i += 2 {
		lp, err := g.op.Inverse(&core.CoordXY{X: flat[i], Y: flat[i+1]})
		if err != nil {
			return nil, err
		}
		out[i], out[i+1] = g.datum.toWGS84(support.RToDD(lp.Lam), support.RToDD(lp.Phi))
	}
	return out, nil
}

func (g *grid) fromLonLat(flat []float64) ([]float64, error) {
	out := make([]float64, len(flat))
	for i := 0; i+1 < len(flat); i += 2 {
		lon, lat := g.datum.fromWGS84(flat[i], flat[i+1])
		xy, err := g.op.Forward(&core.CoordLP{Lam: support.DDToR(lon), Phi: support.DDToR(lat)})
		if err != nil {
			return nil, err
		}
		out[i], out[i+1] = xy.X, xy.Y
	}
	return out, nil
}

var (
	britishNationalGrid     *grid
	britishNationalGridErr  error
	britishNationalGridOnce sync.Once
)

// lookup returns the projection of code, nil for lon/lat WGS84.
func lookup(code int) (projection, error) {
	switch code {
	case EPSGWGS84:
		return nil, nil
	case EPSGBritishNationalGrid:
		britishNationalGridOnce.Do(func() {
			britishNationalGrid, britishNationalGridErr = newGrid(britishNationalGridProj, osgb36)
		})
		if britishNationalGridErr != nil {
			return nil, britishNationalGridErr
		}
		return britishNationalGrid, nil
	}
	p := builtin(code)
	// proj only reports an unknown code on use
	if _, err := p.fromLonLat(probe); err != nil {
		return nil, err
	}
	return p, nil
}

// probe is a lon/lat position used to check a projection can be computed at all.
var probe = []float64{-1.5, 52.5}

// Reprojector converts geometries from one CRS to another, going through lon/lat WGS84.
type Reprojector struct {
	from, to         int
	fromProj, toProj projection
}

// NewReprojector fails with ErrUnsupported when either side has no EPSG code or
// when proj cannot compute the projection.
func NewReprojector(from, to CRS) (*Reprojector, error) {
	fromCode, ok := from.EPSG()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, from)
	}
	toCode, ok := to.EPSG()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, to)
	}
	r := &Reprojector{from: fromCode, to: toCode}
	if r.Identity() {
		return r, nil
	}
	var err error
	if r.fromProj, err = lookup(fromCode); err != nil {
		return nil, fmt.Errorf("%w: EPSG:%d: %v", ErrUnsupported, fromCode, err)
	}
	if r.toProj, err = lookup(toCode); err != nil {
		return nil, fmt.Errorf("%w: EPSG:%d: %v", ErrUnsupported, toCode, err)
	}
	return r, nil
}

// Identity reports whether Reproject returns its input unchanged.
func (r *Reprojector) Identity() bool {
	return r.from == r.to
}

// Reproject returns a new geometry; g is never modified.
func (r *Reprojector) Reproject(g geom.Geometry) (geom.Geometry, error) {
	if r.Identity() {
		return g, nil
	}
	switch g := g.(type) {
	case geom.Point:
		pts, err := r.points([][2]float64{g})
		if err != nil {
			return nil, err
		}
		return geom.Point(pts[0]), nil
	case geom.MultiPoint:
		pts, err := r.points(g)
		return geom.MultiPoint(pts), err
	case geom.LineString:
		pts, err := r.points(g)
		return geom.LineString(pts), err
	case geom.MultiLineString:
		lines, err := r.lines(g)
		return geom.MultiLineString(lines), err
	case geom.Polygon:
		rings, err := r.lines(g)
		return geom.Polygon(rings), err
	case geom.MultiPolygon:
		mp := make(geom.MultiPolygon, len(g))
		for i := range g {
			rings, err := r.lines(g[i])
			if err != nil {
				return nil, err
			}
			mp[i] = rings
		}
		return mp, nil
	case geom.Collection:
		c := make(geom.Collection, len(g))
		for i := range g {
			part, err := r.Reproject(g[i])
			if err != nil {
				return nil, err
			}
			c[i] = part
		}
		return c, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot reproject geometry of type %T", g)
	}
}

func (r *Reprojector) lines(lines [][][2]float64) ([][][2]float64, error) {
	out := make([][][2]float64, len(lines))
	for i := range lines {
		pts, err := r.points(lines[i])
		if err != nil {
			return nil, err
		}
		out[i] = pts
	}
	return out, nil
}

func (r *Reprojector) points(pts [][2]float64) ([][2]float64, error) {
	flat := make([]float64, 0, 2*len(pts))
	for _, pt := range pts {
		flat = append(flat, pt[0], pt[1])
	}
	var err error
	if r.fromProj != nil {
		if flat, err = r.fromProj.toLonLat(flat); err != nil {
			return nil, err
		}
	}
	if r.toProj != nil {
		if flat, err = r.toProj.fromLonLat(flat); err != nil {
			return nil, err
		}
	}
	out := make([][2]float64, len(pts))
	for i := range out {
		x, y := flat[2*i], flat[2*i+1]
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			return nil, fmt.Errorf("reprojection of (%v %v) yields no finite position", pts[i][0], pts[i][1])
		}
		out[i] = [2]float64{x, y}
	}
	return out, nil
}
