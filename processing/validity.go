package processing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	sfgeom "github.com/peterstace/simplefeatures/geom"
)

var (
	ErrEmptyGeometry       = errors.New("empty geometry")
	ErrNonFinite           = errors.New("non-finite coordinate")
	ErrTooFewPoints        = errors.New("too few distinct points")
	ErrInvalid             = errors.New("geometry is not valid")
	ErrMixedCollection     = errors.New("geometry collection mixes dimensions")
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
)

// Validate checks the OGC validity of g: simple rings, holes inside their shell and not
// crossing it or each other, multipolygon parts whose interiors do not overlap. On top of
// that coordinates must be finite, geometries non-empty and collections of a single
// dimension (the target platform has no heterogeneous collection type).
//
// Consecutive repeated vertices and unclosed rings are accepted.
//
//nolint:cyclop
func Validate(g geom.Geometry) error {
	switch g := g.(type) {
	case geom.Point:
		return finite(g)
	case geom.MultiPoint:
		if len(g) == 0 {
			return ErrEmptyGeometry
		}
		for _, pt := range g {
			if err := finite(pt); err != nil {
				return err
			}
		}
		return nil
	case geom.LineString:
		line, err := normalizeLine(g)
		if err != nil {
			return err
		}
		return ogcValid(geom.LineString(line))
	case geom.MultiLineString:
		if len(g) == 0 {
			return ErrEmptyGeometry
		}
		lines := make(geom.MultiLineString, len(g))
		for i := range g {
			line, err := normalizeLine(g[i])
			if err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
			lines[i] = line
		}
		return ogcValid(lines)
	case geom.Polygon:
		p, err := normalizePolygon(g)
		if err != nil {
			return err
		}
		return ogcValid(p)
	case geom.MultiPolygon:
		if len(g) == 0 {
			return ErrEmptyGeometry
		}
		mp := make(geom.MultiPolygon, len(g))
		for i := range g {
			p, err := normalizePolygon(g[i])
			if err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
			mp[i] = p
		}
		return ogcValid(mp)
	case geom.Collection:
		if len(g) == 0 {
			return ErrEmptyGeometry
		}
		if !SingleDimension(g) {
			return ErrMixedCollection
		}
		for i := range g {
			if err := Validate(g[i]); err != nil {
				return fmt.Errorf("member %d: %w", i, err)
			}
		}
		return nil
	case nil:
		return ErrEmptyGeometry
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedGeometry, g)
	}
}

// Dimension is 0 for points, 1 for lines, 2 for polygons and -1 otherwise.
func Dimension(g geom.Geometry) int {
	switch g := g.(type) {
	case geom.Point, geom.MultiPoint:
		return 0
	case geom.LineString, geom.MultiLineString:
		return 1
	case geom.Polygon, geom.MultiPolygon:
		return 2
	case geom.Collection:
		if len(g) > 0 {
			return Dimension(g[0])
		}
	}
	return -1
}

// SingleDimension reports whether g can be represented by a single target geometry type.
// Anything but a collection always can.
func SingleDimension(g geom.Geometry) bool {
	c, ok := g.(geom.Collection)
	if !ok {
		return true
	}
	if len(c) == 0 {
		return false
	}
	dim := Dimension(c[0])
	for _, member := range c {
		if d := Dimension(member); d < 0 || d != dim || !SingleDimension(member) {
			return false
		}
	}
	return true
}

// ogcValid hands g to simplefeatures, whose GeoJSON decoding validates the geometry.
func ogcValid(g geom.Geometry) error {
	raw, err := json.Marshal(geojson.Geometry{Geometry: g})
	if err != nil {
		return err
	}
	if _, err := sfgeom.UnmarshalGeoJSON(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func finite(pt [2]float64) error {
	for _, v := range pt {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}

func finiteAll(pts [][2]float64) error {
	for _, pt := range pts {
		if err := finite(pt); err != nil {
			return err
		}
	}
	return nil
}

// normalizeLine returns a copy of pts without consecutive repeated points.
func normalizeLine(pts [][2]float64) ([][2]float64, error) {
	if err := finiteAll(pts); err != nil {
		return nil, err
	}
	line := distinct(pts)
	if len(line) < 2 {
		return nil, ErrTooFewPoints
	}
	return line, nil
}

// normalizePolygon returns a copy of p with closed rings without consecutive repeated points.
func normalizePolygon(p geom.Polygon) (geom.Polygon, error) {
	if len(p) == 0 {
		return nil, ErrEmptyGeometry
	}
	out := make(geom.Polygon, len(p))
	for i, ring := range p {
		if err := finiteAll(ring); err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		open := openRing(distinct(ring))
		if len(open) < 3 {
			return nil, fmt.Errorf("ring %d: %w", i, ErrTooFewPoints)
		}
		out[i] = append(open, open[0])
	}
	return out, nil
}

// distinct drops consecutive repeated points. The result never shares memory with pts.
func distinct(pts [][2]float64) [][2]float64 {
	out := make([][2]float64, 0, len(pts)+1)
	for i, pt := range pts {
		if i > 0 && pt == pts[i-1] {
			continue
		}
		out = append(out, pt)
	}
	return out
}

// openRing drops the closing point, if present.
func openRing(pts [][2]float64) [][2]float64 {
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		return pts[:len(pts)-1]
	}
	return pts
}
