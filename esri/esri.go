// Package esri converts features into the JSON feature shape accepted by ArcGIS feature service edits.
package esri

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/layersync/feature"
	"github.com/pdok/layersync/geomhelp"
	"github.com/pdok/layersync/mapslicehelp"
	"github.com/pdok/layersync/processing"
)

var ErrNoWKID = errors.New("crs has no EPSG code")

type SpatialReference struct {
	WKID int `json:"wkid"`
}

// Geometry is an Esri JSON geometry. Exactly one of X/Y, Points, Paths or Rings is set.
type Geometry struct {
	X                *float64          `json:"x,omitempty"`
	Y                *float64          `json:"y,omitempty"`
	Points           [][2]float64      `json:"points,omitempty"`
	Paths            [][][2]float64    `json:"paths,omitempty"`
	Rings            [][][2]float64    `json:"rings,omitempty"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

type Attributes = orderedmap.OrderedMap[string, interface{}]

type Feature struct {
	Geometry   *Geometry   `json:"geometry"`
	Attributes *Attributes `json:"attributes"`
}

// HasGeometry reports whether f carries at least one coordinate.
func (f Feature) HasGeometry() bool {
	g := f.Geometry
	if g == nil {
		return false
	}
	return (g.X != nil && g.Y != nil) || len(g.Points) > 0 || len(g.Paths) > 0 || len(g.Rings) > 0
}

// Transform converts every feature of c, in order. The result always has c.Len() elements.
// A geometry that has no Esri equivalent (a collection mixing points, lines and polygons)
// becomes a feature without geometry rather than being dropped.
func Transform(c *feature.Collection) ([]Feature, error) {
	var sr *SpatialReference
	if c != nil && !c.CRS.IsZero() {
		wkid, ok := c.CRS.EPSG()
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrNoWKID, c.CRS)
		}
		sr = &SpatialReference{WKID: wkid}
	}
	out := make([]Feature, c.Len())
	for i := 0; i < c.Len(); i++ {
		f := c.Features[i]
		out[i] = Feature{
			Geometry:   ToGeometry(f.Geometry, sr),
			Attributes: toAttributes(f.Attributes),
		}
	}
	return out, nil
}

// ToGeometry returns nil for a nil or empty geometry.
func ToGeometry(g geom.Geometry, sr *SpatialReference) *Geometry {
	var out *Geometry
	switch g := g.(type) {
	case geom.Point:
		x, y := g[0], g[1]
		out = &Geometry{X: &x, Y: &y}
	case geom.MultiPoint:
		if len(g) == 0 {
			return nil
		}
		out = &Geometry{Points: clonePoints(g)}
	case geom.LineString:
		if len(g) == 0 {
			return nil
		}
		out = &Geometry{Paths: [][][2]float64{clonePoints(g)}}
	case geom.MultiLineString:
		if len(g) == 0 {
			return nil
		}
		paths := make([][][2]float64, 0, len(g))
		for _, l := range g {
			paths = append(paths, clonePoints(l))
		}
		out = &Geometry{Paths: paths}
	case geom.Polygon:
		if len(g) == 0 {
			return nil
		}
		out = &Geometry{Rings: rings(g)}
	case geom.MultiPolygon:
		var rs [][][2]float64
		for _, p := range g {
			rs = append(rs, rings(p)...)
		}
		if len(rs) == 0 {
			return nil
		}
		out = &Geometry{Rings: rs}
	case geom.Collection:
		return flatten(g, sr)
	default:
		return nil
	}
	out.SpatialReference = sr
	return out
}

// flatten merges a collection of a single dimension into one multipart geometry.
func flatten(c geom.Collection, sr *SpatialReference) *Geometry {
	if !processing.SingleDimension(c) {
		return nil
	}
	merged := &Geometry{SpatialReference: sr}
	for _, member := range c {
		m := ToGeometry(member, sr)
		if m == nil {
			continue
		}
		if m.X != nil {
			merged.Points = append(merged.Points, [2]float64{*m.X, *m.Y})
		}
		merged.Points = append(merged.Points, m.Points...)
		merged.Paths = append(merged.Paths, m.Paths...)
		merged.Rings = append(merged.Rings, m.Rings...)
	}
	if len(merged.Points) == 0 && len(merged.Paths) == 0 && len(merged.Rings) == 0 {
		return nil
	}
	return merged
}

// rings orients the shell clockwise and holes counter-clockwise, and closes every ring.
func rings(p geom.Polygon) [][][2]float64 {
	out := make([][][2]float64, 0, len(p))
	for i, ring := range p {
		if len(ring) == 0 {
			continue
		}
		r := closeRing(clonePoints(ring))
		clockwise := geomhelp.SignedArea(r) < 0
		if (i == 0) != clockwise {
			r = mapslicehelp.ReverseClone(r)
		}
		out = append(out, r)
	}
	return out
}

func closeRing(r [][2]float64) [][2]float64 {
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return r
}

func clonePoints(pts [][2]float64) [][2]float64 {
	out := make([][2]float64, len(pts))
	copy(out, pts)
	return out
}

// toAttributes keeps scalar values and encodes nested objects and arrays as JSON text,
// since feature service fields only hold scalars.
func toAttributes(in *feature.Attributes) *Attributes {
	out := orderedmap.New[string, interface{}]()
	if in == nil {
		return out
	}
	for p := in.Oldest(); p != nil; p = p.Next() {
		out.Set(p.Key, scalar(p.Value))
	}
	return out
}

func scalar(v interface{}) interface{} {
	switch v := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
