// Package feature holds the in-memory model of the features a sync moves around.
package feature

import (
	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/layersync/crs"
)

// Attributes keeps attribute names in source order.
type Attributes = orderedmap.OrderedMap[string, interface{}]

func NewAttributes() *Attributes {
	return orderedmap.New[string, interface{}]()
}

type Feature struct {
	// ID as published by the source, a string or a number. May be nil.
	ID         interface{}
	Geometry   geom.Geometry
	Attributes *Attributes
	// GeometryErr is set when the source geometry could not be decoded.
	GeometryErr error
}

// HasGeometry is false for a null geometry and for a geometry without coordinates.
func (f Feature) HasGeometry() bool {
	switch g := f.Geometry.(type) {
	case nil:
		return false
	case geom.MultiPoint:
		return len(g) > 0
	case geom.LineString:
		return len(g) > 0
	case geom.MultiLineString:
		return len(g) > 0
	case geom.Polygon:
		return len(g) > 0
	case geom.MultiPolygon:
		return len(g) > 0
	case geom.Collection:
		return len(g) > 0
	default:
		return true
	}
}

// Collection is an ordered sequence of features in one CRS.
type Collection struct {
	Features []Feature
	// CRS as declared by the source. Zero when the source did not declare one.
	CRS crs.CRS
	// NumberMatched is reported by WFS 2.0 servers, -1 when absent.
	NumberMatched int
}

func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Features)
}
