package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"

	"github.com/pdok/layersync/crs"
)

var ErrNotAFeatureCollection = errors.New("not a GeoJSON FeatureCollection")

type rawCollection struct {
	Type          string          `json:"type"`
	Features      []rawFeature    `json:"features"`
	CRS           json.RawMessage `json:"crs"`
	NumberMatched json.RawMessage `json:"numberMatched"`
	TotalFeatures json.RawMessage `json:"totalFeatures"`
}

type rawFeature struct {
	Type       string          `json:"type"`
	ID         interface{}     `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties *Attributes     `json:"properties"`
}

// DecodeGeoJSON parses a GeoJSON FeatureCollection.
// A geometry that cannot be decoded does not fail the collection: the feature is kept
// with a nil Geometry and GeometryErr set, so the cleaning step can drop it.
func DecodeGeoJSON(data []byte) (*Collection, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrNotAFeatureCollection)
	}
	var raw rawCollection
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Type != "FeatureCollection" {
		return nil, fmt.Errorf(`%w: type is "%v"`, ErrNotAFeatureCollection, raw.Type)
	}

	declared, err := crs.FromGeoJSON(raw.CRS)
	if err != nil {
		return nil, err
	}
	c := &Collection{
		Features:      make([]Feature, 0, len(raw.Features)),
		CRS:           declared,
		NumberMatched: matched(raw.NumberMatched, raw.TotalFeatures),
	}
	for i, rf := range raw.Features {
		if rf.Type != "Feature" {
			return nil, fmt.Errorf(`feature %d: type is "%v"`, i, rf.Type)
		}
		f := Feature{ID: rf.ID, Attributes: rf.Properties}
		if f.Attributes == nil {
			f.Attributes = NewAttributes()
		}
		f.Geometry, f.GeometryErr = decodeGeometry(rf.Geometry)
		c.Features = append(c.Features, f)
	}
	return c, nil
}

func decodeGeometry(raw json.RawMessage) (g geom.Geometry, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			g, err = nil, fmt.Errorf("malformed geometry: %v", r)
		}
	}()
	var geometry geojson.Geometry
	if err := json.Unmarshal(raw, &geometry); err != nil {
		return nil, fmt.Errorf("malformed geometry: %w", err)
	}
	return geometry.Geometry, nil
}

// matched reads numberMatched (WFS 2.0) or totalFeatures (GeoServer), which may be "unknown".
func matched(candidates ...json.RawMessage) int {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		if n, err := strconv.Atoi(string(raw)); err == nil {
			return n
		}
	}
	return -1
}
