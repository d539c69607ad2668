package geomhelp

import (
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// SignedArea is the shoelace formula (https://en.wikipedia.org/wiki/Shoelace_formula) without
// the absolute value: positive for a counter-clockwise ring (y axis up), negative for clockwise.
// The closing point may be omitted.
func SignedArea(pts [][2]float64) float64 {
	sum := 0.
	if len(pts) == 0 {
		return 0.
	}

	p0 := pts[len(pts)-1]
	for _, p1 := range pts {
		sum += p0[0]*p1[1] - p1[0]*p0[1]
		p0 = p1
	}
	return sum / 2
}

func WktMustEncode(g geom.Geometry, maxLen uint) (s string) {
	if g == nil {
		return "EMPTY"
	}
	defer func() {
		if r := recover(); r != nil {
			s = "<unencodable>"
		}
	}()
	return wktMustEncodeTruncated(g, maxLen)
}

func wktMustEncodeTruncated(geom geom.Geometry, width uint) string {
	if width == 0 {
		return wkt.MustEncode(geom)
	}
	return truncate.StringWithTail(wkt.MustEncode(geom), width, "...")
}
