package crs

import "math"

const arcSecond = math.Pi / 180 / 3600

type ellipsoid struct {
	a, e2 float64
}

var (
	wgs84Ellipsoid = ellipsoid{a: 6378137, e2: (2 - 1/298.257223563) / 298.257223563}
	airy1830       = ellipsoid{a: 6377563.396, e2: 1 - (6356256.909*6356256.909)/(6377563.396*6377563.396)}
)

// geocentric returns the earth-centred cartesian position of lon/lat (degrees) at height 0.
func (e ellipsoid) geocentric(lon, lat float64) (x, y, z float64) {
	lam, phi := lon*math.Pi/180, lat*math.Pi/180
	sin := math.Sin(phi)
	n := e.a / math.Sqrt(1-e.e2*sin*sin)
	return n * math.Cos(phi) * math.Cos(lam), n * math.Cos(phi) * math.Sin(lam), n * (1 - e.e2) * sin
}

// geodetic is the inverse of geocentric, dropping the height.
func (e ellipsoid) geodetic(x, y, z float64) (lon, lat float64) {
	p := math.Hypot(x, y)
	phi := math.Atan2(z, p*(1-e.e2))
	for i := 0; i < 10; i++ {
		sin := math.Sin(phi)
		n := e.a / math.Sqrt(1-e.e2*sin*sin)
		next := math.Atan2(z+e.e2*n*sin, p)
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return math.Atan2(y, x) * 180 / math.Pi, phi * 180 / math.Pi
}

// helmert is a seven parameter datum shift to WGS84 in the position vector convention of
// the proj towgs84 parameter: translations in metres, rotations in arc seconds, scale in ppm.
type helmert struct {
	ellipsoid  ellipsoid
	tx, ty, tz float64
	rx, ry, rz float64
	ppm        float64
}

// osgb36 is the towgs84 of EPSG:27700, accurate to a few metres.
var osgb36 = helmert{
	ellipsoid: airy1830,
	tx:        446.448, ty: -125.157, tz: 542.06,
	rx: 0.15, ry: 0.247, rz: 0.842,
	ppm: -20.489,
}

func (h helmert) apply(x, y, z float64, sign float64) (float64, float64, float64) {
	s := 1 + sign*h.ppm*1e-6
	rx, ry, rz := sign*h.rx*arcSecond, sign*h.ry*arcSecond, sign*h.rz*arcSecond
	return sign*h.tx + s*(x-rz*y+ry*z),
		sign*h.ty + s*(rz*x+y-rx*z),
		sign*h.tz + s*(-ry*x+rx*y+z)
}

func (h helmert) toWGS84(lon, lat float64) (float64, float64) {
	x, y, z := h.ellipsoid.geocentric(lon, lat)
	return wgs84Ellipsoid.geodetic(h.apply(x, y, z, 1))
}

// fromWGS84 applies the negated parameters, the usual approximation of the inverse.
func (h helmert) fromWGS84(lon, lat float64) (float64, float64) {
	x, y, z := wgs84Ellipsoid.geocentric(lon, lat)
	return h.ellipsoid.geodetic(h.apply(x, y, z, -1))
}
