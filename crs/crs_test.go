package crs

import (
	"encoding/json"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    CRS
		epsg    int
		wantErr bool
	}{
		{in: "EPSG:4326", want: WGS84, epsg: 4326},
		{in: "epsg:27700", want: CRS{"EPSG", "27700"}, epsg: 27700},
		{in: "urn:ogc:def:crs:EPSG::27700", want: CRS{"EPSG", "27700"}, epsg: 27700},
		{in: "http://www.opengis.net/def/crs/EPSG/0/3857", want: CRS{"EPSG", "3857"}, epsg: 3857},
		{in: "urn:ogc:def:crs:OGC:1.3:CRS84", want: CRS{"OGC", "CRS84"}, epsg: 4326},
		{in: "28992", want: CRS{"EPSG", "28992"}, epsg: 28992},
		{in: "", want: CRS{}},
		{in: "not a crs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			code, ok := got.EPSG()
			assert.Equal(t, tt.epsg != 0, ok)
			assert.Equal(t, tt.epsg, code)
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, MustParse("urn:ogc:def:crs:OGC:1.3:CRS84").Equal(WGS84))
	assert.True(t, MustParse("urn:ogc:def:crs:EPSG::4326").Equal(WGS84))
	assert.False(t, MustParse("EPSG:27700").Equal(WGS84))
	assert.True(t, CRS{}.Equal(CRS{}))
}

func TestFromGeoJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    CRS
		wantErr bool
	}{
		{name: "named", raw: `{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::27700"}}`, want: CRS{"EPSG", "27700"}},
		{name: "epsg", raw: `{"type":"EPSG","properties":{"code":3857}}`, want: CRS{"EPSG", "3857"}},
		{name: "null", raw: `null`, want: CRS{}},
		{name: "empty", raw: ``, want: CRS{}},
		{name: "linked", raw: `{"type":"link","properties":{"href":"http://example.com/crs"}}`, wantErr: true},
		{name: "name not a string", raw: `{"type":"name","properties":{"name":4326}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGeoJSON(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	var c CRS
	require.NoError(t, c.UnmarshalText([]byte("urn:ogc:def:crs:EPSG::27700")))
	text, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "EPSG:27700", string(text))
}

func TestReprojectorIdentity(t *testing.T) {
	r, err := NewReprojector(MustParse("urn:ogc:def:crs:OGC:1.3:CRS84"), WGS84)
	require.NoError(t, err)
	assert.True(t, r.Identity())
	p := geom.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}
	got, err := r.Reproject(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestReprojectorWebMercatorRoundTrip(t *testing.T) {
	toMercator, err := NewReprojector(WGS84, CRS{"EPSG", "3857"})
	require.NoError(t, err)
	toLonLat, err := NewReprojector(CRS{"EPSG", "3857"}, WGS84)
	require.NoError(t, err)

	in := geom.Polygon{{{5, 52}, {6, 52}, {6, 53}, {5, 52}}}
	projected, err := toMercator.Reproject(in)
	require.NoError(t, err)
	back, err := toLonLat.Reproject(projected)
	require.NoError(t, err)

	got, ok := back.(geom.Polygon)
	require.True(t, ok)
	require.Len(t, got, 1)
	for i, pt := range got[0] {
		assert.InDelta(t, in[0][i][0], pt[0], 1e-6)
		assert.InDelta(t, in[0][i][1], pt[1], 1e-6)
	}

	edge, err := toMercator.Reproject(geom.Point{180, 0})
	require.NoError(t, err)
	assert.InDelta(t, 20037508.342789244, edge.(geom.Point)[0], 1e-3)
}

func TestReprojectorBritishNationalGrid(t *testing.T) {
	bng := CRS{"EPSG", "27700"}
	toLonLat, err := NewReprojector(bng, WGS84)
	require.NoError(t, err)
	toGrid, err := NewReprojector(WGS84, bng)
	require.NoError(t, err)

	tests := []struct {
		name     string
		grid     geom.Point
		lon, lat float64
	}{
		{name: "westminster", grid: geom.Point{530000, 180000}, lon: -0.128354, lat: 51.503991},
		{name: "norfolk", grid: geom.Point{651409.903, 313177.270}, lon: 1.716052, lat: 52.657979},
		{name: "false origin", grid: geom.Point{400000, -100000}, lon: -2.001307, lat: 49.000771},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toLonLat.Reproject(tt.grid)
			require.NoError(t, err)
			pt := got.(geom.Point)
			assert.InDelta(t, tt.lon, pt[0], 1e-5)
			assert.InDelta(t, tt.lat, pt[1], 1e-5)

			back, err := toGrid.Reproject(pt)
			require.NoError(t, err)
			assert.InDelta(t, tt.grid[0], back.(geom.Point)[0], 0.5)
			assert.InDelta(t, tt.grid[1], back.(geom.Point)[1], 0.5)
		})
	}
}

func TestNewReprojectorUnsupported(t *testing.T) {
	_, err := NewReprojector(CRS{"ESRI", "102100"}, WGS84)
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = NewReprojector(CRS{"EPSG", "999999"}, WGS84)
	require.ErrorIs(t, err, ErrUnsupported)
}
