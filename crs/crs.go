// Package crs identifies coordinate reference systems and reprojects geometries between them.
package crs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrUnsupported = errors.New("unsupported coordinate reference system")

// CRS is an authority/code pair, e.g. EPSG/27700. The zero value means "not declared".
type CRS struct {
	Authority string
	Code      string
}

// WGS84 is the geographic lon/lat system every target layer is expressed in.
var WGS84 = CRS{Authority: "EPSG", Code: "4326"}

var (
	crsURIRegexURL = regexp.MustCompile("^https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+):[^:]*:(?P<code>[^:]+)$")
	crsCodeRegex   = regexp.MustCompile("^(?P<authority>[A-Za-z]+):(?P<code>[A-Za-z0-9.]+)$")
)

// Parse accepts the notations found in WFS responses and configuration:
// "EPSG:4326", "urn:ogc:def:crs:EPSG::27700", "http://www.opengis.net/def/crs/EPSG/0/3857",
// "urn:ogc:def:crs:OGC:1.3:CRS84" and a bare EPSG number.
func Parse(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}, nil
	}
	if _, err := strconv.Atoi(s); err == nil {
		return CRS{Authority: "EPSG", Code: s}, nil
	}
	for _, re := range []*regexp.Regexp{crsURIRegexURL, crsURIRegexURN, crsCodeRegex} {
		if parts := re.FindStringSubmatch(s); parts != nil {
			return CRS{Authority: strings.ToUpper(parts[1]), Code: strings.ToUpper(parts[2])}, nil
		}
	}
	return CRS{}, fmt.Errorf(`could not parse crs "%v"`, s)
}

// MustParse is Parse for constants.
func MustParse(s string) CRS {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CRS) IsZero() bool {
	return c.Authority == "" && c.Code == ""
}

// EPSG returns the EPSG code of c. OGC CRS84 is lon/lat WGS84 and maps to 4326.
func (c CRS) EPSG() (int, bool) {
	switch c.Authority {
	case "EPSG":
		code, err := strconv.Atoi(c.Code)
		return code, err == nil
	case "OGC":
		if c.Code == "CRS84" {
			return 4326, true
		}
	}
	return 0, false
}

// Equal compares by EPSG code when both sides have one, so CRS84 equals EPSG:4326.
func (c CRS) Equal(o CRS) bool {
	a, aok := c.EPSG()
	b, bok := o.EPSG()
	if aok && bok {
		return a == b
	}
	return c == o
}

func (c CRS) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return c.Authority + ":" + c.Code
}

func (c CRS) MarshalText() ([]byte, error) {
	if c.IsZero() {
		return []byte{}, nil
	}
	return []byte(c.String()), nil
}

func (c *CRS) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// FromGeoJSON reads the (2008 draft) "crs" member of a GeoJSON object:
// {"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::27700"}} or
// {"type":"EPSG","properties":{"code":27700}}.
func FromGeoJSON(raw json.RawMessage) (CRS, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return CRS{}, nil
	}
	var member struct {
		Type       string                 `json:"type"`
		Properties map[string]interface{} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &member); err != nil {
		return CRS{}, fmt.Errorf("crs member: %w", err)
	}
	switch strings.ToLower(member.Type) {
	case "name":
		name, ok := member.Properties["name"].(string)
		if !ok {
			return CRS{}, fmt.Errorf(`crs member: name property is not a string but a %T`, member.Properties["name"])
		}
		return Parse(name)
	case "epsg":
		switch code := member.Properties["code"].(type) {
		case float64:
			return CRS{Authority: "EPSG", Code: strconv.Itoa(int(code))}, nil
		case string:
			return Parse(code)
		default:
			return CRS{}, fmt.Errorf(`crs member: code property is not a number but a %T`, code)
		}
	default:
		return CRS{}, fmt.Errorf(`crs member: unknown type "%v"`, member.Type)
	}
}
