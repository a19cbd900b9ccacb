package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// SRIDWGS84 is the spatial reference for all stored coordinates.
const SRIDWGS84 = 4326

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies in WGS84 range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// WKT renders the point as well-known text, longitude first.
func (p Point) WKT() string {
	return fmt.Sprintf("POINT(%s %s)",
		strconv.FormatFloat(p.Lon, 'f', -1, 64),
		strconv.FormatFloat(p.Lat, 'f', -1, 64))
}

// String returns a compact "lat,lon" form for logs.
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// ParseWKT parses "POINT(lon lat)" well-known text.
func ParseWKT(s string) (Point, error) {
	t := strings.TrimSpace(s)
	upper := strings.ToUpper(t)
	if !strings.HasPrefix(upper, "POINT") {
		return Point{}, fmt.Errorf("not a WKT point: %q", s)
	}
	open := strings.Index(t, "(")
	close := strings.LastIndex(t, ")")
	if open < 0 || close < open {
		return Point{}, fmt.Errorf("malformed WKT point: %q", s)
	}
	fields := strings.Fields(t[open+1 : close])
	if len(fields) != 2 {
		return Point{}, fmt.Errorf("malformed WKT point: %q", s)
	}
	lon, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed WKT longitude: %w", err)
	}
	lat, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("malformed WKT latitude: %w", err)
	}
	p := Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return Point{}, fmt.Errorf("WKT point out of range: %q", s)
	}
	return p, nil
}
