package catalog

import "testing"

func TestPointWKTRoundTrip(t *testing.T) {
	p := Point{Lat: 1.071233, Lon: 104.391522}

	wkt := p.WKT()
	if wkt != "POINT(104.391522 1.071233)" {
		t.Errorf("WKT() = %q", wkt)
	}

	got, err := ParseWKT(wkt)
	if err != nil {
		t.Fatalf("ParseWKT(%q) error: %v", wkt, err)
	}
	if got != p {
		t.Errorf("round trip = %+v, want %+v", got, p)
	}
}

func TestParseWKT(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Point
		wantErr bool
	}{
		{name: "plain", input: "POINT(104.39 1.07)", want: Point{Lat: 1.07, Lon: 104.39}},
		{name: "spaced", input: "  POINT( -70.5  -33.25 )", want: Point{Lat: -33.25, Lon: -70.5}},
		{name: "lowercase tag", input: "point(10 20)", want: Point{Lat: 20, Lon: 10}},
		{name: "not a point", input: "LINESTRING(0 0, 1 1)", wantErr: true},
		{name: "missing paren", input: "POINT 104.39 1.07", wantErr: true},
		{name: "one coordinate", input: "POINT(104.39)", wantErr: true},
		{name: "garbage lon", input: "POINT(abc 1.07)", wantErr: true},
		{name: "out of range", input: "POINT(104.39 95.0)", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWKT(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseWKT(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWKT(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseWKT(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		name  string
		point Point
		want  bool
	}{
		{name: "equator", point: Point{Lat: 0, Lon: 0}, want: true},
		{name: "bintan", point: Point{Lat: 1.0712, Lon: 104.3915}, want: true},
		{name: "lat high", point: Point{Lat: 90.01, Lon: 0}, want: false},
		{name: "lon low", point: Point{Lat: 0, Lon: -180.5}, want: false},
	}

	for _, tt := range tests {
		if got := tt.point.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
