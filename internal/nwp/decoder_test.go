package nwp

import (
	"math"
	"testing"

	"weatheredge/pkg/types"
)

func TestKelvinToFahrenheit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kelvin float64
		want   float64
	}{
		{273.15, 32},
		{275.15, 35.6}, // 2.0 °C
		{310.15, 98.6},
		{233.15, -40}, // the crossover point
	}
	for _, tc := range cases {
		if got := KelvinToFahrenheit(tc.kelvin); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("KelvinToFahrenheit(%v) = %v, want %v", tc.kelvin, got, tc.want)
		}
	}
}

func TestWindConversionLaw(t *testing.T) {
	t.Parallel()

	cases := []struct{ u, v float64 }{
		{3, 4},
		{-5, 0},
		{0, -2.5},
		{-1.5, -1.5},
	}
	for _, tc := range cases {
		speedMs := WindSpeedKmh(tc.u, tc.v) / 3.6
		if got, want := speedMs*speedMs, tc.u*tc.u+tc.v*tc.v; math.Abs(got-want) > 1e-9 {
			t.Errorf("speed²(%v,%v) = %v, want u²+v² = %v", tc.u, tc.v, got, want)
		}

		dir := WindDirectionDeg(tc.u, tc.v)
		if dir < 0 || dir >= 360 {
			t.Errorf("direction(%v,%v) = %v, outside [0,360)", tc.u, tc.v, dir)
		}
	}

	if got := WindDirectionDeg(0, 1); math.Abs(got-90) > 1e-9 {
		t.Errorf("direction(0,1) = %v, want 90", got)
	}
	if got := WindDirectionDeg(-1, 0); math.Abs(got-180) > 1e-9 {
		t.Errorf("direction(-1,0) = %v, want 180", got)
	}
}

func TestParseDecoderOutput(t *testing.T) {
	t.Parallel()

	out := []byte("nyc 275.15 3.0 4.0 0.2\nchi 270.00 0.0 0.0 0.0\n")
	obs, err := parseDecoderOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("len = %d, want 2", len(obs))
	}

	nyc := obs[0]
	if nyc.CityID != "nyc" {
		t.Errorf("CityID = %q", nyc.CityID)
	}
	if math.Abs(nyc.TempF-35.6) > 1e-9 {
		t.Errorf("TempF = %v, want 35.6", nyc.TempF)
	}
	if math.Abs(nyc.WindSpeedKmh-18) > 1e-9 { // 5 m/s
		t.Errorf("WindSpeedKmh = %v, want 18", nyc.WindSpeedKmh)
	}
	if nyc.PrecipMm != 0.2 {
		t.Errorf("PrecipMm = %v", nyc.PrecipMm)
	}
}

func TestParseDecoderOutputMalformed(t *testing.T) {
	t.Parallel()

	if _, err := parseDecoderOutput([]byte("nyc 275.15 3.0\n")); err == nil {
		t.Error("expected error for short line")
	}
	if _, err := parseDecoderOutput([]byte("nyc abc 3.0 4.0 0.0\n")); err == nil {
		t.Error("expected error for non-numeric value")
	}

	obs, err := parseDecoderOutput([]byte("\n\n"))
	if err != nil || len(obs) != 0 {
		t.Errorf("blank output: obs=%v err=%v", obs, err)
	}
}

func TestGridBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		model types.ModelKind
		lat   float64
		lon   float64
		want  bool
	}{
		{"nyc in hrrr", types.ModelHRRR, 40.71, -74.01, true},
		{"london outside hrrr", types.ModelHRRR, 51.51, -0.13, false},
		{"anchorage outside hrrr", types.ModelHRRR, 61.22, -149.90, false},
		{"anchorage outside rap lon", types.ModelRAP, 61.22, -149.90, false},
		{"london in gfs", types.ModelGFS, 51.51, -0.13, true},
		{"anywhere in ecmwf", types.ModelECMWF, -33.87, 151.21, true},
	}
	for _, tc := range cases {
		if got := InBounds(tc.model, tc.lat, tc.lon); got != tc.want {
			t.Errorf("%s: InBounds = %v, want %v", tc.name, got, tc.want)
		}
	}
}
