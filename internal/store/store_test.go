package store

import "testing"

func TestPolylineWKT(t *testing.T) {
	got := PolylineWKT([][2]float64{{-72.5, 43.7}, {-72.501, 43.701}})
	want := "LINESTRING(-72.500000 43.700000, -72.501000 43.701000)"
	if got != want {
		t.Fatalf("PolylineWKT = %q, want %q", got, want)
	}
}

func TestPolylineWKT_SinglePoint(t *testing.T) {
	got := PolylineWKT([][2]float64{{0, 0}})
	want := "LINESTRING(0.000000 0.000000)"
	if got != want {
		t.Fatalf("PolylineWKT = %q, want %q", got, want)
	}
}
