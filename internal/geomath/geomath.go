// Package geomath implements the pure geometric primitives the pipeline
// needs: great-circle distance and bearing, encoded-polyline codec, and
// the forward/reverse direction classification used by segment activation.
package geomath

import (
	"math"

	polyline "github.com/twpayne/go-polyline"
)

const earthRadiusM = 6371000.0

// Point is a (latitude, longitude) pair in WGS-84 decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceM returns the great-circle distance between two points, in meters.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// BearingDeg returns the initial great-circle bearing from (lat1,lon1) to
// (lat2,lon2), in degrees clockwise from north, in [0, 360). Same-point
// inputs return 0.
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	theta := math.Atan2(y, x)
	deg := math.Mod(theta*180/math.Pi+360, 360)
	return deg
}

// Direction is the service direction assigned to a road segment.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

// DirectionOf classifies a polyline bearing against a segment bearing.
// A difference of <= 90 degrees (after wrapping) is Forward; the tie at
// exactly 90 degrees is deterministically Forward.
func DirectionOf(polylineBearing, segmentBearing float64) Direction {
	d := math.Abs(polylineBearing - segmentBearing)
	if d > 180 {
		d = 360 - d
	}
	if d <= 90 {
		return Forward
	}
	return Reverse
}

// round5 rounds v to 5 decimal places, matching the precision encoded
// polylines carry.
func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// PolylineEncode encodes a sequence of (lat,lon) points using the standard
// Google-style variable-length signed-integer delta encoding at 5 decimal
// places of precision.
func PolylineEncode(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// PolylineDecode decodes an encoded polyline string back into a sequence of
// (lat,lon) points at 5 decimal places of precision.
func PolylineDecode(s string) ([]Point, error) {
	coords, _, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return nil, err
	}
	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Lat: round5(c[0]), Lon: round5(c[1])}
	}
	return points, nil
}
