// README: Great-circle distance, bearing and straight-line routes used by the courier simulator.
package location

import (
	"math"

	"trackline/internal/types"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func radiansToDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Bearing returns the initial compass bearing from a to b, 0-359.
func Bearing(a, b types.Point) int {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Mod(radiansToDegrees(math.Atan2(y, x))+360, 360)
	return int(math.Round(deg)) % 360
}

// Interpolate returns the point a fraction f of the way from a to b. Linear
// in degrees, which is close enough over a delivery-sized distance.
func Interpolate(a, b types.Point, f float64) types.Point {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return types.Point{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}
}

// Route splits a straight line from a to b into steps segments and returns
// steps+1 points including both ends.
func Route(a, b types.Point, steps int) []types.Point {
	if steps < 1 {
		steps = 1
	}
	out := make([]types.Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		out = append(out, Interpolate(a, b, float64(i)/float64(steps)))
	}
	return out
}
