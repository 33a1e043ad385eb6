// README: Shared identifiers and coordinates used across modules.
package types

type ID string

func (id ID) String() string { return string(id) }

type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point is inside WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
