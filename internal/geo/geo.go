package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// CellPrecision is the geohash length used for presence cells (~4.9km x 4.9km).
const CellPrecision = 5

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Cell returns the geohash cell containing c.
func Cell(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lng, CellPrecision)
}

// CellWithNeighbors returns the cell of c and its eight neighbours, which is
// what a dashboard needs to render the area around a rider.
func CellWithNeighbors(c models.Coord) []string {
	h := Cell(c)
	return append([]string{h}, geohash.Neighbors(h)...)
}
