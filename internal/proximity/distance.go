package proximity

import (
	"math"

	"civicops.org/internal/asset"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two WGS 84
// coordinates in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Submission radii per asset kind. Bins and toilets require the tighter 50 m
// check; feeder-point daily visits and beat reports allow 100 m.
const (
	binRadiusMeters    = 50.0
	feederRadiusMeters = 100.0
)

// RadiusFor returns the admissible submission radius for an asset kind.
func RadiusFor(kind asset.Kind) float64 {
	switch kind {
	case asset.FeederPoint, asset.SweepingBeat:
		return feederRadiusMeters
	default:
		return binRadiusMeters
	}
}
