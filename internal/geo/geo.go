package geo

import (
	"math"
)

const earthRadius = 6371000.0

// Distance returns the great-circle distance in meters between two
// latitude/longitude points using the haversine formula. This is the only
// distance primitive in the codebase; the session aggregate and the storage
// layer both use it so in-memory and persisted totals agree.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180.0
	rlat2 := lat2 * math.Pi / 180.0
	dlat := (lat2 - lat1) * math.Pi / 180.0
	dlon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Fence is a circular geofence. A session with an active fence is expected
// to keep its latest point within Radius meters of the center.
type Fence struct {
	Latitude  float64
	Longitude float64
	Radius    float64
	Active    bool
}

func (f *Fence) Contains(lat, lon float64) bool {
	return Distance(f.Latitude, f.Longitude, lat, lon) <= f.Radius
}
