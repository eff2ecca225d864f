// Package geo provides distance and arrival-time estimates used when ranking
// candidates and answering ride status queries.
package geo

import (
	"math"
	"time"

	"github.com/example/mella/internal/domain"
)

const earthRadiusKM = 6371.0

// DistanceKM returns the haversine distance between two points in kilometers.
func DistanceKM(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlng := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlng := math.Sin(dlng / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlng*sinDlng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}

// EstimateETA approximates travel time over distanceKM at an average urban
// ambulance speed. speedKMH <= 0 falls back to 40 km/h.
func EstimateETA(distanceKM, speedKMH float64) time.Duration {
	if speedKMH <= 0 {
		speedKMH = 40
	}
	hours := distanceKM / speedKMH
	return time.Duration(hours * float64(time.Hour))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
