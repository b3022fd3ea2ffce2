package services

import (
	"math"

	"creator-payment-system/models"
)

// earthRadiusMeters is the IUGG mean earth radius
const earthRadiusMeters = 6371008.8

// Coordinate is a reported claimant position in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// HaversineDistance returns the great-circle distance between two points in meters
func HaversineDistance(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ProximityCheck is the outcome of validating a claimant position
type ProximityCheck struct {
	Eligible       bool
	DistanceMeters *float64
}

// CheckProximity reports whether claimant is inside fence. A nil fence is always eligible;
// a fenced bounty with no reported location is not.
func CheckProximity(claimant *Coordinate, fence *models.GeoFence) ProximityCheck {
	if fence == nil {
		return ProximityCheck{Eligible: true}
	}
	if claimant == nil {
		return ProximityCheck{Eligible: false}
	}
	d := HaversineDistance(*claimant, Coordinate{Latitude: fence.Latitude, Longitude: fence.Longitude})
	return ProximityCheck{Eligible: d <= fence.RadiusMeters, DistanceMeters: &d}
}
