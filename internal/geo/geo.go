// Package geo provides great-circle distance helpers on a spherical Earth.
package geo

import "math"

// EarthRadiusKm is the fixed mean Earth radius used by every distance here.
const EarthRadiusKm = 6371.0

// DistanceKm returns the haversine distance in kilometers between two points
// given in decimal degrees. Inputs are not range checked.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := radians(lat1)
	lat2Rad := radians(lat2)
	dLat := lat2Rad - lat1Rad
	dLon := radians(lon2) - radians(lon1)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	a = math.Min(math.Max(a, 0), 1)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// Box is a latitude/longitude rectangle in decimal degrees.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundingBox returns a rectangle that contains every point within radiusKm
// of (lat, lon). It is a coarse prefilter; callers still check DistanceKm.
// Near the poles or the antimeridian the longitude span widens to the full range.
func BoundingBox(lat, lon, radiusKm float64) Box {
	angular := radiusKm / EarthRadiusKm
	dLat := degrees(angular)
	box := Box{
		MinLat: math.Max(lat-dLat, -90),
		MaxLat: math.Min(lat+dLat, 90),
		MinLon: -180,
		MaxLon: 180,
	}

	// Pole inside the circle: every longitude qualifies.
	if box.MinLat == -90 || box.MaxLat == 90 {
		return box
	}
	ratio := math.Sin(angular) / math.Cos(radians(lat))
	if ratio >= 1 {
		return box
	}
	dLon := degrees(math.Asin(ratio))
	// Crossing the antimeridian would need two ranges; widen instead.
	if lon-dLon < -180 || lon+dLon > 180 {
		return box
	}
	box.MinLon = lon - dLon
	box.MaxLon = lon + dLon
	return box
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
