package aoi

import (
	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geom"
)

// EarthRadiusMeters is the WGS84 equatorial radius used for area
// computation, the same radius web mapping tools report areas with.
const EarthRadiusMeters = 6378137.0

// AreaM2 returns the geodesic area of p in square meters: the spherical area
// of the outer ring minus the area of any holes.
func AreaM2(p *geom.Polygon) float64 {
	if p == nil || p.NumLinearRings() == 0 {
		return 0
	}

	var total float64
	for i := 0; i < p.NumLinearRings(); i++ {
		loop := ringLoop(p.LinearRing(i).Coords())
		if loop == nil {
			continue
		}
		a := loop.Area() * EarthRadiusMeters * EarthRadiusMeters
		if i == 0 {
			total += a
		} else {
			total -= a
		}
	}
	if total < 0 {
		return 0
	}
	return total
}

// AreaKm2 returns the geodesic area of p in square kilometers.
func AreaKm2(p *geom.Polygon) float64 {
	return AreaM2(p) / 1_000_000
}

// ringLoop converts a lon/lat ring to a normalized s2 loop. The closing
// vertex and repeated vertices are dropped; nil is returned for rings with
// fewer than three distinct vertices.
func ringLoop(coords []geom.Coord) *s2.Loop {
	pts := make([]s2.Point, 0, len(coords))
	for _, c := range coords {
		p := s2.PointFromLatLng(s2.LatLngFromDegrees(c.Y(), c.X()))
		if n := len(pts); n > 0 && pts[n-1].ApproxEqual(p) {
			continue
		}
		pts = append(pts, p)
	}
	if n := len(pts); n > 1 && pts[0].ApproxEqual(pts[n-1]) {
		pts = pts[:n-1]
	}
	if len(pts) < 3 {
		return nil
	}

	loop := s2.LoopFromPoints(pts)
	loop.Normalize()
	return loop
}
