// Package aoi holds the area-of-interest model: geodesic area measurement,
// the area ceiling, and the editor that keeps the current and last-valid
// shapes in sync with an editable feature layer.
package aoi

import (
	"encoding/json"
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// DefaultMaxAreaKm2 is the area ceiling applied when none is configured.
const DefaultMaxAreaKm2 = 20.0

// AOI is an accepted area of interest. It is immutable once constructed.
type AOI struct {
	featureID FeatureID
	polygon   *geom.Polygon
	areaKm2   float64
	bounds    [4]float64
	loops     []*s2.Loop
}

// New builds an AOI from a polygon, measuring its geodesic area.
func New(id FeatureID, p *geom.Polygon) (*AOI, error) {
	if err := checkPolygon(p); err != nil {
		return nil, err
	}
	return newMeasured(id, p, AreaKm2(p)), nil
}

func newMeasured(id FeatureID, p *geom.Polygon, areaKm2 float64) *AOI {
	a := &AOI{featureID: id, polygon: p.Clone(), areaKm2: areaKm2}
	b := p.Bounds()
	a.bounds = [4]float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
	for i := 0; i < p.NumLinearRings(); i++ {
		a.loops = append(a.loops, ringLoop(p.LinearRing(i).Coords()))
	}
	return a
}

// FeatureID returns the id of the drawn feature the AOI was taken from.
func (a *AOI) FeatureID() FeatureID { return a.featureID }

// AreaKm2 returns the geodesic area in square kilometers.
func (a *AOI) AreaKm2() float64 { return a.areaKm2 }

// Polygon returns a copy of the AOI geometry.
func (a *AOI) Polygon() *geom.Polygon { return a.polygon.Clone() }

// Bounds returns the lon/lat bounding box as west, south, east, north.
func (a *AOI) Bounds() (west, south, east, north float64) {
	return a.bounds[0], a.bounds[1], a.bounds[2], a.bounds[3]
}

// Contains reports whether the point lies inside the polygon: within the
// bounding box, inside the outer ring and outside every hole.
func (a *AOI) Contains(lon, lat float64) bool {
	west, south, east, north := a.Bounds()
	if lon < west || lon > east || lat < south || lat > north {
		return false
	}
	if len(a.loops) == 0 || a.loops[0] == nil {
		return false
	}

	pt := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	if !a.loops[0].ContainsPoint(pt) {
		return false
	}
	for _, hole := range a.loops[1:] {
		if hole != nil && hole.ContainsPoint(pt) {
			return false
		}
	}
	return true
}

// Feature returns the AOI as a GeoJSON feature with an area_km2 property.
func (a *AOI) Feature() *geojson.Feature {
	return &geojson.Feature{
		ID:       string(a.featureID),
		Geometry: a.polygon.Clone(),
		Properties: map[string]interface{}{
			"area_km2": a.areaKm2,
		},
	}
}

// MarshalJSON encodes the AOI as a GeoJSON feature.
func (a *AOI) MarshalJSON() ([]byte, error) {
	return a.Feature().MarshalJSON()
}

// String implements fmt.Stringer.
func (a *AOI) String() string {
	return fmt.Sprintf("AOI(%s, %.2f km²)", a.featureID, a.areaKm2)
}

// AreaExceededError reports a shape whose area is above the ceiling.
type AreaExceededError struct {
	Measured float64
	Max      float64
	Edited   bool
}

func (e *AreaExceededError) Error() string {
	if e.Edited {
		return fmt.Sprintf("The edited area (%.2f km²) exceeds the maximum limit of %g km². Reverting to previous shape.", e.Measured, e.Max)
	}
	return fmt.Sprintf("The drawn area (%.2f km²) exceeds the maximum limit of %g km².", e.Measured, e.Max)
}

// CheckArea returns an *AreaExceededError when areaKm2 is strictly above
// maxKm2. An area equal to the ceiling is accepted.
func CheckArea(areaKm2, maxKm2 float64) error {
	if areaKm2 > maxKm2 {
		return &AreaExceededError{Measured: areaKm2, Max: maxKm2}
	}
	return nil
}

// ParsePolygons decodes GeoJSON into polygons. It accepts a bare geometry,
// a Feature or a FeatureCollection; MultiPolygons are split into their parts.
func ParsePolygons(data []byte) ([]*geom.Polygon, error) {
	features, err := ParseFeatures(data)
	if err != nil {
		return nil, err
	}
	out := make([]*geom.Polygon, 0, len(features))
	for _, f := range features {
		out = append(out, f.Polygon)
	}
	return out, nil
}

// ParseFeatures decodes GeoJSON into layer features, keeping feature ids.
// Parts of a MultiPolygon after the first get the id suffixed with their
// index. Bare geometries and features without an id have an empty ID.
func ParseFeatures(data []byte) ([]Feature, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrap(err, "aoi: decode geojson")
	}

	var features []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := fc.UnmarshalJSON(data); err != nil {
			return nil, eris.Wrap(err, "aoi: decode feature collection")
		}
		features = fc.Features
	case "Feature":
		var f geojson.Feature
		if err := f.UnmarshalJSON(data); err != nil {
			return nil, eris.Wrap(err, "aoi: decode feature")
		}
		features = append(features, &f)
	default:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrap(err, "aoi: decode geometry")
		}
		features = append(features, &geojson.Feature{Geometry: g})
	}

	var out []Feature
	for _, f := range features {
		id := FeatureID(f.ID)
		switch t := f.Geometry.(type) {
		case *geom.Polygon:
			out = append(out, Feature{ID: id, Polygon: t})
		case *geom.MultiPolygon:
			for i := 0; i < t.NumPolygons(); i++ {
				partID := id
				if i > 0 && id != "" {
					partID = FeatureID(fmt.Sprintf("%s-%d", id, i))
				}
				out = append(out, Feature{ID: partID, Polygon: t.Polygon(i)})
			}
		case nil:
			continue
		default:
			return nil, eris.Errorf("aoi: unsupported geometry %T", f.Geometry)
		}
	}
	if len(out) == 0 {
		return nil, eris.New("aoi: no polygon in geojson")
	}
	return out, nil
}

func checkPolygon(p *geom.Polygon) error {
	if p == nil || p.NumLinearRings() == 0 {
		return eris.New("aoi: empty polygon")
	}
	if p.LinearRing(0).NumCoords() < 4 {
		return eris.New("aoi: polygon ring needs at least 4 coordinates")
	}
	return nil
}
