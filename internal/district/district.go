// Package district holds the optional district reference layer: a static set
// of named polygons used to label and highlight the map around an AOI. It is
// display-only and never part of an analysis request.
package district

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/agroscope-cli/internal/aoi"
)

// DefaultNameField is the attribute holding the district name.
const DefaultNameField = "NAME_2"

// District is one named region made of one or more polygons.
type District struct {
	Name       string
	Properties map[string]interface{}
	parts      []*aoi.AOI
}

// NewDistrict builds a district from its polygon parts.
func NewDistrict(name string, props map[string]interface{}, polys []*geom.Polygon) (*District, error) {
	d := &District{Name: name, Properties: props}
	for _, p := range polys {
		part, err := aoi.New(aoi.FeatureID(name), p)
		if err != nil {
			return nil, err
		}
		d.parts = append(d.parts, part)
	}
	return d, nil
}

// AreaKm2 returns the geodesic area of all parts.
func (d *District) AreaKm2() float64 {
	var total float64
	for _, p := range d.parts {
		total += p.AreaKm2()
	}
	return total
}

// Contains reports whether any part contains the point.
func (d *District) Contains(lon, lat float64) bool {
	for _, p := range d.parts {
		if p.Contains(lon, lat) {
			return true
		}
	}
	return false
}

// Geometry returns the district as a Polygon, or a MultiPolygon when it has
// several parts.
func (d *District) Geometry() geom.T {
	if len(d.parts) == 1 {
		return d.parts[0].Polygon()
	}
	mp := geom.NewMultiPolygon(geom.XY)
	for _, p := range d.parts {
		_ = mp.Push(p.Polygon())
	}
	return mp
}

// Feature returns the district as a GeoJSON feature.
func (d *District) Feature() *geojson.Feature {
	props := make(map[string]interface{}, len(d.Properties)+1)
	for k, v := range d.Properties {
		props[k] = v
	}
	props["area_km2"] = d.AreaKm2()
	return &geojson.Feature{Geometry: d.Geometry(), Properties: props}
}

// Layer is a loaded set of districts.
type Layer struct {
	nameField string
	districts []*District
	byName    map[string]*District
}

// NewLayer creates a layer. Districts keep their order; the first district
// with a given name wins name lookups.
func NewLayer(nameField string, districts ...*District) *Layer {
	if nameField == "" {
		nameField = DefaultNameField
	}
	l := &Layer{nameField: nameField, byName: make(map[string]*District, len(districts))}
	for _, d := range districts {
		l.districts = append(l.districts, d)
		key := strings.ToLower(d.Name)
		if _, ok := l.byName[key]; !ok && key != "" {
			l.byName[key] = d
		}
	}
	return l
}

// NameField returns the attribute names were read from.
func (l *Layer) NameField() string { return l.nameField }

// Len returns the number of districts.
func (l *Layer) Len() int { return len(l.districts) }

// Districts returns the districts in load order.
func (l *Layer) Districts() []*District {
	out := make([]*District, len(l.districts))
	copy(out, l.districts)
	return out
}

// Names returns the sorted distinct district names.
func (l *Layer) Names() []string {
	names := make([]string, 0, len(l.byName))
	for _, d := range l.byName {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Named looks a district up by name, ignoring case.
func (l *Layer) Named(name string) (*District, bool) {
	d, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// At returns the first district containing the point.
func (l *Layer) At(lon, lat float64) (*District, bool) {
	for _, d := range l.districts {
		if d.Contains(lon, lat) {
			return d, true
		}
	}
	return nil, false
}

// FeatureCollection returns the layer as GeoJSON.
func (l *Layer) FeatureCollection() *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(l.districts))}
	for _, d := range l.districts {
		fc.Features = append(fc.Features, d.Feature())
	}
	return fc
}

// MarshalJSON encodes the layer as a GeoJSON FeatureCollection.
func (l *Layer) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.FeatureCollection())
}
