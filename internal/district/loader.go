package district

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Options configures loading.
type Options struct {
	// NameField is the attribute holding the district name.
	NameField string
	// Encoding is the DBF attribute charset (e.g. "windows-1252"). When
	// empty, a .cpg sidecar is consulted and UTF-8 assumed otherwise.
	Encoding string
}

// Load reads a district layer from a GeoJSON file, a shapefile, or a ZIP
// archive containing a shapefile.
func Load(path string, opts Options) (*Layer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "district: read %s", path)
		}
		return ParseGeoJSON(data, opts.NameField)
	case ".shp":
		return ReadShapefile(path, opts)
	case ".zip":
		return readZIP(path, opts)
	default:
		return nil, eris.Errorf("district: unsupported file type %q", filepath.Ext(path))
	}
}

// ParseGeoJSON decodes a FeatureCollection of Polygon or MultiPolygon
// features. Features with other geometries are skipped.
func ParseGeoJSON(data []byte, nameField string) (*Layer, error) {
	if nameField == "" {
		nameField = DefaultNameField
	}

	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(data); err != nil {
		return nil, eris.Wrap(err, "district: decode geojson")
	}

	var districts []*District
	var skipped int
	for i, f := range fc.Features {
		polys := polygonsOf(f.Geometry)
		if len(polys) == 0 {
			skipped++
			continue
		}
		name := nameOf(f.Properties, nameField)
		d, err := NewDistrict(name, f.Properties, polys)
		if err != nil {
			zap.L().Debug("district: skipping malformed feature", zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		districts = append(districts, d)
	}

	if skipped > 0 {
		zap.L().Debug("district: skipped features", zap.Int("skipped", skipped))
	}
	return NewLayer(nameField, districts...), nil
}

func polygonsOf(g geom.T) []*geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return []*geom.Polygon{t}
	case *geom.MultiPolygon:
		out := make([]*geom.Polygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			out = append(out, t.Polygon(i))
		}
		return out
	default:
		return nil
	}
}

func nameOf(props map[string]interface{}, field string) string {
	if v, ok := props[field]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	for k, v := range props {
		if strings.EqualFold(k, field) && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}

// ReadShapefile reads polygon records and their DBF attributes.
func ReadShapefile(path string, opts Options) (*Layer, error) {
	nameField := opts.NameField
	if nameField == "" {
		nameField = DefaultNameField
	}

	dec, err := attributeDecoder(path, opts.Encoding)
	if err != nil {
		return nil, err
	}

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "district: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	var districts []*District
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()

		poly, ok := shape.(*shp.Polygon)
		if !ok || poly == nil {
			skipped++
			continue
		}
		polys := shapePolygons(poly)
		if len(polys) == 0 {
			skipped++
			continue
		}

		props := make(map[string]interface{}, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if dec != nil {
				if s, derr := dec.String(val); derr == nil {
					val = s
				}
			}
			props[name] = val
		}

		d, err := NewDistrict(nameOf(props, nameField), props, polys)
		if err != nil {
			zap.L().Debug("district: skipping malformed record", zap.Int("record", n), zap.Error(err))
			skipped++
			continue
		}
		districts = append(districts, d)
	}

	if skipped > 0 {
		zap.L().Debug("district: skipped shapefile records", zap.String("path", path), zap.Int("skipped", skipped))
	}
	zap.L().Info("district: shapefile loaded", zap.String("path", path), zap.Int("districts", len(districts)))
	return NewLayer(nameField, districts...), nil
}

// attributeDecoder returns the decoder for DBF strings, or nil for UTF-8.
func attributeDecoder(shpPath, charset string) (*encoding.Decoder, error) {
	if charset == "" {
		cpg := strings.TrimSuffix(shpPath, filepath.Ext(shpPath)) + ".cpg"
		if data, err := os.ReadFile(cpg); err == nil {
			charset = strings.TrimSpace(string(data))
		}
	}
	if charset == "" {
		return nil, nil
	}
	if isDigits(charset) {
		charset = "windows-" + charset
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "district: unsupported charset %q", charset)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc.NewDecoder(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// shapePolygons splits shapefile parts into polygons. Clockwise rings start
// a new polygon; counter-clockwise rings are holes of the preceding one.
func shapePolygons(p *shp.Polygon) []*geom.Polygon {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	var out []*geom.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || end-start < 4 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)

		if signedArea(flat) > 0 && len(out) > 0 {
			if err := out[len(out)-1].Push(ring); err != nil {
				zap.L().Debug("district: skipping malformed hole", zap.Int32("part", i), zap.Error(err))
			}
			continue
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("district: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		out = append(out, poly)
	}
	return out
}

// signedArea is the shoelace area of a flat XY ring: positive for
// counter-clockwise rings.
func signedArea(flat []float64) float64 {
	var sum float64
	n := len(flat) / 2
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += flat[2*i]*flat[2*j+1] - flat[2*j]*flat[2*i+1]
	}
	return sum / 2
}

// readZIP extracts an archive to a temporary directory and loads the first
// shapefile in it.
func readZIP(zipPath string, opts Options) (*Layer, error) {
	dir, err := os.MkdirTemp("", "agroscope-district-*")
	if err != nil {
		return nil, eris.Wrap(err, "district: create temp dir")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := extractZIP(zipPath, dir); err != nil {
		return nil, eris.Wrap(err, "district: extract zip")
	}
	shpPath, err := findFileByExt(dir, ".shp")
	if err != nil {
		return nil, eris.Wrap(err, "district: find .shp file")
	}
	return ReadShapefile(shpPath, opts)
}

func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath := filepath.Join(destDir, filepath.Base(f.Name))

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}
		out, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}
		_, err = io.Copy(out, rc)
		_ = out.Close()
		_ = rc.Close()
		if err != nil {
			return eris.Wrapf(err, "extract %s", f.Name)
		}
	}
	return nil
}

func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
