package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Export file names.
const (
	Sentinel1File     = "sentinel_1_data.json"
	Sentinel2File     = "sentinel_2_data.json"
	PredictionMapFile = "prediction_map.geojson"
)

// Coverage holds the two coverage percentages. They need not sum to 100.
type Coverage struct {
	Ragi    float64 `json:"ragiCoverage"`
	NonRagi float64 `json:"nonRagiCoverage"`
}

// UnmarshalJSON accepts camelCase or snake_case keys, with numbers or
// numeric strings as values.
func (c *Coverage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "analysis: decode metrics")
	}

	var err error
	if c.Ragi, err = pickFloat(raw, "ragiCoverage", "ragi_coverage"); err != nil {
		return err
	}
	if c.NonRagi, err = pickFloat(raw, "nonRagiCoverage", "non_ragi_coverage"); err != nil {
		return err
	}
	return nil
}

func pickFloat(raw map[string]json.RawMessage, keys ...string) (float64, error) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || string(v) == "null" {
			continue
		}

		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			return f, nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, eris.Errorf("analysis: metric %s is neither number nor string", k)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%")), 64)
		if err != nil {
			return 0, eris.Wrapf(err, "analysis: parse metric %s", k)
		}
		return f, nil
	}
	return 0, nil
}

// Feature is one classified point of the overlay.
type Feature struct {
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Prediction int     `json:"prediction"`
}

// Colour returns the overlay colour: green for positive predictions, red
// otherwise.
func (f Feature) Colour() string {
	if f.Prediction == 1 {
		return "green"
	}
	return "red"
}

// ParseOverlay decodes the prediction map, a point FeatureCollection with a
// numeric "prediction" property. Non-point features are skipped.
func ParseOverlay(data json.RawMessage) ([]Feature, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(data); err != nil {
		return nil, eris.Wrap(err, "analysis: decode prediction map")
	}

	out := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(*geom.Point)
		if !ok {
			continue
		}
		out = append(out, Feature{
			Lon:        pt.X(),
			Lat:        pt.Y(),
			Prediction: predictionOf(f.Properties["prediction"]),
		})
	}
	return out, nil
}

func predictionOf(v interface{}) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

// Result is a completed analysis.
type Result struct {
	AreaKm2   float64   `json:"area_km2"`
	DateLabel string    `json:"date_label"`
	Coverage  Coverage  `json:"coverage"`
	Overlay   []Feature `json:"overlay"`

	PredictionMap json.RawMessage `json:"-"`
	S1            json.RawMessage `json:"-"`
	S2            json.RawMessage `json:"-"`
}

// Dataset selects a raw payload for export.
type Dataset string

const (
	DatasetS1 Dataset = "s1"
	DatasetS2 Dataset = "s2"
)

// MissingPayloadError reports an export of a payload the service did not
// return.
type MissingPayloadError struct {
	Dataset Dataset
}

func (e *MissingPayloadError) Error() string {
	if e.Dataset == DatasetS2 {
		return "Error Downloading Sentinel 2 Data"
	}
	return "Error Downloading Sentinel 1 Data"
}

// Export returns the payload for ds pretty-printed with a two-space indent,
// and its download file name.
func (r *Result) Export(ds Dataset) ([]byte, string, error) {
	if r == nil {
		return nil, "", &MissingPayloadError{Dataset: ds}
	}

	var raw json.RawMessage
	var name string
	switch ds {
	case DatasetS1:
		raw, name = r.S1, Sentinel1File
	case DatasetS2:
		raw, name = r.S2, Sentinel2File
	default:
		return nil, "", eris.Errorf("analysis: unknown dataset %q", ds)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, "", &MissingPayloadError{Dataset: ds}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, "", eris.Wrapf(err, "analysis: format %s payload", ds)
	}
	return buf.Bytes(), name, nil
}

// WriteExports writes both payloads and the prediction map into dir. Missing
// payloads are skipped and reported in the returned error.
func (r *Result) WriteExports(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "analysis: create %s", dir)
	}

	var written []string
	var missing []string
	for _, ds := range []Dataset{DatasetS1, DatasetS2} {
		data, name, err := r.Export(ds)
		if err != nil {
			var np *MissingPayloadError
			if errors.As(err, &np) {
				missing = append(missing, np.Error())
				continue
			}
			return written, err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, eris.Wrapf(err, "analysis: write %s", path)
		}
		written = append(written, path)
	}

	if len(r.PredictionMap) > 0 && string(r.PredictionMap) != "null" {
		path := filepath.Join(dir, PredictionMapFile)
		if err := os.WriteFile(path, r.PredictionMap, 0o644); err != nil {
			return written, eris.Wrapf(err, "analysis: write %s", path)
		}
		written = append(written, path)
	}

	if len(missing) > 0 {
		return written, eris.New(strings.Join(missing, "; "))
	}
	return written, nil
}
