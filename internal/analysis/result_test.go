package analysis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverageUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		ragi    float64
		nonRagi float64
	}{
		{"camel case", `{"ragiCoverage":55.5,"nonRagiCoverage":40}`, 55.5, 40},
		{"snake case", `{"ragi_coverage":12,"non_ragi_coverage":80.25}`, 12, 80.25},
		{"strings", `{"ragiCoverage":"33.3","nonRagiCoverage":"60 %"}`, 33.3, 60},
		{"camel wins", `{"ragiCoverage":1,"ragi_coverage":2}`, 1, 0},
		{"null falls through", `{"ragiCoverage":null,"ragi_coverage":7}`, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Coverage
			require.NoError(t, json.Unmarshal([]byte(tt.in), &c))
			assert.InDelta(t, tt.ragi, c.Ragi, 1e-9)
			assert.InDelta(t, tt.nonRagi, c.NonRagi, 1e-9)
		})
	}
}

func TestCoverageUnmarshalRejectsGarbage(t *testing.T) {
	var c Coverage
	assert.Error(t, json.Unmarshal([]byte(`{"ragiCoverage":"lots"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"ragiCoverage":[1]}`), &c))
}

func TestParseOverlay(t *testing.T) {
	raw := `{"type":"FeatureCollection","features":[
	 {"type":"Feature","geometry":{"type":"Point","coordinates":[76.5,12.9]},"properties":{"prediction":1}},
	 {"type":"Feature","geometry":{"type":"Point","coordinates":[76.6,13.0]},"properties":{"prediction":"0"}},
	 {"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{"prediction":1}}
	]}`
	out, err := ParseOverlay(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Feature{Lon: 76.5, Lat: 12.9, Prediction: 1}, out[0])
	assert.Equal(t, 0, out[1].Prediction)
	assert.Equal(t, "red", out[1].Colour())

	out, err = ParseOverlay(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = ParseOverlay(json.RawMessage(`{"type":"Nope"`))
	assert.Error(t, err)
}

func TestResultExport(t *testing.T) {
	r := &Result{S1: json.RawMessage(`{"vv":[1,2]}`)}

	data, name, err := r.Export(DatasetS1)
	require.NoError(t, err)
	assert.Equal(t, Sentinel1File, name)
	assert.Equal(t, "{\n  \"vv\": [\n    1,\n    2\n  ]\n}", string(data))

	_, _, err = r.Export(DatasetS2)
	var mp *MissingPayloadError
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, "Error Downloading Sentinel 2 Data", mp.Error())

	_, _, err = r.Export("s3")
	assert.Error(t, err)

	var nilResult *Result
	_, _, err = nilResult.Export(DatasetS1)
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, "Error Downloading Sentinel 1 Data", mp.Error())
}

func TestResultJSONOmitsPayloads(t *testing.T) {
	r := &Result{AreaKm2: 3.5, DateLabel: "x", S1: json.RawMessage(`{"big":true}`)}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "big")
	assert.Contains(t, string(data), `"area_km2":3.5`)
}

func TestWriteExports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	r := &Result{
		S1:            json.RawMessage(`{"a":1}`),
		S2:            json.RawMessage(`{"b":2}`),
		PredictionMap: json.RawMessage(predictionMap),
	}

	written, err := r.WriteExports(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, Sentinel1File),
		filepath.Join(dir, Sentinel2File),
		filepath.Join(dir, PredictionMapFile),
	}, written)

	data, err := os.ReadFile(filepath.Join(dir, Sentinel2File))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"b\": 2\n}", string(data))
}

func TestWriteExportsReportsMissing(t *testing.T) {
	dir := t.TempDir()
	r := &Result{S2: json.RawMessage(`[1]`)}

	written, err := r.WriteExports(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error Downloading Sentinel 1 Data")
	assert.Equal(t, []string{filepath.Join(dir, Sentinel2File)}, written)
}
