package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

// writeSquare writes a GeoJSON feature of size degrees at 76.5E 12.9N.
func writeSquare(t *testing.T, dir, name string, size float64) string {
	t.Helper()
	x0, y0 := 76.5, 12.9
	x1, y1 := x0+size, y0+size
	body := `{"type":"Feature","id":"` + name + `","properties":{},"geometry":{"type":"Polygon","coordinates":[[` +
		coord(x0, y0) + `,` + coord(x1, y0) + `,` + coord(x1, y1) + `,` + coord(x0, y1) + `,` + coord(x0, y0) + `]]}}`
	path := filepath.Join(dir, name+".geojson")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func coord(x, y float64) string {
	return "[" + strconv.FormatFloat(x, 'f', -1, 64) + "," + strconv.FormatFloat(y, 'f', -1, 64) + "]"
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &syncBuffer{}
	errOut := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"area", "classify", "analyze", "serve", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "agroscope", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAnalyzeCommand_Flags(t *testing.T) {
	for _, name := range []string{"aoi", "start", "end", "out", "skip-check"} {
		assert.NotNil(t, analyzeCmd.Flags().Lookup(name), "analyze should have --%s flag", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestClassifyCommand_Flags(t *testing.T) {
	flag := classifyCmd.Flags().Lookup("zoom")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, classifyCmd.Flags().Lookup("aoi"))
}

func TestConfigCommand_PrintsYAML(t *testing.T) {
	chdirTemp(t)
	t.Setenv("AGROSCOPE_AOI_MAX_AREA_KM2", "35")

	out, _, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "max_area_km2: 35")
	assert.Contains(t, out, "range_months: 6")
	assert.Contains(t, out, "progress_url: wss://backend.agroscope.site/ws/progress")
}

func TestAreaCommand(t *testing.T) {
	dir := chdirTemp(t)
	small := writeSquare(t, dir, "small", 0.02)
	large := writeSquare(t, dir, "large", 0.1)

	out, _, err := execute(t, "area", "--aoi", small)
	require.NoError(t, err)
	assert.Contains(t, out, "AREA_KM2")
	assert.Contains(t, out, "small")
	assert.Contains(t, out, "ok")

	out, _, err = execute(t, "area", "--aoi", large)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceed the maximum limit of 20 km²")
	assert.Contains(t, out, "exceeds 20 km²")
}

func TestAnalyzeCommand_EndToEnd(t *testing.T) {
	dir := chdirTemp(t)
	aoiPath := writeSquare(t, dir, "field", 0.02)
	outDir := filepath.Join(dir, "out")

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress","startProgress":10,"endProgress":60,"message":"Fetching Sentinel data..."}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	var gotBody string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		_, _ = w.Write([]byte(`{"output":{"map":{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"prediction":1},"geometry":{"type":"Point","coordinates":[76.51,12.91]}},
			{"type":"Feature","properties":{"prediction":0},"geometry":{"type":"Point","coordinates":[76.515,12.915]}}
		]},"metrics":{"ragiCoverage":61.5,"nonRagiCoverage":"30.25%"}},"results":{"s1":{"vv":[1,2]}}}`))
	}))
	defer api.Close()

	t.Setenv("AGROSCOPE_ANALYSIS_BASE_URL", api.URL)
	t.Setenv("AGROSCOPE_ANALYSIS_PROGRESS_URL", "ws"+strings.TrimPrefix(ws.URL, "http"))
	t.Setenv("AGROSCOPE_ANALYSIS_SETTLE_MS", "1")
	t.Setenv("AGROSCOPE_PROGRESS_DURATION_MS", "10")
	t.Setenv("AGROSCOPE_PROGRESS_FRAME_MS", "1")
	t.Setenv("AGROSCOPE_LOG_LEVEL", "error")

	out, errOut, err := execute(t, "analyze", "--aoi", aoiPath, "--start", "2023-01", "--end", "2023-07", "--out", outDir, "--skip-check")
	require.NoError(t, err, errOut)

	assert.Contains(t, gotBody, `"startDate":"2023-01-01"`)
	assert.Contains(t, gotBody, `"endDate":"2023-07-31"`)
	assert.Contains(t, gotBody, `"flag":true`)

	assert.Contains(t, out, "Ragi:            61.50%")
	assert.Contains(t, out, "Non-ragi:        30.25%")
	assert.Contains(t, out, "Overlay points:  2 (1 ragi, 1 other)")
	assert.Contains(t, errOut, "100% Rendering Results...\n")
	assert.NotContains(t, errOut, "Ready for next request.")
	assert.Contains(t, errOut, "Error Downloading Sentinel 2 Data")

	data, err := os.ReadFile(filepath.Join(outDir, "sentinel_1_data.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"vv\": [\n    1,\n    2\n  ]\n}", string(data))
	assert.FileExists(t, filepath.Join(outDir, "prediction_map.geojson"))
	assert.NoFileExists(t, filepath.Join(outDir, "sentinel_2_data.json"))
}

func TestAnalyzeCommand_MissingDates(t *testing.T) {
	dir := chdirTemp(t)
	aoiPath := writeSquare(t, dir, "field", 0.02)

	_, _, err := execute(t, "analyze", "--aoi", aoiPath, "--start", "", "--end", "", "--skip-check", "--out", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Please select a date range to proceed")
}
