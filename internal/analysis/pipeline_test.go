package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/agroscope-cli/internal/aoi"
	"github.com/sells-group/agroscope-cli/internal/notify"
	"github.com/sells-group/agroscope-cli/internal/progress"
)

const predictionMap = `{"type":"FeatureCollection","features":[
 {"type":"Feature","geometry":{"type":"Point","coordinates":[76.51,12.91]},"properties":{"prediction":1}},
 {"type":"Feature","geometry":{"type":"Point","coordinates":[76.52,12.92]},"properties":{"prediction":0}}
]}`

func successBody() string {
	return `{"output":{"map":` + predictionMap + `,"metrics":{"ragi_coverage":61.5,"non_ragi_coverage":"30.25%"}},` +
		`"results":{"s1":{"vv":[1,2]},"s2":{"ndvi":[0.4]}}}`
}

func testAOI(t *testing.T) *aoi.AOI {
	t.Helper()
	p := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{76.5, 12.9}, {76.53, 12.9}, {76.53, 12.93}, {76.5, 12.93}, {76.5, 12.9},
	}})
	a, err := aoi.New("shape-1", p)
	require.NoError(t, err)
	return a
}

// notes records every notification.
type notes struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notes) Notify(x notify.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	return true
}

func (n *notes) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.got))
	for _, x := range n.got {
		out = append(out, x.Message)
	}
	return out
}

// progressServer runs script on each websocket connection, then reads until
// the client goes away. closed fires once the client has closed.
func progressServer(t *testing.T, script func(*websocket.Conn)) (string, <-chan struct{}) {
	t.Helper()
	closed := make(chan struct{}, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if script != nil {
			script(conn)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- struct{}{}
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), closed
}

func sendProgress(conn *websocket.Conn, start, end float64, msg string) {
	_ = conn.WriteJSON(map[string]any{
		"type":          "progress",
		"startProgress": start,
		"endProgress":   end,
		"message":       msg,
	})
}

// analysisServer answers POSTs with status and body once gate is closed (or
// immediately when gate is nil). Bodies received are recorded.
type analysisServer struct {
	*httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []map[string]any
}

func newAnalysisServer(t *testing.T, status int, body string, gate <-chan struct{}) *analysisServer {
	t.Helper()
	as := &analysisServer{}
	as.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.hits.Add(1)
		var got map[string]any
		_ = json.NewDecoder(r.Body).Decode(&got)
		as.mu.Lock()
		as.bodies = append(as.bodies, got)
		as.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(as.Close)
	return as
}

func (as *analysisServer) lastBody() map[string]any {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.bodies) == 0 {
		return nil
	}
	return as.bodies[len(as.bodies)-1]
}

func fastAnimator(observers ...progress.Observer) *progress.Animator {
	return progress.NewAnimator(20*time.Millisecond, time.Millisecond, observers...)
}

func newTestPipeline(api string, wsURL string, n notify.Notifier, opts ...Option) *Pipeline {
	base := []Option{
		WithAnimator(fastAnimator()),
		WithSettle(10 * time.Millisecond),
		WithNotifier(n),
	}
	return New(NewClient(api), NewWebsocketDialer(wsURL), append(base, opts...)...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

var janToJul = DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 7}

func TestPipelineSubmitSuccess(t *testing.T) {
	wsURL, wsClosed := progressServer(t, func(c *websocket.Conn) {
		sendProgress(c, 10, 40, "Fetching Sentinel-1 data")
		sendProgress(c, 40, 80, "Running model")
	})
	api := newAnalysisServer(t, http.StatusOK, successBody(), nil)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul, Flag: true})
	require.NoError(t, err)
	waitClosed(t, done)

	st := p.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.False(t, st.Busy)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.Warning)
	assert.Equal(t, LabelReady, st.Progress.Label)
	assert.Equal(t, 0, st.Progress.Percent)

	res := p.Result()
	require.NotNil(t, res)
	assert.InDelta(t, 61.5, res.Coverage.Ragi, 1e-9)
	assert.InDelta(t, 30.25, res.Coverage.NonRagi, 1e-9)
	assert.Equal(t, "2023-01-01 to 2023-07-31", res.DateLabel)
	assert.Greater(t, res.AreaKm2, 0.0)
	require.Len(t, res.Overlay, 2)
	assert.Equal(t, "green", res.Overlay[0].Colour())
	assert.Equal(t, "red", res.Overlay[1].Colour())

	body := api.lastBody()
	require.NotNil(t, body)
	assert.Equal(t, true, body["flag"])
	assert.Equal(t, "2023-01-01", body["startDate"])
	assert.Equal(t, "2023-07-31", body["endDate"])
	geo, ok := body["geojson"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Feature", geo["type"])

	waitClosed(t, wsClosed)
	assert.Empty(t, n.messages())
}

func TestPipelineProgressNeverRegresses(t *testing.T) {
	var mu sync.Mutex
	var frames []progress.Frame
	record := func(f progress.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}

	wsURL, _ := progressServer(t, func(c *websocket.Conn) {
		sendProgress(c, 10, 50, "Fetching")
		sendProgress(c, 20, 30, "Late checkpoint")
		sendProgress(c, 50, 85, "Classifying")
	})
	api := newAnalysisServer(t, http.StatusOK, successBody(), nil)

	p := newTestPipeline(api.URL, wsURL, &notes{}, WithAnimator(fastAnimator(record)))
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(frames), 3)

	last := frames[len(frames)-1]
	assert.Equal(t, LabelReady, last.Label)
	assert.Equal(t, 0, last.Percent)

	run := frames[:len(frames)-1]
	assert.Equal(t, 100, run[len(run)-1].Percent)
	assert.Equal(t, LabelRendering, run[len(run)-1].Label)
	for i := 1; i < len(run); i++ {
		assert.GreaterOrEqual(t, run[i].Value, run[i-1].Value, "frame %d regressed", i)
	}
}

func TestPipelineDerivedRangeWarning(t *testing.T) {
	wsURL, _ := progressServer(t, nil)
	api := newAnalysisServer(t, http.StatusOK, successBody(), nil)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)
	dates := DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 6}
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: dates})
	require.NoError(t, err)

	assert.Equal(t, "The selected date range is invalid. Please select a range of 6 Months", p.Status().Warning)
	waitClosed(t, done)

	assert.Equal(t, StateCompleted, p.Status().State)
	assert.Contains(t, n.messages(), "The selected date range is invalid. Please select a range of 6 Months")

	body := api.lastBody()
	require.NotNil(t, body)
	assert.Equal(t, "2023-01-01", body["startDate"])
	assert.Equal(t, "2023-07-31", body["endDate"])
}

func TestPipelineChannelErrorTakesPrecedence(t *testing.T) {
	wsURL, wsClosed := progressServer(t, func(c *websocket.Conn) {
		sendProgress(c, 10, 20, "Fetching")
		_ = c.WriteJSON(map[string]any{"type": "error", "message": "Sentinel-2 imagery unavailable"})
	})
	gate := make(chan struct{})
	defer close(gate)
	api := newAnalysisServer(t, http.StatusOK, successBody(), gate)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	st := p.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "Sentinel-2 imagery unavailable", st.Error)
	assert.Nil(t, st.Result)
	assert.Nil(t, p.Result())
	assert.False(t, st.Busy)

	var ce *ChannelError
	require.ErrorAs(t, p.Err(), &ce)
	assert.Equal(t, []string{"Sentinel-2 imagery unavailable"}, n.messages())

	waitClosed(t, wsClosed)
}

func TestPipelineChannelErrorWithoutMessage(t *testing.T) {
	wsURL, _ := progressServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]any{"type": "error"})
	})
	gate := make(chan struct{})
	defer close(gate)
	api := newAnalysisServer(t, http.StatusOK, successBody(), gate)

	p := newTestPipeline(api.URL, wsURL, &notes{})
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	assert.Equal(t, "WebSocket communication error", p.Status().Error)
}

func TestPipelineRequestError(t *testing.T) {
	wsURL, wsClosed := progressServer(t, nil)
	api := newAnalysisServer(t, http.StatusInternalServerError, `{"detail":"Earth Engine quota exceeded"}`, nil)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	st := p.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "Earth Engine quota exceeded", st.Error)

	var re *RequestError
	require.ErrorAs(t, p.Err(), &re)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	assert.Equal(t, []string{"Earth Engine quota exceeded"}, n.messages())

	waitClosed(t, wsClosed)
}

func TestPipelineDialFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	api := newAnalysisServer(t, http.StatusOK, successBody(), nil)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	assert.Equal(t, StateFailed, p.Status().State)
	assert.Equal(t, "WebSocket connection failed", p.Status().Error)
	assert.Equal(t, int32(0), api.hits.Load())
}

func TestPipelineSingleFlight(t *testing.T) {
	wsURL, _ := progressServer(t, nil)
	gate := make(chan struct{})
	api := newAnalysisServer(t, http.StatusOK, successBody(), gate)

	p := newTestPipeline(api.URL, wsURL, &notes{})
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	assert.True(t, p.Busy())

	second, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Nil(t, second)

	close(gate)
	waitClosed(t, done)
	assert.False(t, p.Busy())
	assert.Equal(t, int32(1), api.hits.Load())

	third, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, third)
	assert.Equal(t, int32(2), api.hits.Load())
}

func TestPipelinePreconditions(t *testing.T) {
	wsURL, _ := progressServer(t, nil)
	api := newAnalysisServer(t, http.StatusOK, successBody(), nil)
	n := &notes{}
	p := newTestPipeline(api.URL, wsURL, n)

	_, err := p.Submit(context.Background(), Submission{Dates: janToJul})
	assert.ErrorIs(t, err, ErrNoAOI)

	_, err = p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: DateInput{StartYear: 2023, StartMonth: 1}})
	assert.ErrorIs(t, err, ErrNoDateRange)

	assert.Equal(t, []string{
		"Please select an AOI (Area of Interest) on the map to proceed",
		"Please select a date range to proceed",
	}, n.messages())
	assert.Equal(t, StateIdle, p.Status().State)
	assert.False(t, p.Busy())
	assert.Equal(t, int32(0), api.hits.Load())
}

func TestPipelineResetAbandonsRun(t *testing.T) {
	wsURL, wsClosed := progressServer(t, nil)
	gate := make(chan struct{})
	defer close(gate)
	api := newAnalysisServer(t, http.StatusOK, successBody(), gate)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n, WithSettle(time.Minute))
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return api.hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	p.Reset()
	waitClosed(t, done)

	st := p.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Busy)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.Result)
	assert.Empty(t, n.messages())
	waitClosed(t, wsClosed)
}

func TestPipelineRequestTimeout(t *testing.T) {
	wsURL, _ := progressServer(t, nil)
	gate := make(chan struct{})
	defer close(gate)
	api := newAnalysisServer(t, http.StatusOK, successBody(), gate)

	p := newTestPipeline(api.URL, wsURL, &notes{}, WithTimeout(50*time.Millisecond))
	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	assert.Equal(t, StateFailed, p.Status().State)
	var re *RequestError
	assert.ErrorAs(t, p.Err(), &re)
}

func TestPipelineExport(t *testing.T) {
	wsURL, _ := progressServer(t, nil)
	api := newAnalysisServer(t, http.StatusOK,
		`{"output":{"map":null,"metrics":{"ragiCoverage":1,"nonRagiCoverage":2}},"results":{"s1":{"a":1}}}`, nil)
	n := &notes{}

	p := newTestPipeline(api.URL, wsURL, n)

	_, _, err := p.Export(DatasetS1)
	var mp *MissingPayloadError
	require.ErrorAs(t, err, &mp)

	done, err := p.Submit(context.Background(), Submission{AOI: testAOI(t), Dates: janToJul})
	require.NoError(t, err)
	waitClosed(t, done)

	data, name, err := p.Export(DatasetS1)
	require.NoError(t, err)
	assert.Equal(t, Sentinel1File, name)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(data))

	_, _, err = p.Export(DatasetS2)
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, []string{"Error Downloading Sentinel 1 Data", "Error Downloading Sentinel 2 Data"}, n.messages())
}
