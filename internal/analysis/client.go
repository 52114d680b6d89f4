package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/aoi"
)

// DefaultEndpoint is the analysis endpoint path under the base URL.
const DefaultEndpoint = "/fetch-indices/"

// Request is one analysis submission.
type Request struct {
	ID    string
	AOI   *aoi.AOI
	Range DateRange
	// Flag is the land-cover flag: false when the advisory check found
	// non-vegetation pixels inside the AOI.
	Flag bool
}

type requestBody struct {
	GeoJSON   *aoi.AOI `json:"geojson"`
	Flag      bool     `json:"flag"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
}

// Response is the analysis service reply.
type Response struct {
	Output struct {
		Map     json.RawMessage `json:"map"`
		Metrics Coverage        `json:"metrics"`
	} `json:"output"`
	Results struct {
		S1 json.RawMessage `json:"s1"`
		S2 json.RawMessage `json:"s2"`
	} `json:"results"`
}

// Client issues analysis requests.
type Client interface {
	// FetchIndices submits the AOI and date range and waits for the result.
	FetchIndices(ctx context.Context, req Request) (*Response, error)
}

// ClientOption configures the analysis client.
type ClientOption func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithEndpoint overrides the endpoint path.
func WithEndpoint(path string) ClientOption {
	return func(c *httpClient) {
		if path != "" {
			c.endpoint = path
		}
	}
}

type httpClient struct {
	baseURL  string
	endpoint string
	http     *http.Client
}

// NewClient creates an analysis Client for the service at baseURL. Requests
// carry no client-side timeout; bound them with the context.
func NewClient(baseURL string, opts ...ClientOption) Client {
	c := &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: DefaultEndpoint,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchIndices posts the request and decodes the reply. Every failure is a
// *RequestError.
func (c *httpClient) FetchIndices(ctx context.Context, req Request) (*Response, error) {
	if req.AOI == nil {
		return nil, ErrNoAOI
	}

	body, err := json.Marshal(requestBody{
		GeoJSON:   req.AOI,
		Flag:      req.Flag,
		StartDate: req.Range.StartDate(),
		EndDate:   req.Range.EndDate(),
	})
	if err != nil {
		return nil, &RequestError{Message: "Failed to encode request", Err: eris.Wrap(err, "analysis: encode request")}
	}

	url := c.baseURL + "/" + strings.TrimLeft(c.endpoint, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: eris.Wrap(err, "analysis: create request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &RequestError{Message: "Request cancelled", Err: eris.Wrap(ctx.Err(), "analysis: fetch indices")}
		}
		return nil, &RequestError{Message: "Network Error", Err: eris.Wrap(err, "analysis: fetch indices")}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: eris.Wrap(err, "analysis: read response")}
	}

	zap.L().Debug("analysis: fetch indices response",
		zap.String("request_id", req.ID),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    serverMessage(data),
			Err:        eris.Errorf("analysis: service returned %d", resp.StatusCode),
		}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    "Invalid response from analysis service",
			Err:        eris.Wrap(err, "analysis: decode response"),
		}
	}
	return &out, nil
}

// serverMessage extracts an error message from a JSON error body.
func serverMessage(data []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	for _, k := range []string{"message", "detail", "error"} {
		var s string
		if raw, ok := body[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}
