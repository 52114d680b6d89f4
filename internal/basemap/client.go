// Package basemap fetches slippy-map raster tiles from an upstream tile
// server, with caching, rate limiting, retries and a circuit breaker, and
// proxies them over HTTP.
package basemap

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG tile decoder
	_ "image/png"  // register PNG tile decoder
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // register WebP tile decoder
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sells-group/agroscope-cli/internal/config"
	"github.com/sells-group/agroscope-cli/internal/resilience"
)

// Recorder observes tile lookups. outcome is "hit", "miss" or "error".
type Recorder interface {
	ObserveTileFetch(outcome string, d time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for upstream requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache sets the tile cache. A nil cache disables caching.
func WithCache(cache *TileCache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithRateLimit limits upstream requests to perSec with the given burst.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
		}
	}
}

// WithRetry sets the retry policy for upstream requests.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithBreaker guards upstream requests with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRecorder reports tile lookups to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// Client retrieves basemap raster tiles.
type Client struct {
	baseURL   string
	format    string
	userAgent string
	http      *http.Client
	cache     *TileCache
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	recorder  Recorder
	flight    singleflight.Group
}

// NewClient creates a tile client. baseURL is either a plain prefix, to which
// "/{z}/{x}/{y}.{format}" is appended, or a template containing {z}, {x} and
// {y} placeholders.
func NewClient(baseURL, format string, opts ...Option) *Client {
	if format == "" {
		format = "png"
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		format:    format,
		userAgent: "agroscope-cli/1.0",
		http:      &http.Client{Timeout: 30 * time.Second},
		retry:     resilience.RetryConfig{MaxAttempts: 1},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFromConfig builds a client with the cache, limiter, retry and breaker
// described by cfg. Extra options are applied last.
func NewFromConfig(cfg config.BasemapConfig, opts ...Option) *Client {
	retry, breakerCfg := resilience.FromBasemapConfig(cfg)
	retry.OnRetry = resilience.RetryLogger("basemap", "fetch_tile")
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("basemap: circuit breaker state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	base := []Option{
		WithRetry(retry),
		WithBreaker(resilience.NewCircuitBreaker(breakerCfg)),
		WithRateLimit(cfg.RatePerSec, int(cfg.RatePerSec)),
	}
	if cfg.CacheSize > 0 {
		base = append(base, WithCache(NewTileCache(cfg.CacheSize, time.Duration(cfg.CacheTTLMins)*time.Minute)))
	}
	if cfg.UserAgent != "" {
		base = append(base, WithUserAgent(cfg.UserAgent))
	}
	return NewClient(cfg.URL, cfg.Format, append(base, opts...)...)
}

// Cache returns the client's tile cache, or nil.
func (c *Client) Cache() *TileCache { return c.cache }

// TileURL returns the upstream URL for a tile.
func (c *Client) TileURL(z, x, y int) string {
	if strings.Contains(c.baseURL, "{z}") {
		return strings.NewReplacer(
			"{z}", strconv.Itoa(z),
			"{x}", strconv.Itoa(x),
			"{y}", strconv.Itoa(y),
		).Replace(c.baseURL)
	}
	return fmt.Sprintf("%s/%d/%d/%d.%s", c.baseURL, z, x, y, c.format)
}

// Fetch retrieves an encoded tile from the cache or the upstream server.
// Concurrent fetches of the same tile share one upstream request. The shared
// request is detached from any single caller's cancellation; each caller
// stops waiting when its own ctx is done.
func (c *Client) Fetch(ctx context.Context, z, x, y int) ([]byte, string, error) {
	if err := validTile(z, x, y); err != nil {
		return nil, "", err
	}
	key := TileKey{Z: z, X: x, Y: y}

	if c.cache != nil {
		if cached := c.cache.Get(key); cached != nil {
			c.observe("hit", 0)
			return cached, c.ContentType(), nil
		}
	}

	start := time.Now()
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(c.TileURL(z, x, y), func() (interface{}, error) {
		return c.fetchUpstream(shared, key)
	})

	select {
	case <-ctx.Done():
		c.observe("error", time.Since(start))
		return nil, "", eris.Wrapf(ctx.Err(), "basemap: fetch tile %d/%d/%d", z, x, y)
	case res := <-ch:
		if res.Err != nil {
			c.observe("error", time.Since(start))
			return nil, "", res.Err
		}
		c.observe("miss", time.Since(start))
		return res.Val.([]byte), c.ContentType(), nil
	}
}

// Image fetches a tile and decodes it. PNG, JPEG and WebP are supported.
func (c *Client) Image(ctx context.Context, z, x, y int) (image.Image, error) {
	data, _, err := c.Fetch(ctx, z, x, y)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "basemap: decode tile %d/%d/%d", z, x, y)
	}
	return img, nil
}

func (c *Client) fetchUpstream(ctx context.Context, key TileKey) ([]byte, error) {
	get := func(ctx context.Context) ([]byte, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.get(ctx, key)
		})
	}

	var (
		data []byte
		err  error
	)
	if c.breaker != nil {
		data, err = resilience.ExecuteVal(ctx, c.breaker, get)
	} else {
		data, err = get(ctx)
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(key, data)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, key TileKey) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "basemap: rate limit wait")
		}
	}

	url := c.TileURL(key.Z, key.X, key.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "basemap: create tile request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "basemap: fetch tile")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("basemap: upstream returned %d for %s", resp.StatusCode, url)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "basemap: read tile body")
	}

	zap.L().Debug("basemap: fetched tile", zap.String("url", url), zap.Int("bytes", len(data)))
	return data, nil
}

// ContentType returns the MIME type for the tile format.
func (c *Client) ContentType() string {
	switch c.format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func (c *Client) observe(outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveTileFetch(outcome, d)
	}
}

func validTile(z, x, y int) error {
	if z < 0 || z > 30 {
		return eris.Errorf("basemap: zoom %d out of range", z)
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return eris.Errorf("basemap: tile %d/%d/%d out of range", z, x, y)
	}
	return nil
}
