// Package landcover implements the advisory land-cover check: it scans the
// basemap tiles under an AOI and reports whether every pixel inside the
// polygon looks like uniform vegetation.
package landcover

import (
	"context"
	"image"
	"image/color"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/aoi"
)

// DefaultZoom is the zoom level scanned when none is given.
const DefaultZoom = 10

// TileSource provides decoded basemap tiles.
type TileSource interface {
	Image(ctx context.Context, z, x, y int) (image.Image, error)
}

// Recorder observes completed checks.
type Recorder interface {
	ObserveClassification(verdict string, d time.Duration)
}

// RGB is an 8-bit colour triple.
type RGB struct {
	R, G, B uint8
}

// IsVegetation reports whether a pixel reads as green land cover: green
// dominates both other channels, is brighter than 80, and red and blue are
// within 50 of each other.
func IsVegetation(c RGB) bool {
	r, g, b := int(c.R), int(c.G), int(c.B)
	diff := r - b
	if diff < 0 {
		diff = -diff
	}
	return g > r && g > b && g > 80 && diff < 50
}

// Sample is one pixel tested during a scan.
type Sample struct {
	TileX  int     `json:"tile_x"`
	TileY  int     `json:"tile_y"`
	PixelX int     `json:"pixel_x"`
	PixelY int     `json:"pixel_y"`
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Color  RGB     `json:"rgb"`
}

// Result is the outcome of one scan.
type Result struct {
	// Uniform is false only when a pixel inside the AOI failed the
	// vegetation test. Skipped tiles never make it false.
	Uniform      bool    `json:"uniform"`
	Zoom         int     `json:"zoom"`
	Tiles        int     `json:"tiles"`
	TilesScanned int     `json:"tiles_scanned"`
	TilesSkipped int     `json:"tiles_skipped"`
	PixelsTested int     `json:"pixels_tested"`
	FirstFailure *Sample `json:"first_failure,omitempty"`
}

// Complete reports whether every tile was scanned.
func (r Result) Complete() bool {
	return r.TilesSkipped == 0
}

// Verdict returns a label for the result.
func (r Result) Verdict() string {
	switch {
	case !r.Uniform:
		return "mixed"
	case !r.Complete():
		return "partial"
	default:
		return "uniform"
	}
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRecorder reports completed checks to r.
func WithRecorder(r Recorder) Option {
	return func(c *Classifier) { c.recorder = r }
}

// Classifier scans basemap tiles under an AOI.
type Classifier struct {
	source   TileSource
	recorder Recorder
	log      *zap.Logger
}

// NewClassifier creates a classifier reading tiles from source.
func NewClassifier(source TileSource, opts ...Option) *Classifier {
	c := &Classifier{
		source: source,
		log:    zap.L().With(zap.String("component", "landcover")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify scans every tile covering the AOI's bounding box at zoom. The
// first in-polygon pixel that fails IsVegetation ends the scan with a
// negative verdict. A tile that cannot be fetched or decoded is logged and
// skipped. The only error returned is the context's.
func (c *Classifier) Classify(ctx context.Context, area *aoi.AOI, zoom int) (Result, error) {
	if area == nil {
		return Result{}, eris.New("landcover: nil aoi")
	}
	if zoom <= 0 {
		zoom = DefaultZoom
	}

	start := time.Now()
	west, south, east, north := area.Bounds()
	tiles := RangeForBounds(west, south, east, north, zoom)
	res := Result{Uniform: true, Zoom: zoom, Tiles: tiles.Count()}

	var ctxErr error
	tiles.Each(func(x, y int) bool {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			return false
		}

		img, err := c.source.Image(ctx, zoom, x, y)
		if err != nil {
			if ctx.Err() != nil {
				ctxErr = ctx.Err()
				return false
			}
			c.log.Warn("landcover: skipping tile",
				zap.Int("z", zoom), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
			res.TilesSkipped++
			return true
		}

		res.TilesScanned++
		if fail := c.scanTile(ctx, img, area, zoom, x, y, &res.PixelsTested); fail != nil {
			res.Uniform = false
			res.FirstFailure = fail
			c.log.Debug("landcover: non-vegetation pixel",
				zap.Int("tile_x", fail.TileX), zap.Int("tile_y", fail.TileY),
				zap.Int("pixel_x", fail.PixelX), zap.Int("pixel_y", fail.PixelY),
				zap.Uint8("r", fail.Color.R), zap.Uint8("g", fail.Color.G), zap.Uint8("b", fail.Color.B),
			)
			return false
		}
		if err := ctx.Err(); err != nil {
			ctxErr = err
			return false
		}
		return true
	})
	if ctxErr != nil {
		return res, eris.Wrap(ctxErr, "landcover: classify")
	}

	if res.Uniform {
		c.log.Info("landcover: all tiles analysed",
			zap.Int("tiles", res.Tiles),
			zap.Int("skipped", res.TilesSkipped),
			zap.Int("pixels", res.PixelsTested),
		)
	}
	if c.recorder != nil {
		c.recorder.ObserveClassification(res.Verdict(), time.Since(start))
	}
	return res, nil
}

// scanTile returns the first in-polygon pixel that fails the vegetation test.
// Tiles that are not 256 pixels wide are mapped onto the 256-pixel grid.
func (c *Classifier) scanTile(ctx context.Context, img image.Image, area *aoi.AOI, zoom, tx, ty int, tested *int) *Sample {
	b := img.Bounds()
	if b.Empty() {
		return nil
	}
	sx := float64(TileSize) / float64(b.Dx())
	sy := float64(TileSize) / float64(b.Dy())

	for py := b.Min.Y; py < b.Max.Y; py++ {
		if ctx.Err() != nil {
			return nil
		}
		for px := b.Min.X; px < b.Max.X; px++ {
			lon, lat := PixelLonLat(tx, ty, float64(px-b.Min.X)*sx, float64(py-b.Min.Y)*sy, zoom)
			if !area.Contains(lon, lat) {
				continue
			}
			*tested++

			n := color.NRGBAModel.Convert(img.At(px, py)).(color.NRGBA)
			rgb := RGB{R: n.R, G: n.G, B: n.B}
			if !IsVegetation(rgb) {
				return &Sample{
					TileX: tx, TileY: ty,
					PixelX: px - b.Min.X, PixelY: py - b.Min.Y,
					Lon: lon, Lat: lat,
					Color: rgb,
				}
			}
		}
	}
	return nil
}
