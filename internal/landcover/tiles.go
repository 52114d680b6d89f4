package landcover

import "math"

// TileSize is the edge length of a slippy-map tile in pixels.
const TileSize = 256

// maxLat is the latitude limit of the Web Mercator projection.
const maxLat = 85.05112878

// TileXY converts a lon/lat coordinate to fractional tile coordinates at zoom z.
func TileXY(lon, lat float64, z int) (x, y float64) {
	lat = math.Max(-maxLat, math.Min(maxLat, lat))
	n := math.Exp2(float64(z))
	latRad := lat * math.Pi / 180

	x = (lon + 180) / 360 * n
	y = (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return x, y
}

// PixelLonLat back-projects the pixel (px, py) of tile (tx, ty) at zoom z to
// a lon/lat coordinate. Pixel coordinates are in the 256-pixel tile space.
func PixelLonLat(tx, ty int, px, py float64, z int) (lon, lat float64) {
	world := TileSize * math.Exp2(float64(z))
	gx := float64(tx)*TileSize + px
	gy := float64(ty)*TileSize + py

	lon = gx/world*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*gy/world))) * 180 / math.Pi
	return lon, lat
}

// TileRange is an inclusive rectangle of tile indices at one zoom level.
type TileRange struct {
	Z                      int
	MinX, MinY, MaxX, MaxY int
}

// RangeForBounds returns the tiles covering a lon/lat bounding box.
func RangeForBounds(west, south, east, north float64, z int) TileRange {
	x0, y0 := TileXY(west, north, z)
	x1, y1 := TileXY(east, south, z)

	last := int(math.Exp2(float64(z))) - 1
	return TileRange{
		Z:    z,
		MinX: clamp(int(math.Floor(x0)), 0, last),
		MinY: clamp(int(math.Floor(y0)), 0, last),
		MaxX: clamp(int(math.Floor(x1)), 0, last),
		MaxY: clamp(int(math.Floor(y1)), 0, last),
	}
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Each calls fn for every tile, column by column. Iteration stops when fn
// returns false.
func (r TileRange) Each(fn func(x, y int) bool) {
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			if !fn(x, y) {
				return
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
