package landcover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTileXY(t *testing.T) {
	x, y := TileXY(0, 0, 1)
	assert.InDelta(t, 1.0, x, 1e-9)
	assert.InDelta(t, 1.0, y, 1e-9)

	x, y = TileXY(-180, 89, 2)
	assert.InDelta(t, 0.0, x, 1e-9)
	assert.InDelta(t, 0.0, y, 1e-6)
}

func TestPixelLonLat_InvertsTileXY(t *testing.T) {
	lon, lat := 76.53, 12.97
	x, y := TileXY(lon, lat, 12)

	tx, ty := int(x), int(y)
	px := (x - float64(tx)) * TileSize
	py := (y - float64(ty)) * TileSize

	gotLon, gotLat := PixelLonLat(tx, ty, px, py, 12)
	assert.InDelta(t, lon, gotLon, 1e-9)
	assert.InDelta(t, lat, gotLat, 1e-9)
}

func TestPixelLonLat_Origin(t *testing.T) {
	lon, lat := PixelLonLat(0, 0, 0, 0, 0)
	assert.InDelta(t, -180.0, lon, 1e-9)
	assert.InDelta(t, maxLat, lat, 1e-6)

	lon, lat = PixelLonLat(1, 1, 0, 0, 1)
	assert.InDelta(t, 0.0, lon, 1e-9)
	assert.InDelta(t, 0.0, lat, 1e-9)
}

func TestRangeForBounds(t *testing.T) {
	r := RangeForBounds(-1, -1, 1, 1, 1)
	assert.Equal(t, TileRange{Z: 1, MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, r)
	assert.Equal(t, 4, r.Count())

	small := RangeForBounds(76.50, 12.90, 76.51, 12.91, 10)
	assert.Equal(t, 1, small.Count())

	world := RangeForBounds(-180, -90, 180, 90, 2)
	assert.Equal(t, 0, world.MinX)
	assert.Equal(t, 3, world.MaxX)
	assert.Equal(t, 16, world.Count())
}

func TestTileRange_EachStopsEarly(t *testing.T) {
	r := TileRange{Z: 3, MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}

	var visited [][2]int
	r.Each(func(x, y int) bool {
		visited = append(visited, [2]int{x, y})
		return len(visited) < 4
	})
	assert.Equal(t, [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}}, visited)
	assert.Zero(t, TileRange{MinX: 2, MaxX: 1}.Count())
}
