// Package geo holds the spherical Mercator math shared by the view state and
// the renderer. Everything here is pure: points in, points out.
//
// Geographic points use orb.Point in lon/lat order. The projected plane is the
// "world pixel" plane of the slippy-map convention: at zoom z the world is a
// square of tileSize*2^z pixels with (0,0) at the north-west corner. Zoom is
// real-valued; tile indices only exist at integer zooms.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the Web Mercator latitude limit, arctan(sinh(pi)).
const MaxLatitude = 85.0511

const earthCircumference = 40075016.686 // meters at the equator

// ClampLat limits a latitude to the range where the projection is defined.
func ClampLat(lat float64) float64 {
	if lat > MaxLatitude {
		return MaxLatitude
	}
	if lat < -MaxLatitude {
		return -MaxLatitude
	}
	return lat
}

// WorldXY projects a geographic point to world pixel coordinates at a
// fractional zoom level.
func WorldXY(ll orb.Point, zoom float64, tileSize int) (x, y float64) {
	scale := float64(tileSize) * math.Exp2(zoom)
	latRad := ClampLat(ll.Lat()) * math.Pi / 180
	x = scale * (ll.Lon() + 180) / 360
	y = scale * (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2
	return x, y
}

// GeoFromWorld is the inverse of WorldXY.
func GeoFromWorld(x, y, zoom float64, tileSize int) orb.Point {
	scale := float64(tileSize) * math.Exp2(zoom)
	lon := x/scale*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/scale)))
	return orb.Point{lon, latRad * 180 / math.Pi}
}

// TileFromWorld maps world pixel coordinates to an integer tile index plus the
// pixel offset inside that tile. The caller is responsible for wrapping or
// clamping indices that fall outside the pyramid.
func TileFromWorld(x, y float64, tileSize int) (tileX, tileY int, offX, offY float64) {
	tileX = int(math.Floor(x / float64(tileSize)))
	tileY = int(math.Floor(y / float64(tileSize)))
	offX = x - float64(tileX)*float64(tileSize)
	offY = y - float64(tileY)*float64(tileSize)
	return
}

// TileForGeo returns the tile containing a geographic point at an integer zoom.
func TileForGeo(ll orb.Point, z maptile.Zoom) maptile.Tile {
	ll[1] = ClampLat(ll.Lat())
	return maptile.At(ll, z)
}

// TileBound returns the geographic bounding box of a tile.
func TileBound(t maptile.Tile) orb.Bound {
	return t.Bound()
}

// GeoFromScreen converts a viewport pixel position to a geographic point given
// the view center, fractional zoom and viewport size. Used for cursor position
// display and click-to-coordinate.
func GeoFromScreen(center orb.Point, zoom float64, tileSize, viewW, viewH int, px, py float64) orb.Point {
	cx, cy := WorldXY(center, zoom, tileSize)
	wx := cx + px - float64(viewW)/2
	wy := cy + py - float64(viewH)/2
	return GeoFromWorld(wx, wy, zoom, tileSize)
}

// ScreenFromGeo is the inverse of GeoFromScreen.
func ScreenFromGeo(center orb.Point, zoom float64, tileSize, viewW, viewH int, ll orb.Point) (px, py float64) {
	cx, cy := WorldXY(center, zoom, tileSize)
	wx, wy := WorldXY(ll, zoom, tileSize)
	return wx - cx + float64(viewW)/2, wy - cy + float64(viewH)/2
}

// MetersPerPixel reports the ground resolution at a latitude and fractional
// zoom, for scale bar display.
func MetersPerPixel(lat, zoom float64, tileSize int) float64 {
	return earthCircumference * math.Cos(lat*math.Pi/180) / (math.Exp2(zoom) * float64(tileSize))
}
