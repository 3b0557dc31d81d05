// Package render turns the view state plus the tile store into a composed
// frame. It computes the visible tile rectangle, requests and touches tiles,
// paints what is Ready, and fills the rest with placeholders so the canvas
// never shows undefined pixels.
package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"tileview/internal/geo"
	"tileview/internal/source"
	"tileview/internal/store"
	"tileview/internal/view"
)

// placeholderFill matches the original viewer's blank-tile gray.
var placeholderFill = color.RGBA{41, 41, 41, 255}

// How many zoom levels up to search for a Ready ancestor to approximate a
// missing tile with.
const maxFallbackDepth = 5

// Placement describes where one tile landed on screen, for shells that want
// to paint themselves instead of using the composed image.
type Placement struct {
	Key      store.TileKey
	Rect     image.Rectangle
	State    store.State
	Img      image.Image // decoded pixels, nil unless Ready
	Fallback bool        // drawn from a scaled ancestor tile
}

// Frame is the output of one render pass.
type Frame struct {
	Image      *image.RGBA
	Placements []Placement
	Animating  bool
	Pending    int // visible tiles not yet Ready
}

// Renderer composes frames for a single tile source.
type Renderer struct {
	store    *store.Store
	view     *view.View
	src      *source.Source
	margin   int
	log      *zap.Logger
	onRedraw func()

	visible map[store.TileKey]struct{}
}

func New(st *store.Store, v *view.View, src *source.Source, prefetchMargin int, log *zap.Logger) *Renderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{
		store:   st,
		view:    v,
		src:     src,
		margin:  prefetchMargin,
		log:     log,
		visible: make(map[store.TileKey]struct{}),
	}
}

// OnRedraw registers the callback fired when a tile that is still on screen
// becomes Ready outside a render pass.
func (r *Renderer) OnRedraw(fn func()) {
	r.onRedraw = fn
}

// TileZoom returns the integer pyramid level used for the current fractional
// view zoom. Tile selection and visual scaling are deliberately separate
// concerns: the remainder only stretches pixels on screen.
func (r *Renderer) TileZoom() int {
	return r.src.ClampZoom(int(math.Round(r.view.Zoom())))
}

// Render produces one frame. It advances animations, refreshes the visible
// set, issues requests for missing tiles and applies completed loads.
func (r *Renderer) Render(now time.Time) Frame {
	animating := r.view.Tick(now)

	w, h := r.view.Viewport()
	frame := Frame{
		Image:     image.NewRGBA(image.Rect(0, 0, w, h)),
		Animating: animating,
	}
	draw.Draw(frame.Image, frame.Image.Bounds(), &image.Uniform{placeholderFill}, image.Point{}, draw.Src)
	if w == 0 || h == 0 {
		return frame
	}

	tileSize := r.src.TileSize
	tileZoom := r.TileZoom()
	scale := math.Exp2(r.view.Zoom() - float64(tileZoom))
	n := 1 << uint(tileZoom)

	cx, cy := geo.WorldXY(r.view.Center(), float64(tileZoom), tileSize)
	halfW := float64(w) / 2 / scale
	halfH := float64(h) / 2 / scale

	x0 := int(math.Floor((cx-halfW)/float64(tileSize))) - r.margin
	x1 := int(math.Floor((cx+halfW)/float64(tileSize))) + r.margin
	y0 := int(math.Floor((cy-halfH)/float64(tileSize))) - r.margin
	y1 := int(math.Floor((cy+halfH)/float64(tileSize))) + r.margin

	keys := make([]store.TileKey, 0, (x1-x0+1)*(y1-y0+1))
	seen := make(map[store.TileKey]struct{})

	for ty := y0; ty <= y1; ty++ {
		if ty < 0 || ty >= n {
			continue
		}
		for tx := x0; tx <= x1; tx++ {
			ix := tx
			if r.src.WrapX {
				ix = ((tx % n) + n) % n
			} else if tx < 0 || tx >= n {
				continue
			}

			key := store.TileKey{Source: r.src.ID, Z: uint32(tileZoom), X: uint32(ix), Y: uint32(ty)}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				keys = append(keys, key)
				r.store.Request(key, now)
				r.store.Touch(key, now)
			}

			// Screen rectangle uses the unwrapped column so world copies
			// beyond the antimeridian land in the right place.
			sx := (float64(tx*tileSize)-cx)*scale + float64(w)/2
			sy := (float64(ty*tileSize)-cy)*scale + float64(h)/2
			side := float64(tileSize) * scale
			rect := image.Rect(
				int(math.Floor(sx)), int(math.Floor(sy)),
				int(math.Floor(sx+side)), int(math.Floor(sy+side)),
			)
			if !rect.Overlaps(frame.Image.Bounds()) {
				continue
			}

			frame.Placements = append(frame.Placements, r.drawTile(frame.Image, key, rect, now))
		}
	}

	r.store.SetVisible(keys, now)
	r.visible = seen

	for _, p := range frame.Placements {
		if p.State != store.StateReady {
			frame.Pending++
		}
	}

	r.applyCompletions(now)
	return frame
}

func (r *Renderer) drawTile(dst *image.RGBA, key store.TileKey, rect image.Rectangle, now time.Time) Placement {
	p := Placement{Key: key, Rect: rect, State: r.store.PeekState(key)}

	if img, ok := r.store.Get(key, now); ok {
		p.State = store.StateReady
		p.Img = img
		if rect.Dx() == img.Bounds().Dx() && rect.Dy() == img.Bounds().Dy() {
			draw.Draw(dst, rect, img, img.Bounds().Min, draw.Src)
		} else {
			xdraw.ApproxBiLinear.Scale(dst, rect, img, img.Bounds(), xdraw.Src, nil)
		}
		return p
	}

	if r.drawFallback(dst, key, rect, now) {
		p.Fallback = true
		return p
	}

	draw.Draw(dst, rect, &image.Uniform{placeholderFill}, image.Point{}, draw.Src)
	return p
}

// drawFallback paints a scaled crop of the nearest Ready ancestor tile, the
// "approximated" mode of the original viewer.
func (r *Renderer) drawFallback(dst *image.RGBA, key store.TileKey, rect image.Rectangle, now time.Time) bool {
	parent := key
	for depth := 1; depth <= maxFallbackDepth; depth++ {
		next, ok := parent.Parent()
		if !ok || int(next.Z) < r.src.MinZoom {
			return false
		}
		parent = next

		img, ok := r.store.Get(parent, now)
		if !ok {
			continue
		}

		side := r.src.TileSize >> uint(depth)
		if side < 1 {
			return false
		}
		mask := uint32(1<<uint(depth)) - 1
		srcRect := image.Rect(0, 0, side, side).Add(image.Point{
			X: int(key.X&mask) * side,
			Y: int(key.Y&mask) * side,
		}).Add(img.Bounds().Min)

		xdraw.ApproxBiLinear.Scale(dst, rect, img, srcRect, xdraw.Src, nil)
		return true
	}
	return false
}

// applyCompletions drains worker results; a redraw is only signalled when a
// freshly Ready tile is still part of the visible set.
func (r *Renderer) applyCompletions(now time.Time) {
	for _, key := range r.store.Process(now) {
		if _, vis := r.visible[key]; vis {
			if r.onRedraw != nil {
				r.onRedraw()
			}
			return
		}
	}
}

// CursorGeo exposes the cursor's geographic position for status display.
func (r *Renderer) CursorGeo() (lat, lon float64, ok bool) {
	pt, ok := r.view.CursorGeo()
	if !ok {
		return 0, 0, false
	}
	return pt.Lat(), pt.Lon(), true
}

// Scale reports meters per pixel at the view center, for a scale bar.
func (r *Renderer) Scale() float64 {
	return geo.MetersPerPixel(r.view.Center().Lat(), r.view.Zoom(), r.src.TileSize)
}
