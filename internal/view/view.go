// Package view owns the map viewport: center, fractional zoom, drag and
// animated zoom/scroll transitions. It has no I/O and never talks to the tile
// store; the renderer reads it every frame.
package view

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"tileview/internal/geo"
)

// Mode is the input state of the view.
type Mode int

const (
	Idle Mode = iota
	Dragging
	Animating
)

func (m Mode) String() string {
	switch m {
	case Dragging:
		return "dragging"
	case Animating:
		return "animating"
	default:
		return "idle"
	}
}

// State is the persistable part of the view, saved and restored across
// sessions by the caller.
type State struct {
	Lat  float64
	Lon  float64
	Zoom float64
}

type animation struct {
	fromCenter orb.Point
	fromZoom   float64
	toCenter   orb.Point
	toZoom     float64
	start      time.Time
	duration   time.Duration
}

// View is the map view state machine.
type View struct {
	center   orb.Point
	zoom     float64
	minZoom  float64
	maxZoom  float64
	tileSize int

	viewW, viewH int

	mode      Mode
	anim      animation
	dragX     float64
	dragY     float64
	cursorX   float64
	cursorY   float64
	hasCursor bool
}

// New creates a view centered on (0,0) at the minimum zoom.
func New(tileSize int, minZoom, maxZoom float64) *View {
	return &View{
		zoom:     minZoom,
		minZoom:  minZoom,
		maxZoom:  maxZoom,
		tileSize: tileSize,
	}
}

func (v *View) Center() orb.Point { return v.center }
func (v *View) Zoom() float64     { return v.zoom }
func (v *View) Mode() Mode        { return v.mode }

// Viewport returns the pixel size of the view.
func (v *View) Viewport() (w, h int) { return v.viewW, v.viewH }

func (v *View) SetViewport(w, h int) {
	v.viewW, v.viewH = w, h
}

// Snapshot exports the view for session persistence.
func (v *View) Snapshot() State {
	return State{Lat: v.center.Lat(), Lon: v.center.Lon(), Zoom: v.zoom}
}

// Restore replaces center and zoom, cancelling any transition in flight.
func (v *View) Restore(s State) {
	v.center = orb.Point{s.Lon, geo.ClampLat(s.Lat)}
	v.zoom = v.clampZoom(s.Zoom)
	v.mode = Idle
}

// Tick advances an in-flight animation. It reports whether another frame is
// needed. When the animation's time is up the view snaps to the exact target,
// never to a rounded interpolation step.
func (v *View) Tick(now time.Time) bool {
	if v.mode != Animating {
		return false
	}

	t := now.Sub(v.anim.start).Seconds() / v.anim.duration.Seconds()
	if t >= 1 {
		v.center = v.anim.toCenter
		v.zoom = v.anim.toZoom
		v.mode = Idle
		return false
	}
	if t < 0 {
		t = 0
	}

	s := easeInOutCubic(t)
	v.center = orb.Point{
		lerp(v.anim.fromCenter.Lon(), v.anim.toCenter.Lon(), s),
		lerp(v.anim.fromCenter.Lat(), v.anim.toCenter.Lat(), s),
	}
	v.zoom = lerp(v.anim.fromZoom, v.anim.toZoom, s)
	return true
}

// StartDrag enters drag mode at a pointer position, cancelling any animation
// at its current interpolated state.
func (v *View) StartDrag(px, py float64, now time.Time) {
	v.Tick(now)
	v.mode = Dragging
	v.dragX, v.dragY = px, py
}

// DragTo pans the center so the map follows the pointer.
func (v *View) DragTo(px, py float64) {
	if v.mode != Dragging {
		return
	}
	dx := px - v.dragX
	dy := py - v.dragY
	v.dragX, v.dragY = px, py

	cx, cy := geo.WorldXY(v.center, v.zoom, v.tileSize)
	v.center = geo.GeoFromWorld(cx-dx, cy-dy, v.zoom, v.tileSize)
	v.clampCenter()
}

// EndDrag returns to idle.
func (v *View) EndDrag() {
	if v.mode == Dragging {
		v.mode = Idle
	}
}

// AnimateTo starts a smooth transition to a target center and zoom. A
// transition started while another is running replaces it, taking off from the
// current interpolated state.
func (v *View) AnimateTo(center orb.Point, zoom float64, now time.Time, duration time.Duration) {
	v.Tick(now)
	if duration <= 0 {
		v.center = orb.Point{center.Lon(), geo.ClampLat(center.Lat())}
		v.zoom = v.clampZoom(zoom)
		v.mode = Idle
		return
	}
	v.anim = animation{
		fromCenter: v.center,
		fromZoom:   v.zoom,
		toCenter:   orb.Point{center.Lon(), geo.ClampLat(center.Lat())},
		toZoom:     v.clampZoom(zoom),
		start:      now,
		duration:   duration,
	}
	v.mode = Animating
}

// ZoomAround animates a zoom change that keeps the geographic point under the
// given viewport pixel fixed on screen.
func (v *View) ZoomAround(delta, px, py float64, now time.Time, duration time.Duration) {
	v.Tick(now)
	target := v.clampZoom(v.zoom + delta)
	if target == v.zoom {
		return
	}

	offX := px - float64(v.viewW)/2
	offY := py - float64(v.viewH)/2

	cx, cy := geo.WorldXY(v.center, v.zoom, v.tileSize)
	factor := math.Exp2(target - v.zoom)
	newCx := (cx+offX)*factor - offX
	newCy := (cy+offY)*factor - offY

	v.AnimateTo(geo.GeoFromWorld(newCx, newCy, target, v.tileSize), target, now, duration)
}

// SetCursor tracks the pointer for coordinate display. It must never cause
// tile loads, so it only stores the position.
func (v *View) SetCursor(px, py float64) {
	v.cursorX, v.cursorY = px, py
	v.hasCursor = true
}

func (v *View) ClearCursor() {
	v.hasCursor = false
}

// CursorGeo converts the tracked pointer position to geographic coordinates.
func (v *View) CursorGeo() (orb.Point, bool) {
	if !v.hasCursor {
		return orb.Point{}, false
	}
	return geo.GeoFromScreen(v.center, v.zoom, v.tileSize, v.viewW, v.viewH, v.cursorX, v.cursorY), true
}

func (v *View) clampZoom(z float64) float64 {
	return math.Max(v.minZoom, math.Min(z, v.maxZoom))
}

func (v *View) clampCenter() {
	v.center[1] = geo.ClampLat(v.center.Lat())
	for v.center[0] > 180 {
		v.center[0] -= 360
	}
	for v.center[0] < -180 {
		v.center[0] += 360
	}
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
