// Package store is the in-memory tile cache at the center of the engine. It
// owns every TileEntry, deduplicates in-flight loads, applies worker
// completions, and evicts least-recently-used tiles that are off screen.
//
// Locking is one coarse mutex: all operations are O(1) map and list work,
// never I/O. Workers hand finished tiles back over the results channel; the
// render thread drains it with Process, so payload mutation stays
// single-threaded.
package store

import (
	"container/list"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
)

// TileKey uniquely identifies one raster tile under one source.
type TileKey struct {
	Source string
	Z      uint32
	X      uint32
	Y      uint32
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Source, k.Z, k.X, k.Y)
}

// Tile returns the orb maptile for this key.
func (k TileKey) Tile() maptile.Tile {
	return maptile.New(k.X, k.Y, maptile.Zoom(k.Z))
}

// Parent returns the key of the covering tile one zoom level up. The second
// return is false at zoom 0.
func (k TileKey) Parent() (TileKey, bool) {
	if k.Z == 0 {
		return TileKey{}, false
	}
	return TileKey{Source: k.Source, Z: k.Z - 1, X: k.X / 2, Y: k.Y / 2}, true
}

// State is the lifecycle position of a tile entry.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "absent"
	}
}

// FailKind classifies a load failure. Transport and timeout failures are
// retried with backoff; not-found and decode failures are permanent for the
// session.
type FailKind int

const (
	FailNone FailKind = iota
	FailTransport
	FailNotFound
	FailDecode
	FailTimeout
	FailCanceled
)

func (k FailKind) String() string {
	switch k {
	case FailTransport:
		return "transport"
	case FailNotFound:
		return "not_found"
	case FailDecode:
		return "decode"
	case FailTimeout:
		return "timeout"
	case FailCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// Permanent reports whether retrying could ever help.
func (k FailKind) Permanent() bool {
	return k == FailNotFound || k == FailDecode
}

// Task is one unit of work queued to the fetch pool.
type Task struct {
	Key     TileKey
	Attempt int
}

// Result is a completed (or abandoned) task reported back by a worker.
type Result struct {
	Key       TileKey
	Attempt   int
	Img       image.Image
	Err       error
	Kind      FailKind
	Abandoned bool
}

type entry struct {
	key        TileKey
	state      State
	img        image.Image
	lastAccess time.Time
	retryCount int
	nextRetry  time.Time
	lruElem    *list.Element // non-nil only while Ready
}

// Options are the store's policy knobs; zero values fall back to usable
// defaults so tests can construct a store tersely.
type Options struct {
	MemoryTiles int
	RetryMax    int
	BackoffBase time.Duration
	GraceWindow time.Duration
	QueueDepth  int
	Logger      *zap.Logger
}

// Store implements the request/complete tile cache contract.
type Store struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	entries  map[TileKey]*entry
	lru      *list.List // Ready entries, most recent at front
	visible  map[TileKey]struct{}
	lastSeen map[TileKey]time.Time // when a key was last part of the visible set

	tasks   chan Task
	results chan Result
}

func New(opts Options) *Store {
	if opts.MemoryTiles <= 0 {
		opts.MemoryTiles = 512
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 3 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		opts:     opts,
		log:      opts.Logger,
		entries:  make(map[TileKey]*entry),
		lru:      list.New(),
		visible:  make(map[TileKey]struct{}),
		lastSeen: make(map[TileKey]time.Time),
		tasks:    make(chan Task, opts.QueueDepth),
		results:  make(chan Result, opts.QueueDepth),
	}
}

// Tasks is the queue consumed by the fetch pool.
func (s *Store) Tasks() <-chan Task {
	return s.tasks
}

// Results is the completion channel written by the fetch pool.
func (s *Store) Results() chan<- Result {
	return s.results
}

// Request returns the tile's state without blocking. A missing tile is
// admitted as Pending and queued for loading; a Failed tile past its backoff
// deadline and under the retry cap is re-queued the same way. At most one
// outstanding task exists per key.
func (s *Store) Request(key TileKey, now time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key, state: StatePending, lastAccess: now}
		s.entries[key] = e
		if !s.enqueueLocked(Task{Key: key, Attempt: 1}) {
			delete(s.entries, key)
			return StateAbsent
		}
		return StatePending
	}

	switch e.state {
	case StateReady:
		e.lastAccess = now
		s.lru.MoveToFront(e.lruElem)
	case StateFailed:
		if e.retryCount < s.opts.RetryMax && !now.Before(e.nextRetry) {
			e.state = StatePending
			if s.enqueueLocked(Task{Key: key, Attempt: e.retryCount + 1}) {
				return StatePending
			}
			e.state = StateFailed
		}
	}
	return e.state
}

func (s *Store) enqueueLocked(t Task) bool {
	select {
	case s.tasks <- t:
		return true
	default:
		s.log.Warn("tile queue full, dropping request", zap.Stringer("tile", t.Key))
		return false
	}
}

// Get returns the decoded image for a Ready tile.
func (s *Store) Get(key TileKey, now time.Time) (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.state != StateReady {
		return nil, false
	}
	e.lastAccess = now
	s.lru.MoveToFront(e.lruElem)
	return e.img, true
}

// PeekState reports the entry state without affecting recency.
func (s *Store) PeekState(key TileKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.state
	}
	return StateAbsent
}

// Touch marks a tile as recently used without triggering a load.
func (s *Store) Touch(key TileKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.lastAccess = now
		if e.state == StateReady {
			s.lru.MoveToFront(e.lruElem)
		}
	}
}

// SetVisible replaces the visible set. Visible tiles are pinned against
// eviction; keys that drop out keep a last-seen timestamp so queued loads for
// them can be abandoned after the grace window.
func (s *Store) SetVisible(keys []TileKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.visible {
		s.lastSeen[k] = now
	}
	s.visible = make(map[TileKey]struct{}, len(keys))
	for _, k := range keys {
		s.visible[k] = struct{}{}
		delete(s.lastSeen, k)
	}
}

// IsVisible reports current visible-set membership.
func (s *Store) IsVisible(key TileKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.visible[key]
	return ok
}

// ShouldAbandon lets a worker drop a queued task whose tile scrolled away
// longer than the grace window ago. Best effort: a task that started fetching
// always runs to completion.
func (s *Store) ShouldAbandon(key TileKey, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.visible[key]; ok {
		return false
	}
	seen, ok := s.lastSeen[key]
	if !ok {
		return false
	}
	return now.Sub(seen) > s.opts.GraceWindow
}

// MarkLoading flips a claimed task's entry from Pending to Loading.
func (s *Store) MarkLoading(key TileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.state == StatePending {
		e.state = StateLoading
	}
}

// Process drains completed work and applies it to the cache. It returns the
// keys that became Ready, so the renderer can decide whether a redraw is due.
// Must be called from the render thread only.
func (s *Store) Process(now time.Time) []TileKey {
	var ready []TileKey
	for {
		select {
		case res := <-s.results:
			if s.apply(res, now) {
				ready = append(ready, res.Key)
			}
		default:
			return ready
		}
	}
}

func (s *Store) apply(res Result, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[res.Key]

	if res.Abandoned {
		if ok && e.state != StateReady {
			delete(s.entries, res.Key)
		}
		return false
	}

	if res.Err != nil {
		// A late error for a tile that already has content is ignored.
		if !ok || e.state == StateReady {
			return false
		}
		e.retryCount = res.Attempt
		if res.Kind.Permanent() {
			e.retryCount = s.opts.RetryMax
		}
		e.state = StateFailed
		e.nextRetry = now.Add(s.opts.BackoffBase << uint(min(e.retryCount-1, 16)))
		s.log.Debug("tile load failed",
			zap.Stringer("tile", res.Key),
			zap.Stringer("kind", res.Kind),
			zap.Int("attempt", res.Attempt),
			zap.Error(res.Err))
		return false
	}

	// A completion for an evicted or abandoned entry still refreshes the
	// cache; it just cannot force a redraw for a tile nobody looks at.
	if !ok {
		e = &entry{key: res.Key}
		s.entries[res.Key] = e
	}
	e.state = StateReady
	e.img = res.Img
	e.retryCount = 0
	e.lastAccess = now
	if e.lruElem != nil {
		s.lru.MoveToFront(e.lruElem)
	} else {
		e.lruElem = s.lru.PushFront(e)
	}
	s.evictLocked()
	return true
}

// evictLocked removes least-recently-used Ready entries that are off screen
// until the budget holds. Visible tiles are never evicted, so a viewport
// larger than the budget temporarily exceeds it.
func (s *Store) evictLocked() {
	for s.lru.Len() > s.opts.MemoryTiles {
		evicted := false
		for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
			e := elem.Value.(*entry)
			if _, vis := s.visible[e.key]; vis {
				continue
			}
			s.lru.Remove(elem)
			delete(s.entries, e.key)
			delete(s.lastSeen, e.key)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// Invalidate removes an entry entirely, clearing a permanent failure so a
// manual refresh can load the tile again. An entry with a task outstanding is
// left alone: the in-flight load already yields fresh content, and removing it
// would let the next Request dispatch a duplicate task for the same key.
func (s *Store) Invalidate(key TileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.state == StatePending || e.state == StateLoading {
		return
	}
	if e.lruElem != nil {
		s.lru.Remove(e.lruElem)
	}
	delete(s.entries, key)
}

// Len returns the number of entries in any state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ReadyLen returns the number of Ready entries held in memory.
func (s *Store) ReadyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
