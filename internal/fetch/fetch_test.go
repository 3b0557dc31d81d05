package fetch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tileview/internal/source"
	"tileview/internal/store"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newEngine(t *testing.T, template string, disk *store.DiskCache) (*store.Store, *Pool) {
	t.Helper()
	src, err := source.New("test", []string{template}, 0, 19)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := source.NewRegistry(src)
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(store.Options{RetryMax: 3, BackoffBase: time.Millisecond})
	pool := NewPool(Options{
		Store:    st,
		Registry: reg,
		Disk:     disk,
		Workers:  2,
		Timeout:  5 * time.Second,
	})
	t.Cleanup(pool.Close)
	return st, pool
}

// waitFor keeps requesting and processing until the tile reaches the wanted
// state or the deadline passes.
func waitFor(t *testing.T, st *store.Store, k store.TileKey, want store.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		now := time.Now()
		st.Process(now)
		if st.PeekState(k) == want {
			return
		}
		st.Request(k, now)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("tile %v never reached %v (state %v)", k, want, st.PeekState(k))
}

func TestFetchRemoteTile(t *testing.T) {
	tile := pngBytes(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/10/582/295.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(tile)
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", nil)
	k := store.TileKey{Source: "test", Z: 10, X: 582, Y: 295}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateReady)

	img, ok := st.Get(k, time.Now())
	if !ok {
		t.Fatal("no image after ready")
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("decoded bounds = %v", img.Bounds())
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestFetchLocalTile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "3", "4", "2.png")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pngBytes(t), 0644); err != nil {
		t.Fatal(err)
	}

	st, _ := newEngine(t, "file://"+dir+"/{z}/{x}/{y}.png", nil)
	k := store.TileKey{Source: "test", Z: 3, X: 4, Y: 2}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateReady)
}

func TestTransientFailureRetriesToSuccess(t *testing.T) {
	tile := pngBytes(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(tile)
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", nil)
	k := store.TileKey{Source: "test", Z: 1, X: 0, Y: 0}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateReady)

	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
}

func TestNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", nil)
	k := store.TileKey{Source: "test", Z: 1, X: 0, Y: 0}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateFailed)

	// Keep asking; a missing tile must not hammer the server.
	for i := 0; i < 10; i++ {
		st.Request(k, time.Now().Add(time.Hour))
		st.Process(time.Now())
		time.Sleep(2 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times for a 404 tile, want 1", hits.Load())
	}
}

func TestDecodeErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("this is not an image"))
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", nil)
	k := store.TileKey{Source: "test", Z: 1, X: 0, Y: 0}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateFailed)

	for i := 0; i < 10; i++ {
		st.Request(k, time.Now().Add(time.Hour))
		st.Process(time.Now())
		time.Sleep(2 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times for an undecodable tile, want 1", hits.Load())
	}
}

func TestDiskCacheServesWithoutNetwork(t *testing.T) {
	disk, err := store.NewDiskCache(t.TempDir(), 1<<20, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	k := store.TileKey{Source: "test", Z: 2, X: 1, Y: 1}
	if err := disk.Put(k, pngBytes(t), time.Now()); err != nil {
		t.Fatal(err)
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "should not be called", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", disk)

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateReady)

	if hits.Load() != 0 {
		t.Errorf("server hit %d times despite disk cache", hits.Load())
	}
}

func TestRemoteTileWrittenToDisk(t *testing.T) {
	disk, err := store.NewDiskCache(t.TempDir(), 1<<20, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	tile := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tile)
	}))
	defer srv.Close()

	st, _ := newEngine(t, srv.URL+"/{z}/{x}/{y}.png", disk)
	k := store.TileKey{Source: "test", Z: 7, X: 70, Y: 40}

	st.Request(k, time.Now())
	waitFor(t, st, k, store.StateReady)

	deadline := time.Now().Add(2 * time.Second)
	for disk.Usage() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if data, ok := disk.Get(k, time.Now()); !ok || !bytes.Equal(data, tile) {
		t.Error("fetched tile was not written back to disk")
	}
}

func TestClassification(t *testing.T) {
	if kind := classifyNetErr(context.DeadlineExceeded); kind != store.FailTimeout {
		t.Errorf("deadline exceeded classified as %v", kind)
	}
	if kind := classifyNetErr(context.Canceled); kind != store.FailCanceled {
		t.Errorf("canceled classified as %v", kind)
	}
	if kind := classifyNetErr(errors.New("connection refused")); kind != store.FailTransport {
		t.Errorf("generic error classified as %v", kind)
	}

	wrapped := &Error{Kind: store.FailNotFound, URL: "https://x", Err: errors.New("404")}
	if kind := classify(wrapped); kind != store.FailNotFound {
		t.Errorf("wrapped error classified as %v", kind)
	}
}
