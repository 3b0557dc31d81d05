// Command tileview renders a map viewport to a PNG using the tile engine.
// It is the engine's headless harness: the desktop shell wires the same
// components to a window instead of a file.
package main

import (
	"flag"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tileview/internal/config"
	"tileview/internal/fetch"
	"tileview/internal/logger"
	"tileview/internal/render"
	"tileview/internal/source"
	"tileview/internal/store"
	"tileview/internal/view"
)

func main() {
	var (
		lat      = flag.Float64("lat", 60.1699, "center latitude")
		lon      = flag.Float64("lon", 24.9384, "center longitude")
		zoom     = flag.Float64("zoom", 10, "zoom level")
		width    = flag.Int("width", 800, "viewport width in pixels")
		height   = flag.Int("height", 600, "viewport height in pixels")
		out      = flag.String("out", "map.png", "output file")
		tileURL  = flag.String("url", "https://tile.openstreetmap.org/{z}/{x}/{y}.png", "tile url template")
		deadline = flag.Duration("deadline", 30*time.Second, "give up waiting for tiles after this long")
	)
	flag.Parse()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogConsole)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	src, err := source.New("osm", []string{*tileURL}, 0, 19)
	if err != nil {
		log.Fatal("Invalid tile source", zap.Error(err))
	}
	src.Attribution = "© OpenStreetMap contributors"
	src.RequireTLS = true

	registry, err := source.NewRegistry(src)
	if err != nil {
		log.Fatal("Failed to build source registry", zap.Error(err))
	}

	st := store.New(store.Options{
		MemoryTiles: cfg.MemoryTiles,
		RetryMax:    cfg.RetryMax,
		BackoffBase: cfg.BackoffBase,
		GraceWindow: cfg.GraceWindow,
		QueueDepth:  cfg.QueueDepth,
		Logger:      log,
	})

	var disk *store.DiskCache
	if !cfg.DiskDisabled {
		disk, err = store.NewDiskCache(cfg.DiskDir, cfg.DiskBudget, cfg.DiskTTL, log)
		if err != nil {
			log.Warn("Disk cache unavailable, continuing without it", zap.Error(err))
		} else {
			log.Info("Disk cache ready",
				zap.String("dir", cfg.DiskDir),
				zap.Int64("usage_bytes", disk.Usage()))
		}
	}

	pool := fetch.NewPool(fetch.Options{
		Store:     st,
		Registry:  registry,
		Disk:      disk,
		Workers:   cfg.Workers,
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		Logger:    log,
	})
	defer pool.Close()

	v := view.New(src.TileSize, float64(src.MinZoom), float64(src.MaxZoom))
	v.SetViewport(*width, *height)
	v.Restore(view.State{Lat: *lat, Lon: *lon, Zoom: *zoom})

	renderer := render.New(st, v, src, cfg.PrefetchMargin, log)

	log.Info("Rendering viewport",
		zap.Float64("lat", *lat),
		zap.Float64("lon", *lon),
		zap.Float64("zoom", *zoom),
		zap.Int("width", *width),
		zap.Int("height", *height))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var frame render.Frame
	for {
		frame = renderer.Render(time.Now())
		if frame.Pending == 0 && !frame.Animating {
			break
		}
		if time.Since(start) > *deadline {
			log.Warn("Deadline reached with tiles still pending", zap.Int("pending", frame.Pending))
			break
		}

		select {
		case <-quit:
			log.Info("Interrupted")
			return
		case <-ticker.C:
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatal("Failed to create output file", zap.Error(err))
	}
	defer f.Close()

	if err := png.Encode(f, frame.Image); err != nil {
		log.Fatal("Failed to encode PNG", zap.Error(err))
	}

	log.Info("Snapshot written",
		zap.String("file", *out),
		zap.Int("tiles", len(frame.Placements)),
		zap.Int("pending", frame.Pending),
		zap.Duration("elapsed", time.Since(start)))
}
