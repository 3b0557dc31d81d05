package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config carries every tunable of the tile engine. It is constructed once at
// startup and passed into component constructors; nothing reads the
// environment after Load returns.
type Config struct {
	// Worker pool
	Workers      int
	QueueDepth   int
	FetchTimeout time.Duration
	UserAgent    string

	// Retry policy
	RetryMax    int
	BackoffBase time.Duration
	GraceWindow time.Duration

	// Memory cache
	MemoryTiles int

	// Disk cache
	DiskDir      string
	DiskBudget   int64
	DiskTTL      time.Duration
	DiskDisabled bool

	// Renderer
	PrefetchMargin int

	LogLevel   string
	LogConsole bool
}

func Load() *Config {
	cacheDir, _ := os.UserCacheDir()
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}

	cfg := &Config{
		Workers:        getEnvInt("TILEVIEW_WORKERS", defaultWorkers()),
		QueueDepth:     getEnvInt("TILEVIEW_QUEUE_DEPTH", 256),
		FetchTimeout:   getEnvDuration("TILEVIEW_FETCH_TIMEOUT", 15*time.Second),
		UserAgent:      getEnv("TILEVIEW_USER_AGENT", "tileview/1.0"),
		RetryMax:       getEnvInt("TILEVIEW_RETRY_MAX", 3),
		BackoffBase:    getEnvDuration("TILEVIEW_BACKOFF_BASE", 500*time.Millisecond),
		GraceWindow:    getEnvDuration("TILEVIEW_GRACE_WINDOW", 3*time.Second),
		MemoryTiles:    getEnvInt("TILEVIEW_MEMORY_TILES", 512),
		DiskDir:        getEnv("TILEVIEW_DISK_DIR", filepath.Join(cacheDir, "tileview", "tiles")),
		DiskBudget:     getEnvInt64("TILEVIEW_DISK_BUDGET", 256*1024*1024),
		DiskTTL:        getEnvDuration("TILEVIEW_DISK_TTL", 14*24*time.Hour),
		DiskDisabled:   getEnv("TILEVIEW_DISK_CACHE", "on") == "off",
		PrefetchMargin: getEnvInt("TILEVIEW_PREFETCH_MARGIN", 1),
		LogLevel:       getEnv("TILEVIEW_LOG_LEVEL", "info"),
		LogConsole:     getEnv("TILEVIEW_LOG_FORMAT", "json") == "console",
	}

	return cfg
}

// defaultWorkers sizes the fetch pool proportionally to the machine, capped so
// a big desktop does not hammer a public tile server.
func defaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	if n > 4 {
		n = 4
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
