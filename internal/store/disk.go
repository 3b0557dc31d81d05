package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCapacityExceeded means the disk layer cannot admit a tile even after
// pruning. The tile is simply not persisted; loading still succeeds.
var ErrCapacityExceeded = errors.New("tile exceeds disk cache budget")

var diskMagic = [4]byte{'T', 'V', 'T', '1'}

const diskHeaderVersion = 1

// diskHeader precedes the raw tile bytes in every cache file so entries can
// expire independently of any in-memory state.
type diskHeader struct {
	Written  time.Time
	SourceID string
}

// DiskCache persists fetched tile bytes under {dir}/{source}/{z}/{x}_{y}.tile.
// Writes are atomic (unique temp file, then rename) and the total size is kept
// under a byte budget by pruning the oldest files.
type DiskCache struct {
	dir    string
	budget int64
	ttl    time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	usage int64
}

func NewDiskCache(dir string, budget int64, ttl time.Duration, log *zap.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create disk cache directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &DiskCache{dir: dir, budget: budget, ttl: ttl, log: log}
	c.usage = c.scanUsage()
	return c, nil
}

func (c *DiskCache) path(key TileKey) string {
	return filepath.Join(c.dir, key.Source, fmt.Sprintf("%d", key.Z), fmt.Sprintf("%d_%d.tile", key.X, key.Y))
}

// Get returns the stored tile bytes if present and not expired. Expired or
// corrupt files are removed on sight.
func (c *DiskCache) Get(key TileKey, now time.Time) ([]byte, bool) {
	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}

	hdr, payload, err := decodeDiskEntry(raw)
	if err != nil || (c.ttl > 0 && now.Sub(hdr.Written) > c.ttl) {
		c.remove(key, int64(len(raw)))
		return nil, false
	}
	return payload, true
}

// Put persists tile bytes, pruning old entries to stay under budget.
func (c *DiskCache) Put(key TileKey, data []byte, now time.Time) error {
	buf := encodeDiskEntry(diskHeader{Written: now, SourceID: key.Source}, data)
	if int64(len(buf)) > c.budget {
		return ErrCapacityExceeded
	}

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create tile directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("write tile: %w", err)
	}

	// An overwrite replaces the old file's bytes, so only the delta counts.
	var replaced int64
	if info, err := os.Stat(path); err == nil {
		replaced = info.Size()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit tile: %w", err)
	}

	c.mu.Lock()
	c.usage += int64(len(buf)) - replaced
	over := c.usage > c.budget
	c.mu.Unlock()

	if over {
		c.prune()
	}
	return nil
}

func (c *DiskCache) remove(key TileKey, size int64) {
	if err := os.Remove(c.path(key)); err == nil {
		c.mu.Lock()
		c.usage -= size
		c.mu.Unlock()
	}
}

// Usage returns the tracked byte total.
func (c *DiskCache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Clear removes every cached tile.
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return err
	}
	c.usage = 0
	return os.MkdirAll(c.dir, 0755)
}

func (c *DiskCache) scanUsage() int64 {
	var total int64
	filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// prune deletes oldest files first until usage fits the budget again.
func (c *DiskCache) prune() {
	type fileInfo struct {
		path string
		size int64
		mod  time.Time
	}

	var files []fileInfo
	filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			files = append(files, fileInfo{path: path, size: info.Size(), mod: info.ModTime()})
		}
		return nil
	})

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	c.mu.Lock()
	total := int64(0)
	for _, f := range files {
		total += f.size
	}
	c.usage = total
	over := c.usage - c.budget
	c.mu.Unlock()

	var freed int64
	var removed int
	for _, f := range files {
		if freed >= over {
			break
		}
		if err := os.Remove(f.path); err == nil {
			freed += f.size
			removed++
		}
	}

	c.mu.Lock()
	c.usage -= freed
	c.mu.Unlock()

	if removed > 0 {
		c.log.Debug("pruned disk cache",
			zap.Int("files", removed),
			zap.Int64("freed_bytes", freed))
	}
}

func encodeDiskEntry(hdr diskHeader, payload []byte) []byte {
	src := []byte(hdr.SourceID)
	buf := bytes.NewBuffer(make([]byte, 0, 4+1+8+2+len(src)+len(payload)))
	buf.Write(diskMagic[:])
	buf.WriteByte(diskHeaderVersion)
	binary.Write(buf, binary.BigEndian, hdr.Written.Unix())
	binary.Write(buf, binary.BigEndian, uint16(len(src)))
	buf.Write(src)
	buf.Write(payload)
	return buf.Bytes()
}

func decodeDiskEntry(raw []byte) (diskHeader, []byte, error) {
	if len(raw) < 15 || !bytes.Equal(raw[:4], diskMagic[:]) {
		return diskHeader{}, nil, errors.New("not a tile cache file")
	}
	if raw[4] != diskHeaderVersion {
		return diskHeader{}, nil, fmt.Errorf("unsupported tile cache version %d", raw[4])
	}
	ts := int64(binary.BigEndian.Uint64(raw[5:13]))
	srcLen := int(binary.BigEndian.Uint16(raw[13:15]))
	if len(raw) < 15+srcLen {
		return diskHeader{}, nil, errors.New("truncated tile cache header")
	}
	hdr := diskHeader{
		Written:  time.Unix(ts, 0),
		SourceID: string(raw[15 : 15+srcLen]),
	}
	return hdr, raw[15+srcLen:], nil
}
