package scenecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"reelforge/internal/fileutil"
	"reelforge/internal/logging"
)

const (
	entryVersion     = 1
	segmentExt       = ".mp4"
	sidecarExt       = ".json"
	lockExt          = ".lock"
	lockRetryDelay   = 50 * time.Millisecond
	defaultLockLimit = 2 * time.Minute
)

// Entry is a committed cache record.
type Entry struct {
	Key         Key       `json:"key"`
	SegmentPath string    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	DurationSec float64   `json:"duration_sec"`
	// EncoderUsed is the encoder class ("gpu" or "cpu") that produced the segment.
	EncoderUsed string `json:"encoder_used"`
	Encoder     string `json:"encoder"`
}

type sidecar struct {
	Version int `json:"version"`
	Entry
	Segment string `json:"segment"`
}

// Meta describes a segment being stored.
type Meta struct {
	DurationSec float64
	EncoderUsed string
	Encoder     string
}

// Stats summarises cache contents.
type Stats struct {
	Root       string `json:"root"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
	// Orphans counts segments or temp files without a committed sidecar.
	Orphans int `json:"orphans"`
}

// Cache stores segments under a root directory. A nil *Cache behaves as an
// always-empty cache.
type Cache struct {
	root      string
	logger    *slog.Logger
	lockLimit time.Duration
}

// Open prepares root for use.
func Open(root string, logger *slog.Logger) (*Cache, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("scenecache: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("scenecache: ensure root: %w", err)
	}
	return &Cache{
		root:      root,
		logger:    logging.NewComponentLogger(logger, "scenecache"),
		lockLimit: defaultLockLimit,
	}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	if c == nil {
		return ""
	}
	return c.root
}

func (c *Cache) paths(key Key) (dir, segment, meta, lock string) {
	dir = filepath.Join(c.root, key.shard())
	base := filepath.Join(dir, string(key))
	return dir, base + segmentExt, base + sidecarExt, base + lockExt
}

// Get looks up key. Missing, corrupt, or partially written entries are misses.
func (c *Cache) Get(key Key) (Entry, bool) {
	if c == nil || !key.Valid() {
		return Entry{}, false
	}
	_, segment, meta, _ := c.paths(key)
	payload, err := os.ReadFile(meta)
	if err != nil {
		return Entry{}, false
	}
	var sc sidecar
	if err := json.Unmarshal(payload, &sc); err != nil || sc.Version != entryVersion || sc.Key != key {
		c.logger.Debug("ignoring unreadable cache sidecar", logging.String("key", string(key)))
		return Entry{}, false
	}
	info, err := os.Stat(segment)
	if err != nil || !info.Mode().IsRegular() || info.Size() != sc.SizeBytes {
		c.logger.Debug("cache segment missing or truncated", logging.String("key", string(key)))
		return Entry{}, false
	}
	entry := sc.Entry
	entry.SegmentPath = segment
	return entry, true
}

// Put copies the segment at src into the cache under key. If another writer
// already committed key, the existing entry is returned unchanged.
func (c *Cache) Put(ctx context.Context, key Key, src string, meta Meta) (Entry, error) {
	if c == nil {
		return Entry{}, errors.New("scenecache: cache disabled")
	}
	if !key.Valid() {
		return Entry{}, fmt.Errorf("scenecache: invalid key %q", key)
	}
	if existing, ok := c.Get(key); ok {
		return existing, nil
	}

	dir, segment, metaPath, lockPath := c.paths(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("scenecache: ensure shard: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockLimit)
	defer cancel()
	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return Entry{}, fmt.Errorf("scenecache: lock %s: %w", key, err)
	}
	defer func() { _ = lock.Unlock() }()

	if existing, ok := c.Get(key); ok {
		return existing, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return Entry{}, fmt.Errorf("scenecache: inspect segment: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.tmp", key, time.Now().UnixNano()))
	if err := fileutil.CopyFileVerified(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return Entry{}, fmt.Errorf("scenecache: copy segment: %w", err)
	}
	if err := os.Rename(tmp, segment); err != nil {
		_ = os.Remove(tmp)
		return Entry{}, fmt.Errorf("scenecache: publish segment: %w", err)
	}

	entry := Entry{
		Key:         key,
		SegmentPath: segment,
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now().UTC(),
		DurationSec: meta.DurationSec,
		EncoderUsed: meta.EncoderUsed,
		Encoder:     meta.Encoder,
	}
	payload, err := json.MarshalIndent(sidecar{Version: entryVersion, Entry: entry, Segment: filepath.Base(segment)}, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("scenecache: encode sidecar: %w", err)
	}
	if err := fileutil.WriteFileAtomic(metaPath, payload, 0o644); err != nil {
		return Entry{}, fmt.Errorf("scenecache: commit sidecar: %w", err)
	}

	c.logger.DebugContext(ctx, "stored scene segment",
		logging.String("key", string(key)),
		logging.Int64("size_bytes", entry.SizeBytes),
		logging.String("encoder", meta.Encoder),
	)
	return entry, nil
}

// Stats walks the cache and counts committed entries.
func (c *Cache) Stats() (Stats, error) {
	if c == nil {
		return Stats{}, nil
	}
	stats := Stats{Root: c.root}
	shards, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("scenecache: read root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.root, shard.Name()))
		if err != nil {
			continue
		}
		committed := map[string]bool{}
		for _, f := range files {
			if name, ok := strings.CutSuffix(f.Name(), sidecarExt); ok {
				committed[name] = true
			}
		}
		for _, f := range files {
			name := f.Name()
			switch {
			case strings.HasSuffix(name, segmentExt):
				key := Key(strings.TrimSuffix(name, segmentExt))
				if !committed[string(key)] {
					stats.Orphans++
					continue
				}
				if entry, ok := c.Get(key); ok {
					stats.Entries++
					stats.TotalBytes += entry.SizeBytes
				}
			case strings.HasSuffix(name, ".tmp"):
				stats.Orphans++
			}
		}
	}
	return stats, nil
}
