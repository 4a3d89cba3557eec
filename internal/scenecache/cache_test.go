package scenecache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeSegment(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	return path
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

func TestPutThenGet(t *testing.T) {
	c := openCache(t)
	key := DeriveKey(baseInput())
	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache should miss")
	}
	src := writeSegment(t, t.TempDir(), "seg.mp4", "segment-bytes")
	entry, err := c.Put(context.Background(), key, src, Meta{DurationSec: 3.01, EncoderUsed: "gpu", Encoder: "h264_nvenc"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.SegmentPath != entry.SegmentPath || got.DurationSec != 3.01 || got.EncoderUsed != "gpu" || got.SizeBytes != int64(len("segment-bytes")) {
		t.Fatalf("unexpected entry %+v", got)
	}
	data, err := os.ReadFile(got.SegmentPath)
	if err != nil || string(data) != "segment-bytes" {
		t.Fatalf("unexpected segment content %q (%v)", data, err)
	}
}

func TestPutNeverMutatesExistingEntry(t *testing.T) {
	c := openCache(t)
	key := DeriveKey(baseInput())
	dir := t.TempDir()
	first, err := c.Put(context.Background(), key, writeSegment(t, dir, "a.mp4", "first"), Meta{DurationSec: 3, EncoderUsed: "gpu"})
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := c.Put(context.Background(), key, writeSegment(t, dir, "b.mp4", "second-version"), Meta{DurationSec: 9, EncoderUsed: "cpu"})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) || second.EncoderUsed != "gpu" || second.DurationSec != 3 {
		t.Fatalf("existing entry was replaced: %+v", second)
	}
	data, _ := os.ReadFile(second.SegmentPath)
	if string(data) != "first" {
		t.Fatalf("segment bytes changed: %q", data)
	}
}

func TestConcurrentPutsCommitOnce(t *testing.T) {
	c := openCache(t)
	key := DeriveKey(baseInput())
	dir := t.TempDir()
	src := writeSegment(t, dir, "seg.mp4", "shared")

	var wg sync.WaitGroup
	entries := make([]Entry, 8)
	errs := make([]error, 8)
	for i := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], errs[i] = c.Put(context.Background(), key, src, Meta{DurationSec: 3, EncoderUsed: "cpu"})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
		if !entries[i].CreatedAt.Equal(entries[0].CreatedAt) {
			t.Fatalf("put %d saw a different entry", i)
		}
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 1 || stats.Orphans != 0 {
		t.Fatalf("unexpected stats after concurrent puts: %+v", stats)
	}
}

func TestGetTreatsPartialEntriesAsMiss(t *testing.T) {
	c := openCache(t)
	key := DeriveKey(baseInput())
	_, segment, meta, _ := c.paths(key)
	if err := os.MkdirAll(filepath.Dir(segment), 0o755); err != nil {
		t.Fatal(err)
	}

	// Segment without sidecar: an interrupted writer.
	if err := os.WriteFile(segment, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("segment without sidecar must miss")
	}

	// Corrupt sidecar.
	if err := os.WriteFile(meta, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("corrupt sidecar must miss")
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 0 {
		t.Fatalf("no committed entries expected: %+v", stats)
	}
}

func TestGetDetectsTruncatedSegment(t *testing.T) {
	c := openCache(t)
	key := DeriveKey(baseInput())
	entry, err := c.Put(context.Background(), key, writeSegment(t, t.TempDir(), "s.mp4", "0123456789"), Meta{DurationSec: 3})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.WriteFile(entry.SegmentPath, []byte("01"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("size mismatch must miss")
	}
}

func TestNilCacheIsEmpty(t *testing.T) {
	var c *Cache
	if _, ok := c.Get(DeriveKey(baseInput())); ok {
		t.Fatal("nil cache should miss")
	}
	if _, err := c.Put(context.Background(), DeriveKey(baseInput()), "x", Meta{}); err == nil {
		t.Fatal("nil cache Put should fail")
	}
	if stats, err := c.Stats(); err != nil || stats.Entries != 0 {
		t.Fatalf("nil cache stats: %+v %v", stats, err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	c := openCache(t)
	if _, ok := c.Get("../../etc/passwd"); ok {
		t.Fatal("invalid key must miss")
	}
	if _, err := c.Put(context.Background(), "zz", "x", Meta{}); err == nil {
		t.Fatal("invalid key Put should fail")
	}
}
