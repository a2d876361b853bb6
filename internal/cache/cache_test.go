package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/releasetrail/internal/model"
)

func TestKey_Stable(t *testing.T) {
	a := Key("cdx", "https://example.com", "20240620", "-1")
	b := Key("cdx", "https://example.com", "20240620", "-1")
	c := Key("cdx", "https://example.com", "", "-1")

	if a != b {
		t.Errorf("Expected identical keys, got %s and %s", a, b)
	}
	if a == c {
		t.Error("Expected different keys for different parts")
	}
}

func TestLayeredCache_PromotesDiskHits(t *testing.T) {
	dir := t.TempDir()

	first := NewLayeredCache(time.Minute, dir, time.Hour)
	if err := first.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A fresh cache has an empty memory layer and must fall back to disk
	second := NewLayeredCache(time.Minute, dir, time.Hour)
	got, ok := second.Get("k")
	if !ok || string(got) != "v" {
		t.Fatalf("Expected disk hit v, got %q (found=%v)", got, ok)
	}

	mem := second.memory.(*MemoryCache)
	if mem.ItemCount() != 1 {
		t.Errorf("Expected promoted entry in memory, got %d items", mem.ItemCount())
	}
}

func TestDiskCache_Expired(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)

	if err := c.Set("gone", []byte("x"), time.Nanosecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("gone"); ok {
		t.Error("Expected expired entry to miss")
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.cache")); !os.IsNotExist(err) {
		t.Errorf("Expected expired file to be removed, stat err = %v", err)
	}
}

func TestDiskCache_DeleteMissing(t *testing.T) {
	c := NewDiskCache(t.TempDir(), time.Hour)
	if err := c.Delete("never-set"); err != nil {
		t.Errorf("Expected nil deleting a missing key, got %v", err)
	}
}

func TestNew_Disabled(t *testing.T) {
	c := New(model.CacheConfig{Enabled: false}, t.TempDir())
	if err := c.Set("k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("Expected disabled cache to never hit")
	}
}

func TestLayeredCache_DeleteAndClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c := NewLayeredCache(time.Minute, dir, time.Hour)
	for _, k := range []string{"a", "b"} {
		if err := c.Set(k, []byte(k), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := c.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := NewLayeredCache(time.Minute, dir, time.Hour).Get("a"); ok {
		t.Error("Expected deleted key gone from disk")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("Expected other key kept")
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("Expected empty cache after Clear")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Expected cache dir removed, stat err = %v", err)
	}
}
