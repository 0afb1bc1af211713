package tts

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCache_RoundTrip(t *testing.T) {
	cache, err := NewCache(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}

	audio := []byte{1, 2, 3, 4}
	if err := cache.Put("hello", "Victoria", 24000, 1, 16, audio); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok := cache.Get("hello", "Victoria", 24000, 1, 16)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("expected %v, got %v", audio, got)
	}
}

func TestCache_KeyIncludesFormat(t *testing.T) {
	cache, err := NewCache(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	if err := cache.Put("hello", "Victoria", 24000, 1, 16, []byte{1}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if _, ok := cache.Get("hello", "Victoria", 16000, 1, 16); ok {
		t.Error("different sample rate must miss")
	}
	if _, ok := cache.Get("hello", "Brian", 24000, 1, 16); ok {
		t.Error("different voice must miss")
	}
}

func TestCache_LongTextNotCached(t *testing.T) {
	cache, err := NewCache(t.TempDir(), 5)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	if err := cache.Put("this text is too long", "Victoria", 24000, 1, 16, []byte{1}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, ok := cache.Get("this text is too long", "Victoria", 24000, 1, 16); ok {
		t.Error("over-length text must not be cached")
	}
}

func TestCache_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, 100)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	if err := cache.Put("persist", "Victoria", 24000, 1, 16, []byte{9, 9}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reloaded, err := NewCache(dir, 100)
	if err != nil {
		t.Fatalf("reopening cache: %v", err)
	}
	got, ok := reloaded.Get("persist", "Victoria", 24000, 1, 16)
	if !ok || !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("entry lost across reload: ok=%v got=%v", ok, got)
	}
}

func TestCache_DanglingEntrySelfHeals(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, 100)
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}
	if err := cache.Put("gone", "Victoria", 24000, 1, 16, []byte{5}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Delete the audio file behind the index's back.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading cache dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != indexFileName {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}

	if _, ok := cache.Get("gone", "Victoria", 24000, 1, 16); ok {
		t.Fatal("expected a miss for the dangling entry")
	}
	// The entry is pruned; a fresh Put works again.
	if err := cache.Put("gone", "Victoria", 24000, 1, 16, []byte{6}); err != nil {
		t.Fatalf("re-put failed: %v", err)
	}
	if got, ok := cache.Get("gone", "Victoria", 24000, 1, 16); !ok || !bytes.Equal(got, []byte{6}) {
		t.Errorf("expected healed entry, ok=%v got=%v", ok, got)
	}
}

func TestCache_CorruptIndexDiscarded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seeding corrupt index: %v", err)
	}

	cache, err := NewCache(dir, 100)
	if err != nil {
		t.Fatalf("creating cache over corrupt index: %v", err)
	}
	if err := cache.Put("fresh", "Victoria", 24000, 1, 16, []byte{7}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, ok := cache.Get("fresh", "Victoria", 24000, 1, 16); !ok {
		t.Error("cache unusable after discarding a corrupt index")
	}
}
