package tts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ocivoice/agent-plugins/internal/observability"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

const indexFileName = "index.json"

// Cache stores synthesized audio on disk so repeated phrases skip the
// service round trip. An index.json maps text/voice/format keys to
// per-entry audio files. Only short texts are cached; long texts are
// unlikely to repeat and would bloat the directory.
type Cache struct {
	dir        string
	maxTextLen int

	mu    sync.Mutex
	index map[string]cacheEntry
}

type cacheEntry struct {
	AudioFileName string `json:"audio_bytes_file_name"`
}

// NewCache opens (or creates) the cache directory and loads the index.
// A corrupt index is discarded and rebuilt over time.
func NewCache(dir string, maxTextLen int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, voice.WrapError(voice.KindConfig, "tts.cache", "creating cache directory", err)
	}

	c := &Cache{
		dir:        dir,
		maxTextLen: maxTextLen,
		index:      make(map[string]cacheEntry),
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err == nil {
		if err := json.Unmarshal(data, &c.index); err != nil {
			c.index = make(map[string]cacheEntry)
		}
	}
	return c, nil
}

// Get returns the cached audio for the key, if present. A dangling
// index entry whose audio file disappeared is dropped.
func (c *Cache) Get(text, voice string, rate, channels, bits int) ([]byte, bool) {
	if len(text) > c.maxTextLen {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text, voice, rate, channels, bits)
	entry, ok := c.index[key]
	if !ok {
		observability.RecordCacheLookup(false)
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(c.dir, entry.AudioFileName))
	if err != nil {
		delete(c.index, key)
		c.writeIndexLocked()
		observability.RecordCacheLookup(false)
		return nil, false
	}
	observability.RecordCacheLookup(true)
	return data, true
}

// Put stores audio under the key. Texts over the length cap are
// silently not cached.
func (c *Cache) Put(text, voice string, rate, channels, bits int, audio []byte) error {
	if len(text) > c.maxTextLen {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text, voice, rate, channels, bits)
	entry, ok := c.index[key]
	if !ok {
		entry = cacheEntry{AudioFileName: strings.ReplaceAll(uuid.NewString(), "-", "")}
	}

	if err := os.WriteFile(filepath.Join(c.dir, entry.AudioFileName), audio, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	if !ok {
		c.index[key] = entry
		if err := c.writeIndexLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) writeIndexLocked() error {
	data, err := json.MarshalIndent(c.index, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding cache index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, indexFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing cache index: %w", err)
	}
	return nil
}

func cacheKey(text, voice string, rate, channels, bits int) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", text, voice, rate, channels, bits)
}
