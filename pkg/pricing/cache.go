package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spotdesk/spotdesk/pkg/common"
	"github.com/spotdesk/spotdesk/pkg/types"
)

// Cache is the two-tier price cache: an in-memory map in front of per-day
// JSON files. Each day is stored as prices-<date>.json with a companion
// prices-meta-<date>.json recording which provider produced it. Day files
// without metadata predate provider tagging and are treated as coming from
// the default provider.
type Cache struct {
	dir string
	now func() time.Time

	mu        sync.Mutex
	entries   map[string][]types.PriceEntry
	providers map[string]string
}

// NewCache returns a Cache backed by per-day files in dir.
func NewCache(dir string) *Cache {
	return &Cache{
		dir:       dir,
		now:       time.Now,
		entries:   make(map[string][]types.PriceEntry),
		providers: make(map[string]string),
	}
}

func (c *Cache) entriesPath(date string) string {
	return filepath.Join(c.dir, fmt.Sprintf("prices-%s.json", date))
}

func (c *Cache) metaPath(date string) string {
	return filepath.Join(c.dir, fmt.Sprintf("prices-meta-%s.json", date))
}

// Memory returns the in-memory entries for date, if any.
func (c *Cache) Memory(date string) ([]types.PriceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.entries[date]
	return entries, ok && len(entries) > 0
}

// LoadFile reads the day file for date. Missing or corrupt files read as a
// miss.
func (c *Cache) LoadFile(date string) []types.PriceEntry {
	raw, err := os.ReadFile(c.entriesPath(date))
	if err != nil {
		return nil
	}
	var entries []types.PriceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

// Provider returns the provider that produced the cached day: the
// in-memory tag when present, otherwise the meta file, otherwise the
// default provider for legacy meta-less files. The resolved value is
// memoized.
func (c *Cache) Provider(date string) string {
	c.mu.Lock()
	if provider, ok := c.providers[date]; ok {
		c.mu.Unlock()
		return provider
	}
	c.mu.Unlock()

	provider := DefaultProvider
	if raw, err := os.ReadFile(c.metaPath(date)); err == nil {
		var meta types.PriceCacheMeta
		if err := json.Unmarshal(raw, &meta); err == nil && meta.Provider != "" {
			provider = NormalizeProvider(meta.Provider)
		}
	}

	c.mu.Lock()
	c.providers[date] = provider
	c.mu.Unlock()
	return provider
}

// ProviderMatch reports whether the cached day for date was produced by
// provider.
func (c *Cache) ProviderMatch(date, provider string) bool {
	return c.Provider(date) == NormalizeProvider(provider)
}

// Promote puts file-loaded entries into the memory tier with the given
// provider tag.
func (c *Cache) Promote(date string, entries []types.PriceEntry, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[date] = entries
	c.providers[date] = NormalizeProvider(provider)
}

// Save writes entries to both tiers, tagging the day with provider.
func (c *Cache) Save(date string, entries []types.PriceEntry, provider string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir %s: %w", c.dir, err)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode prices for %s: %w", date, err)
	}
	if err := os.WriteFile(c.entriesPath(date), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write prices for %s: %w", date, err)
	}
	meta := types.PriceCacheMeta{
		Provider:  NormalizeProvider(provider),
		FetchedAt: c.now().UTC().Format(time.RFC3339Nano),
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode prices meta for %s: %w", date, err)
	}
	if err := os.WriteFile(c.metaPath(date), rawMeta, 0o644); err != nil {
		return fmt.Errorf("failed to write prices meta for %s: %w", date, err)
	}
	c.Promote(date, entries, provider)
	return nil
}

// Clear drops the memory tier for date. With removeFiles the day files are
// deleted too; a refresh keeps them so a failed re-fetch can still fall
// back to disk.
func (c *Cache) Clear(date string, removeFiles bool) {
	c.mu.Lock()
	delete(c.entries, date)
	delete(c.providers, date)
	c.mu.Unlock()
	if !removeFiles {
		return
	}
	os.Remove(c.entriesPath(date))
	os.Remove(c.metaPath(date))
}

// Has reports whether a non-empty day file exists for date. With a
// provider it additionally requires a provider match.
func (c *Cache) Has(date, provider string) bool {
	entries := c.LoadFile(date)
	if len(entries) == 0 {
		return false
	}
	if provider == "" {
		return true
	}
	return c.ProviderMatch(date, provider)
}

// Status summarizes the price cache directory.
func (c *Cache) Status() common.CacheDirStatus {
	return common.StatusForDir(c.dir, "prices")
}
