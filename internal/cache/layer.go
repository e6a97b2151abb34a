package cache

import (
	"strings"
	"time"

	"go.uber.org/atomic"

	"goflare.io/aegis/internal/models"
)

// LayerType distinguishes the in-process tier from the redis-backed one.
type LayerType string

const (
	LayerTypeMemory     LayerType = "memory"
	LayerTypePersistent LayerType = "persistent"
)

// Default layer names.
const (
	MemoryLayerName     = "memory"
	PersistentLayerName = "persistent"
)

// Layer is one cache tier: a key→entry map with a capacity, a default TTL
// and an eviction policy. Layers are ordered fastest-first by the engine
// and carry no locking of their own; the engine serializes access.
type Layer struct {
	Name    string
	Type    LayerType
	MaxSize int
	TTL     time.Duration
	Policy  string

	entries map[string]*models.Entry

	// write-through mirror for persistent layers, nil otherwise
	store *redisStore

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func newLayer(name string, typ LayerType, maxSize int, ttl time.Duration, policy string) *Layer {
	return &Layer{
		Name:    name,
		Type:    typ,
		MaxSize: maxSize,
		TTL:     ttl,
		Policy:  policy,
		entries: make(map[string]*models.Entry),
	}
}

// lookup returns the entry for key if present, without validity checks.
func (l *Layer) lookup(key string) (*models.Entry, bool) {
	e, ok := l.entries[key]
	return e, ok
}

// put inserts an entry, evicting first so that len(entries) <= MaxSize
// holds after every insertion. With the TTL policy nothing may be
// evictable; the insert is then skipped rather than breaking the bound.
func (l *Layer) put(key string, entry *models.Entry, now time.Time) (evicted []string, freed int64, stored bool) {
	if _, exists := l.entries[key]; !exists && len(l.entries) >= l.MaxSize {
		need := len(l.entries) - l.MaxSize + 1
		evicted, freed = l.evict(need, now)
		if len(l.entries) >= l.MaxSize {
			return evicted, freed, false
		}
	}
	l.entries[key] = entry
	return evicted, freed, true
}

// remove deletes a key and reports the entry it held.
func (l *Layer) remove(key string) (*models.Entry, bool) {
	e, ok := l.entries[key]
	if ok {
		delete(l.entries, key)
	}
	return e, ok
}

// removePrefix deletes every key with the given prefix and returns what
// was removed.
func (l *Layer) removePrefix(prefix string) map[string]*models.Entry {
	removed := make(map[string]*models.Entry)
	for key, e := range l.entries {
		if strings.HasPrefix(key, prefix) {
			delete(l.entries, key)
			removed[key] = e
		}
	}
	return removed
}

// flush drops all entries and returns how many bytes they accounted for.
func (l *Layer) flush() int64 {
	var bytes int64
	for _, e := range l.entries {
		bytes += e.Metadata.Size
	}
	l.entries = make(map[string]*models.Entry)
	return bytes
}

// sweepExpired removes entries past their TTL regardless of capacity.
func (l *Layer) sweepExpired(now time.Time) ([]string, int64) {
	var removed []string
	var freed int64
	for key, e := range l.entries {
		if e.Expired(now) {
			delete(l.entries, key)
			removed = append(removed, key)
			freed += e.Metadata.Size
		}
	}
	return removed, freed
}

func (l *Layer) size() int { return len(l.entries) }

func (l *Layer) statsSnapshot() models.LayerStats {
	return models.LayerStats{
		Size:      len(l.entries),
		Hits:      l.hits.Load(),
		Misses:    l.misses.Load(),
		Evictions: l.evictions.Load(),
	}
}
