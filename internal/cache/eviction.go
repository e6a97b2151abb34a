package cache

import (
	"sort"
	"time"

	"goflare.io/aegis/internal/config"
	"goflare.io/aegis/internal/models"
)

// evict removes up to count entries according to the layer's policy and
// returns the evicted keys plus the bytes they accounted for. LRU orders
// by last access, LFU by access count, FIFO by insertion time; TTL removes
// only already-expired entries and is therefore the one policy that may
// evict nothing.
func (l *Layer) evict(count int, now time.Time) ([]string, int64) {
	if count <= 0 || len(l.entries) == 0 {
		return nil, 0
	}

	var victims []string
	switch l.Policy {
	case config.PolicyTTL:
		victims = l.expiredKeys(count, now)
	case config.PolicyLFU:
		victims = l.rankedKeys(count, func(a, b *models.Entry) bool {
			return a.AccessCount < b.AccessCount
		})
	case config.PolicyFIFO:
		victims = l.rankedKeys(count, func(a, b *models.Entry) bool {
			return a.Timestamp.Before(b.Timestamp)
		})
	default: // LRU
		victims = l.rankedKeys(count, func(a, b *models.Entry) bool {
			return a.Accessed.Before(b.Accessed)
		})
	}

	var freed int64
	for _, key := range victims {
		if e, ok := l.entries[key]; ok {
			freed += e.Metadata.Size
			delete(l.entries, key)
		}
	}
	l.evictions.Add(int64(len(victims)))
	return victims, freed
}

// rankedKeys sorts all entries ascending by less and returns the first
// count keys. Ties fall back to key order so eviction stays deterministic.
func (l *Layer) rankedKeys(count int, less func(a, b *models.Entry) bool) []string {
	type ranked struct {
		key   string
		entry *models.Entry
	}
	all := make([]ranked, 0, len(l.entries))
	for key, e := range l.entries {
		all = append(all, ranked{key, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if less(all[i].entry, all[j].entry) {
			return true
		}
		if less(all[j].entry, all[i].entry) {
			return false
		}
		return all[i].key < all[j].key
	})

	if count > len(all) {
		count = len(all)
	}
	keys := make([]string, count)
	for i := 0; i < count; i++ {
		keys[i] = all[i].key
	}
	return keys
}

// expiredKeys returns up to count keys whose entries are past their TTL,
// oldest expiry first.
func (l *Layer) expiredKeys(count int, now time.Time) []string {
	type expired struct {
		key string
		at  time.Time
	}
	var all []expired
	for key, e := range l.entries {
		if deadline := e.Timestamp.Add(e.TTL); deadline.Before(now) {
			all = append(all, expired{key, deadline})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].key < all[j].key
		}
		return all[i].at.Before(all[j].at)
	})

	if count > len(all) {
		count = len(all)
	}
	keys := make([]string, count)
	for i := 0; i < count; i++ {
		keys[i] = all[i].key
	}
	return keys
}
