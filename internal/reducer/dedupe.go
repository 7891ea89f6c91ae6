package reducer

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupeSize = 4096

// dedupeSet remembers (sequence, kind) keys of replayed events so a resume
// never applies the same event twice. The set is bounded: a pathological
// replay cannot grow it without limit, and within a single turn the window
// is far larger than any realistic replay batch.
type dedupeSet struct {
	cache *lru.Cache[string, struct{}]
}

func newDedupeSet(size int) *dedupeSet {
	if size <= 0 {
		size = defaultDedupeSize
	}
	c, _ := lru.New[string, struct{}](size)
	return &dedupeSet{cache: c}
}

// Seen records the key and reports whether it was already present.
func (d *dedupeSet) Seen(key string) bool {
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Reset clears the set at the start of a new logical turn.
func (d *dedupeSet) Reset() {
	d.cache.Purge()
}
