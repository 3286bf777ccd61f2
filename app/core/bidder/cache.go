package bidder

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Back-reference words that make an utterance context-dependent. Their
// presence switches the cache to the context-qualified key.
var backReferences = []string{
	"it", "that", "this", "them", "those", "these",
	"the same", "more", "again", "too", "also", "instead",
}

const contextHashTail = 400 // chars of conversation folded into the key

// needsContext reports whether the text contains a back-reference word.
func needsContext(text string) bool {
	padded := " " + strings.ToLower(text) + " "
	padded = strings.NewReplacer(",", " ", ".", " ", "?", " ", "!", " ").Replace(padded)
	for _, w := range backReferences {
		if strings.Contains(padded, " "+w+" ") {
			return true
		}
	}
	return false
}

// cacheKey builds the two-tier key: content-only when the text is
// self-contained, context-qualified otherwise.
func cacheKey(agentID, normalized, conversation string) string {
	base := agentID + "\x1f" + strings.ToLower(strings.TrimSpace(normalized))
	if !needsContext(normalized) {
		return base
	}
	tail := conversation
	if len(tail) > contextHashTail {
		tail = tail[len(tail)-contextHashTail:]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tail))
	return base + "\x1f" + fmt.Sprintf("%x", h.Sum64())
}

type cacheEntry struct {
	payload    string // sanitized raw bid JSON
	insertedAt time.Time
}

// evalCache is the TTL cache of bid evaluations. Entries expire lazily on
// lookup; eviction runs when the soft cap is exceeded.
type evalCache struct {
	ttl     time.Duration
	softCap int
	entries map[string]cacheEntry
	now     func() time.Time
}

func newEvalCache(ttl time.Duration, softCap int) *evalCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if softCap <= 0 {
		softCap = 100
	}
	return &evalCache{
		ttl:     ttl,
		softCap: softCap,
		entries: map[string]cacheEntry{},
		now:     time.Now,
	}
}

func (c *evalCache) get(key string) (string, bool) {
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.payload, true
}

func (c *evalCache) put(key, payload string) {
	c.entries[key] = cacheEntry{payload: payload, insertedAt: c.now()}
	if len(c.entries) > c.softCap {
		c.evict()
	}
}

// evict drops expired entries first, then the oldest until under the cap.
func (c *evalCache) evict() {
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.softCap {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all {
		if len(c.entries) <= c.softCap {
			break
		}
		delete(c.entries, a.key)
	}
}
