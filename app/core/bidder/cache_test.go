package bidder

import (
	"fmt"
	"testing"
	"time"
)

func TestContentOnlyKeyIgnoresConversation(t *testing.T) {
	k1 := cacheKey("weather-agent", "what's the weather in Oslo", "user: hello")
	k2 := cacheKey("weather-agent", "what's the weather in Oslo", "user: something else entirely")
	if k1 != k2 {
		t.Fatal("self-contained text must use the content-only key")
	}
}

func TestBackReferenceSwitchesToContextKey(t *testing.T) {
	k1 := cacheKey("media-agent", "play it", "user: find me a jazz podcast")
	k2 := cacheKey("media-agent", "play it", "user: find me a cooking video")
	if k1 == k2 {
		t.Fatal("back-references must qualify the key with conversation context")
	}
}

func TestBackReferenceDetection(t *testing.T) {
	cases := map[string]bool{
		"play it":                 true,
		"do that again":           true,
		"the same but louder":     true,
		"what time is it in Oslo": true, // "it" is a back-reference word
		"what's the weather":      false,
		"open my calendar":        false,
	}
	for text, want := range cases {
		if got := needsContext(text); got != want {
			t.Fatalf("needsContext(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestEntriesExpireLazily(t *testing.T) {
	c := newEvalCache(time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.put("k", `{"confidence":0.9}`)
	if _, ok := c.get("k"); !ok {
		t.Fatal("fresh entry must hit")
	}

	now = now.Add(61 * time.Second)
	if _, ok := c.get("k"); ok {
		t.Fatal("entry past TTL must miss")
	}
	if len(c.entries) != 0 {
		t.Fatal("expired entry must be removed on lookup")
	}
}

func TestEvictionOnOverflow(t *testing.T) {
	c := newEvalCache(time.Minute, 5)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		now = now.Add(time.Second)
		c.put(fmt.Sprintf("k%d", i), "{}")
	}
	if len(c.entries) > 5 {
		t.Fatalf("expected eviction down to cap, have %d entries", len(c.entries))
	}
	if _, ok := c.get("k7"); !ok {
		t.Fatal("newest entry must survive eviction")
	}
	if _, ok := c.get("k0"); ok {
		t.Fatal("oldest entry must be evicted first")
	}
}
