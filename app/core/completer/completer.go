package completer

import (
	"context"
	"errors"
	"sync"
)

// Error kinds the core recovers from. Provider adapters translate transport
// errors into one of these.
var (
	ErrProviderUnavailable = errors.New("completer: provider unavailable")
	ErrRateLimited         = errors.New("completer: rate limited")
	ErrInvalidResponse     = errors.New("completer: invalid response")
	ErrTimeout             = errors.New("completer: timeout")
)

type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single chat call. Feature labels the caller for cost
// attribution and is passed through untouched.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	Feature     string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	Content string
	Usage   Usage
}

// Completer is the LLM capability, opaque to the core.
type Completer interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

// UsageTracker accumulates token usage per feature label.
type UsageTracker struct {
	mu        sync.Mutex
	byFeature map[string]Usage
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{byFeature: map[string]Usage{}}
}

func (t *UsageTracker) Record(feature string, u Usage) {
	if feature == "" {
		feature = "unattributed"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.byFeature[feature]
	cur.PromptTokens += u.PromptTokens
	cur.CompletionTokens += u.CompletionTokens
	t.byFeature[feature] = cur
}

func (t *UsageTracker) Snapshot() map[string]Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Usage, len(t.byFeature))
	for k, v := range t.byFeature {
		out[k] = v
	}
	return out
}
