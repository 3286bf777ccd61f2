package bidder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"agentex/app/core/breaker"
	"agentex/app/core/completer"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

var (
	// ErrNoCredentials: the bidder refuses to bid without an LLM key.
	ErrNoCredentials = errors.New("bidder: missing LLM credentials")

	errBatchShape = errors.New("bidder: invalid batch response shape")
)

// Request solicits bids from a set of agents for one task.
type Request struct {
	AuctionID string
	Task      types.Task
	Agents    []registry.Descriptor
	Profile   map[string]string
	History   []types.Turn
}

// Bidder produces confidence bids via the Completer. It is the only
// component permitted to call the Completer for routing decisions.
type Bidder struct {
	completer      completer.Completer
	breaker        *breaker.Breaker
	hasCredentials bool
	callTimeout    time.Duration

	mu    sync.Mutex
	cache *evalCache

	group singleflight.Group
}

func New(c completer.Completer, brk *breaker.Breaker, cacheTTL time.Duration, hasCredentials bool) *Bidder {
	if brk == nil {
		brk = breaker.New(10, 30*time.Second, time.Minute)
	}
	return &Bidder{
		completer:      c,
		breaker:        brk,
		hasCredentials: hasCredentials,
		callTimeout:    15 * time.Second,
		cache:          newEvalCache(cacheTTL, 100),
	}
}

// Evaluate returns one bid per solicited agent. Cached evaluations are served
// without an LLM call; the remainder is resolved by at most one Completer
// batch per distinct (agents, text, context) set, shared across concurrent
// callers even when their auction ids differ.
func (b *Bidder) Evaluate(ctx context.Context, req Request) (map[string]types.Bid, error) {
	if !b.hasCredentials {
		return nil, ErrNoCredentials
	}
	bids := make(map[string]types.Bid, len(req.Agents))
	if len(req.Agents) == 0 {
		return bids, nil
	}

	conv := renderConversation(req.History)

	var missing []registry.Descriptor
	b.mu.Lock()
	for _, a := range req.Agents {
		if raw, ok := b.cache.get(cacheKey(a.ID, req.Task.Normalized, conv)); ok {
			bids[a.ID] = bidFromRaw(a.ID, raw)
			continue
		}
		missing = append(missing, a)
	}
	b.mu.Unlock()
	if len(missing) == 0 {
		return bids, nil
	}

	shared, _, _ := b.group.Do(flightKey(missing, req.Task.Normalized, conv), func() (interface{}, error) {
		return b.evaluateMissing(ctx, req, missing, conv), nil
	})
	for id, bid := range shared.(map[string]types.Bid) {
		bids[id] = bid
	}
	return bids, nil
}

// flightKey folds the unresolved cache keys into one digest. Keying the
// singleflight on content rather than the auction id lets concurrent
// identical utterances from distinct auctions share a single Completer call.
func flightKey(agents []registry.Descriptor, normalized, conv string) string {
	keys := make([]string, 0, len(agents))
	for _, a := range agents {
		keys = append(keys, cacheKey(a.ID, normalized, conv))
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (b *Bidder) evaluateMissing(ctx context.Context, req Request, agents []registry.Descriptor, conv string) map[string]types.Bid {
	// Re-check the cache inside the flight: a caller that missed before a
	// previous flight landed must not trigger a second Completer call.
	cached := make(map[string]types.Bid)
	var still []registry.Descriptor
	b.mu.Lock()
	for _, a := range agents {
		if raw, ok := b.cache.get(cacheKey(a.ID, req.Task.Normalized, conv)); ok {
			cached[a.ID] = bidFromRaw(a.ID, raw)
			continue
		}
		still = append(still, a)
	}
	b.mu.Unlock()
	if len(still) == 0 {
		return cached
	}
	agents = still

	out, err := b.evaluateBatch(ctx, req, agents, conv)
	if err == nil {
		for id, bid := range cached {
			out[id] = bid
		}
		return out
	}
	logger.Error("[Bidder] Batch evaluation failed, falling back to per-agent: %v", err)
	out = b.evaluatePerAgent(ctx, req, agents, conv)
	for id, bid := range cached {
		out[id] = bid
	}
	return out
}

func (b *Bidder) evaluateBatch(ctx context.Context, req Request, agents []registry.Descriptor, conv string) (map[string]types.Bid, error) {
	var resp completer.Response
	err := b.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		var cerr error
		resp, cerr = b.completer.Chat(callCtx, completer.Request{
			System:    batchSystemPrompt,
			Messages:  []completer.Message{{Role: "user", Content: buildBatchInput(req, agents, conv)}},
			MaxTokens: 1400,
			JSONMode:  true,
			Feature:   "bid-batch",
		})
		return cerr
	})
	if err != nil {
		return nil, err
	}

	body := resp.Content
	if !gjson.Valid(body) {
		return nil, errBatchShape
	}
	bidsNode := gjson.Get(body, "bids")
	if !bidsNode.IsArray() {
		return nil, errBatchShape
	}

	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.ID] = true
	}

	out := make(map[string]types.Bid, len(agents))
	raws := make(map[string]string, len(agents))
	bidsNode.ForEach(func(_, node gjson.Result) bool {
		id := node.Get("id").String()
		if !known[id] {
			return true
		}
		raw := sanitizeBid(node.Raw)
		raws[id] = raw
		out[id] = bidFromRaw(id, raw)
		return true
	})

	// The batch prompt filters to matches; absent agents bid zero. Cache the
	// zero too so a repeat within TTL costs nothing.
	for _, a := range agents {
		if _, ok := out[a.ID]; ok {
			continue
		}
		raw := sanitizeBid(`{"confidence":0,"reasoning":"not listed as a match"}`)
		raws[a.ID] = raw
		out[a.ID] = bidFromRaw(a.ID, raw)
	}

	b.mu.Lock()
	for id, raw := range raws {
		b.cache.put(cacheKey(id, req.Task.Normalized, conv), raw)
	}
	b.mu.Unlock()
	return out, nil
}

func (b *Bidder) evaluatePerAgent(ctx context.Context, req Request, agents []registry.Descriptor, conv string) map[string]types.Bid {
	out := make(map[string]types.Bid, len(agents))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		a := a
		g.Go(func() error {
			raw, err := b.evaluateOne(gctx, req, a, conv)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// provider trouble degrades to a zero-confidence bid
				out[a.ID] = types.Bid{AgentID: a.ID, Reasoning: "evaluation unavailable"}
				return nil
			}
			out[a.ID] = bidFromRaw(a.ID, raw)
			b.mu.Lock()
			b.cache.put(cacheKey(a.ID, req.Task.Normalized, conv), raw)
			b.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (b *Bidder) evaluateOne(ctx context.Context, req Request, agent registry.Descriptor, conv string) (string, error) {
	var resp completer.Response
	err := b.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
		var cerr error
		resp, cerr = b.completer.Chat(callCtx, completer.Request{
			System:    singleSystemPrompt,
			Messages:  []completer.Message{{Role: "user", Content: buildSingleInput(req, agent, conv)}},
			MaxTokens: 400,
			JSONMode:  true,
			Feature:   "bid-single",
		})
		return cerr
	})
	if err != nil {
		return "", err
	}
	if !gjson.Valid(resp.Content) || !gjson.Get(resp.Content, "confidence").Exists() {
		return "", fmt.Errorf("bidder: invalid single-bid payload")
	}
	return sanitizeBid(resp.Content), nil
}

const confidenceBands = `Confidence bands:
- 0.85-1.00 clear match
- 0.70-0.84 strong match
- 0.50-0.69 possible match
- 0.20-0.49 weak match
- 0.00-0.19 no match`

const batchSystemPrompt = `You are the routing auctioneer for a voice assistant.
Score how well EACH listed agent can handle the task. Return JSON only.

JSON schema:
{"bids":[{"id":"agent id","confidence":0.0,"plan":"one sentence","reasoning":"short","hallucinationRisk":"none|low|high","result":"optional direct answer"}]}

Rules:
- Only include agents that plausibly match; omit clear non-matches.
- confidence is between 0 and 1.
- Set result ONLY when the agent can answer directly without executing anything, and set hallucinationRisk honestly.

` + confidenceBands

const singleSystemPrompt = `You score whether ONE agent can handle a task. Return JSON only.

JSON schema:
{"confidence":0.0,"plan":"one sentence","reasoning":"short","hallucinationRisk":"none|low|high","result":"optional direct answer"}

Rules:
- confidence is between 0 and 1.
- Set result ONLY for direct answers that need no execution.

` + confidenceBands

func buildBatchInput(req Request, agents []registry.Descriptor, conv string) string {
	var b strings.Builder
	b.WriteString("task: ")
	b.WriteString(req.Task.Normalized)
	b.WriteString("\n\nagents:\n")
	for _, a := range agents {
		b.WriteString(fmt.Sprintf("- id=%s name=%q type=%s capabilities=%s\n  %s\n",
			a.ID, a.Name, a.ExecutionType, strings.Join(a.Capabilities, ","), a.Prompt))
	}
	writeContext(&b, req, conv)
	return b.String()
}

func buildSingleInput(req Request, agent registry.Descriptor, conv string) string {
	var b strings.Builder
	b.WriteString("task: ")
	b.WriteString(req.Task.Normalized)
	b.WriteString("\n\nagent:\n")
	b.WriteString(fmt.Sprintf("- id=%s name=%q type=%s capabilities=%s\n  %s\n",
		agent.ID, agent.Name, agent.ExecutionType, strings.Join(agent.Capabilities, ","), agent.Prompt))
	writeContext(&b, req, conv)
	return b.String()
}

func writeContext(b *strings.Builder, req Request, conv string) {
	if len(req.Profile) > 0 {
		b.WriteString("\nuser_profile:\n")
		count := 0
		for k, v := range req.Profile {
			if count >= 10 {
				break
			}
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, v))
			count++
		}
	}
	if conv != "" {
		b.WriteString("\nrecent_conversation:\n")
		b.WriteString(conv)
		b.WriteString("\n")
	}
}

func renderConversation(history []types.Turn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	var b strings.Builder
	for _, turn := range history {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
