package bidder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentex/app/core/completer"
	"agentex/app/core/registry"
	"agentex/app/pkg/types"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	calls   int32
	replies map[string]string // feature -> body
	errs    map[string]error
	delay   time.Duration
}

func (s *scriptedCompleter) Chat(ctx context.Context, req completer.Request) (completer.Response, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return completer.Response{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[req.Feature]; ok && err != nil {
		return completer.Response{}, err
	}
	return completer.Response{Content: s.replies[req.Feature]}, nil
}

func agents(ids ...string) []registry.Descriptor {
	out := make([]registry.Descriptor, len(ids))
	for i, id := range ids {
		out[i] = registry.Descriptor{ID: id, Name: id, ExecutionType: registry.ExecBuiltin, Enabled: true}
	}
	return out
}

func bidReq(auctionID, text string, descs []registry.Descriptor) Request {
	return Request{
		AuctionID: auctionID,
		Task:      types.Task{ID: "t1", Kind: types.TaskIntent, Text: text, Normalized: text},
		Agents:    descs,
	}
}

func TestBatchEvaluation(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string]string{
		"bid-batch": `{"bids":[
			{"id":"time-agent","confidence":0.95,"plan":"tell the time","reasoning":"time question","hallucinationRisk":"none"},
			{"id":"stranger","confidence":0.99}
		]}`,
	}}
	b := New(sc, nil, time.Minute, true)

	bids, err := b.Evaluate(context.Background(), bidReq("a1", "what time is it", agents("time-agent", "calendar-agent")))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if bids["time-agent"].Confidence != 0.95 {
		t.Fatalf("time-agent bid %+v", bids["time-agent"])
	}
	if bids["calendar-agent"].Confidence != 0 {
		t.Fatalf("unlisted agents must bid zero, got %+v", bids["calendar-agent"])
	}
	if _, ok := bids["stranger"]; ok {
		t.Fatal("bids for unsolicited agents must be discarded")
	}
}

func TestNoCredentialsRefusesToBid(t *testing.T) {
	b := New(&scriptedCompleter{}, nil, time.Minute, false)
	if _, err := b.Evaluate(context.Background(), bidReq("a1", "hi", agents("x"))); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestCacheHitSkipsCompleter(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string]string{
		"bid-batch": `{"bids":[{"id":"time-agent","confidence":0.9}]}`,
	}}
	b := New(sc, nil, time.Minute, true)
	req := bidReq("a1", "what's the forecast", agents("time-agent"))

	if _, err := b.Evaluate(context.Background(), req); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	req.AuctionID = "a2"
	if _, err := b.Evaluate(context.Background(), req); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if got := atomic.LoadInt32(&sc.calls); got != 1 {
		t.Fatalf("cached evaluation must not call the completer again, calls=%d", got)
	}
}

func TestConcurrentCallersShareOneCall(t *testing.T) {
	sc := &scriptedCompleter{
		delay: 30 * time.Millisecond,
		replies: map[string]string{
			"bid-batch": `{"bids":[{"id":"time-agent","confidence":0.9}]}`,
		},
	}
	b := New(sc, nil, time.Minute, true)
	req := bidReq("shared-auction", "what time is it in Paris now please", agents("time-agent"))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Evaluate(context.Background(), req); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&sc.calls); got != 1 {
		t.Fatalf("expected exactly one completer call per auction id, got %d", got)
	}
}

func TestIdenticalUtterancesAcrossAuctionsShareOneCall(t *testing.T) {
	sc := &scriptedCompleter{
		delay: 50 * time.Millisecond,
		replies: map[string]string{
			"bid-batch": `{"bids":[{"id":"time-agent","confidence":0.9}]}`,
		},
	}
	b := New(sc, nil, time.Minute, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := bidReq(fmt.Sprintf("auction-%d", i), "what time is it in Paris now please", agents("time-agent"))
			if _, err := b.Evaluate(context.Background(), req); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&sc.calls); got != 1 {
		t.Fatalf("expected exactly one completer call for identical concurrent utterances, got %d", got)
	}
}

func TestBatchFailureFallsBackPerAgent(t *testing.T) {
	sc := &scriptedCompleter{
		replies: map[string]string{
			"bid-batch":  `not json at all`,
			"bid-single": `{"confidence":0.7,"plan":"handle it","reasoning":"fits","hallucinationRisk":"none"}`,
		},
	}
	b := New(sc, nil, time.Minute, true)

	bids, err := b.Evaluate(context.Background(), bidReq("a1", "dim the lights", agents("light-agent", "music-agent")))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected a bid per agent, got %d", len(bids))
	}
	if bids["light-agent"].Confidence != 0.7 {
		t.Fatalf("per-agent fallback bid %+v", bids["light-agent"])
	}
}

func TestProviderFailureYieldsZeroBids(t *testing.T) {
	sc := &scriptedCompleter{errs: map[string]error{
		"bid-batch":  completer.ErrProviderUnavailable,
		"bid-single": completer.ErrProviderUnavailable,
	}}
	b := New(sc, nil, time.Minute, true)

	bids, err := b.Evaluate(context.Background(), bidReq("a1", "dim the lights", agents("light-agent")))
	if err != nil {
		t.Fatalf("provider failure must degrade, not error: %v", err)
	}
	if bids["light-agent"].Confidence != 0 {
		t.Fatalf("expected zero-confidence bid, got %+v", bids["light-agent"])
	}
}

func TestBatchSanitizesBids(t *testing.T) {
	sc := &scriptedCompleter{replies: map[string]string{
		"bid-batch": `{"bids":[{"id":"kb-agent","confidence":0.9,"reasoning":"this falls under the domain of web search","hallucinationRisk":"high","result":"made up answer"}]}`,
	}}
	b := New(sc, nil, time.Minute, true)

	bids, err := b.Evaluate(context.Background(), bidReq("a1", "who won the cup", agents("kb-agent")))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	bid := bids["kb-agent"]
	if bid.FastPath != "" {
		t.Fatalf("high-risk fast path must be stripped, got %q", bid.FastPath)
	}
	if bid.Confidence != clampedConfidence {
		t.Fatalf("negation marker must clamp confidence, got %v", bid.Confidence)
	}
}
