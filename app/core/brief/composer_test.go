package brief

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agentex/app/core/completer"
	"agentex/app/core/registry"
	"agentex/app/pkg/types"
)

type briefingAgent struct {
	text  string
	err   error
	stall bool
}

func (a *briefingAgent) Run(context.Context, types.Task) (types.Result, error) {
	return types.Result{Success: true}, nil
}

func (a *briefingAgent) Briefing(ctx context.Context) (string, error) {
	if a.stall {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return a.text, a.err
}

type echoCompleter struct {
	lastInput string
	fail      bool
}

func (c *echoCompleter) Chat(_ context.Context, req completer.Request) (completer.Response, error) {
	if c.fail {
		return completer.Response{}, completer.ErrProviderUnavailable
	}
	c.lastInput = req.Messages[0].Content
	return completer.Response{Content: "Here is your morning brief."}, nil
}

func registerBriefer(t *testing.T, reg *registry.Registry, id string, priority int, a *briefingAgent) {
	t.Helper()
	err := reg.Register(registry.Descriptor{
		ID:               id,
		Name:             id,
		ExecutionType:    registry.ExecBuiltin,
		Enabled:          true,
		BriefingPriority: priority,
	}, a)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestFragmentsMergedInPriorityOrder(t *testing.T) {
	reg := registry.New()
	registerBriefer(t, reg, "calendar-agent", 2, &briefingAgent{text: "Two meetings today."})
	registerBriefer(t, reg, "time-agent", 1, &briefingAgent{text: "It's Tuesday."})

	llm := &echoCompleter{}
	got := New(reg, llm).Compose(context.Background())
	if got != "Here is your morning brief." {
		t.Fatalf("unexpected brief: %q", got)
	}

	first := strings.Index(llm.lastInput, "It's Tuesday.")
	second := strings.Index(llm.lastInput, "Two meetings today.")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("fragments out of priority order:\n%s", llm.lastInput)
	}
}

func TestStalledContributorIsOmitted(t *testing.T) {
	reg := registry.New()
	registerBriefer(t, reg, "time-agent", 1, &briefingAgent{text: "It's Tuesday."})
	registerBriefer(t, reg, "weather-agent", 3, &briefingAgent{stall: true})

	c := New(reg, &echoCompleter{})
	got := composeWithTimeouts(t, c, 50*time.Millisecond)
	if got == fallbackGreeting {
		t.Fatalf("healthy fragment must survive a stalled peer")
	}
}

// composeWithTimeouts bounds Compose through the parent context since the
// per-agent deadline is a package constant.
func composeWithTimeouts(t *testing.T, c *Composer, d time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Compose(ctx)
}

func TestErroringContributorIsOmitted(t *testing.T) {
	reg := registry.New()
	registerBriefer(t, reg, "time-agent", 1, &briefingAgent{text: "It's Tuesday."})
	registerBriefer(t, reg, "weather-agent", 3, &briefingAgent{err: errors.New("upstream down")})

	llm := &echoCompleter{}
	New(reg, llm).Compose(context.Background())
	if strings.Contains(llm.lastInput, "weather-agent") {
		t.Fatalf("failed contributor leaked into synthesis:\n%s", llm.lastInput)
	}
	if !strings.Contains(llm.lastInput, "It's Tuesday.") {
		t.Fatalf("healthy fragment missing:\n%s", llm.lastInput)
	}
}

func TestNoFragmentsSpeaksFallback(t *testing.T) {
	reg := registry.New()
	if got := New(reg, &echoCompleter{}).Compose(context.Background()); got != fallbackGreeting {
		t.Fatalf("expected fallback greeting, got %q", got)
	}

	registerBriefer(t, reg, "weather-agent", 3, &briefingAgent{err: errors.New("down")})
	if got := New(reg, &echoCompleter{}).Compose(context.Background()); got != fallbackGreeting {
		t.Fatalf("all-failed brief must fall back, got %q", got)
	}
}

func TestSynthesisFailureSpeaksFragmentsVerbatim(t *testing.T) {
	reg := registry.New()
	registerBriefer(t, reg, "time-agent", 1, &briefingAgent{text: "It's Tuesday."})

	got := New(reg, &echoCompleter{fail: true}).Compose(context.Background())
	if got != "It's Tuesday." {
		t.Fatalf("expected verbatim fragment, got %q", got)
	}
}
