package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentex/app/core/bidder"
	"agentex/app/core/completer"
	"agentex/app/core/registry"
	"agentex/app/pkg/types"
)

type runner struct{}

func (runner) Run(context.Context, types.Task) (types.Result, error) {
	return types.Result{Success: true}, nil
}

type replyCompleter struct {
	body string
}

func (r *replyCompleter) Chat(ctx context.Context, req completer.Request) (completer.Response, error) {
	return completer.Response{Content: r.body}, nil
}

func setup(t *testing.T, body string, descs ...registry.Descriptor) *Auctioneer {
	t.Helper()
	reg := registry.New()
	for _, d := range descs {
		if err := reg.Register(d, runner{}); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	b := bidder.New(&replyCompleter{body: body}, nil, time.Minute, true)
	return New(reg, b, nil, 500*time.Millisecond)
}

func desc(id string, execType registry.ExecutionType, priority int) registry.Descriptor {
	return registry.Descriptor{ID: id, Name: id, ExecutionType: execType, Priority: priority, Enabled: true}
}

func intentTask(text string) types.Task {
	return types.Task{ID: "t1", Kind: types.TaskIntent, Text: text, Normalized: text}
}

func TestWinnerRequiresThreshold(t *testing.T) {
	a := setup(t, `{"bids":[{"id":"a","confidence":0.45},{"id":"b","confidence":0.3}]}`,
		desc("a", registry.ExecBuiltin, 0), desc("b", registry.ExecBuiltin, 0))

	_, err := a.Run(context.Background(), intentTask("do something vague"), nil, nil)
	if !errors.Is(err, ErrNoSuitableAgent) {
		t.Fatalf("bids below 0.5 must not win, got %v", err)
	}
}

func TestWinnerAndBackups(t *testing.T) {
	a := setup(t, `{"bids":[
		{"id":"a","confidence":0.9},
		{"id":"b","confidence":0.7},
		{"id":"c","confidence":0.55},
		{"id":"d","confidence":0.4}
	]}`,
		desc("a", registry.ExecBuiltin, 0), desc("b", registry.ExecBuiltin, 0),
		desc("c", registry.ExecBuiltin, 0), desc("d", registry.ExecBuiltin, 0))

	out, err := a.Run(context.Background(), intentTask("turn on the lights"), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Winner.AgentID != "a" {
		t.Fatalf("winner %q", out.Winner.AgentID)
	}
	if len(out.Backups) != 2 || out.Backups[0].AgentID != "b" || out.Backups[1].AgentID != "c" {
		t.Fatalf("backups must be the remaining bids >= 0.5 in order, got %+v", out.Backups)
	}
}

func TestTieBreakByPriorityThenOrder(t *testing.T) {
	a := setup(t, `{"bids":[
		{"id":"first","confidence":0.8},
		{"id":"hinted","confidence":0.8},
		{"id":"second","confidence":0.8}
	]}`,
		desc("first", registry.ExecBuiltin, 0),
		desc("second", registry.ExecBuiltin, 0),
		desc("hinted", registry.ExecBuiltin, 3))

	out, err := a.Run(context.Background(), intentTask("flip a coin"), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Winner.AgentID != "hinted" {
		t.Fatalf("priority hint must break the tie, got %q", out.Winner.AgentID)
	}
	if out.Backups[0].AgentID != "first" || out.Backups[1].AgentID != "second" {
		t.Fatalf("registration order must break the remaining tie, got %+v", out.Backups)
	}
}

func TestFastPathForNonActionWinner(t *testing.T) {
	a := setup(t, `{"bids":[{"id":"kb","confidence":0.92,"hallucinationRisk":"low","result":"Paris is the capital of France"}]}`,
		desc("kb", registry.ExecLLM, 0))

	out, err := a.Run(context.Background(), intentTask("capital of France"), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FastPath == "" {
		t.Fatal("expected fast-path short-circuit")
	}
}

func TestNoFastPathForActionAgents(t *testing.T) {
	a := setup(t, `{"bids":[{"id":"mover","confidence":0.92,"hallucinationRisk":"low","result":"done!"}]}`,
		desc("mover", registry.ExecAppleScript, 0))

	out, err := a.Run(context.Background(), intentTask("move the files"), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FastPath != "" {
		t.Fatal("action agents must execute for real")
	}
}

func TestNoAgentsRegistered(t *testing.T) {
	a := setup(t, `{"bids":[]}`)
	if _, err := a.Run(context.Background(), intentTask("anything"), nil, nil); !errors.Is(err, ErrNoSuitableAgent) {
		t.Fatalf("expected ErrNoSuitableAgent, got %v", err)
	}
}
