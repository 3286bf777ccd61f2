package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentex/app/configs"
	"agentex/app/core/auction"
	"agentex/app/core/bidder"
	"agentex/app/core/breaker"
	"agentex/app/core/completer"
	"agentex/app/core/decomposer"
	"agentex/app/core/executor"
	"agentex/app/core/progress"
	"agentex/app/core/queue"
	"agentex/app/core/registry"
	"agentex/app/core/router"
	"agentex/app/pkg/types"
)

type cannedLLM struct {
	agentID string
}

func (c *cannedLLM) Chat(_ context.Context, req completer.Request) (completer.Response, error) {
	switch req.Feature {
	case "decompose":
		line := req.Messages[0].Content
		if idx := strings.Index(line, "\n"); idx >= 0 {
			line = line[:idx]
		}
		text := strings.TrimPrefix(line, "utterance: ")
		return completer.Response{Content: fmt.Sprintf(`{"tasks":[{"kind":"intent","text":%q}]}`, text)}, nil
	case "bid-batch":
		return completer.Response{
			Content: fmt.Sprintf(`{"bids":[{"id":%q,"confidence":0.9,"plan":"p","reasoning":"r","hallucinationRisk":"none"}]}`, c.agentID),
		}, nil
	}
	return completer.Response{Content: "{}"}, nil
}

type runnerFunc func(ctx context.Context, task types.Task) (types.Result, error)

func (f runnerFunc) Run(ctx context.Context, task types.Task) (types.Result, error) {
	return f(ctx, task)
}

func newTestServer(t *testing.T) (*httptest.Server, *executor.CancelSet, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	err := reg.Register(registry.Descriptor{
		ID: "echo-agent", Name: "echo-agent", ExecutionType: registry.ExecBuiltin, Enabled: true,
	}, runnerFunc(func(_ context.Context, task types.Task) (types.Result, error) {
		return types.Result{Success: true, Message: "echo: " + task.Text}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	llm := &cannedLLM{agentID: "echo-agent"}
	bd := bidder.New(llm, breaker.New(10, time.Second, time.Minute), time.Minute, true)
	auc := auction.New(reg, bd, nil, 500*time.Millisecond)
	cancelled := executor.NewCancelSet()
	bus := progress.NewBus()
	exec := executor.New(reg, cancelled, bus, 2*time.Second)
	queues := queue.NewManager(5 * time.Millisecond)
	if err := queues.Create("main", 2, 0, queue.OverflowError); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	hub := NewSpeechHub(nil)
	r := router.New(router.Deps{
		Config:     configs.RouterConfig{ConfirmYes: []string{"yes"}, ConfirmNo: []string{"no"}},
		Completer:  llm,
		Decomposer: decomposer.New(llm),
		Auctioneer: auc,
		Executor:   exec,
		Registry:   reg,
		Queues:     queues,
		Progress:   bus,
		Speaker:    hub,
		Queue:      "main",
	})
	queues.SetHandler(r.HandleTask)
	if err := queues.Start(context.Background()); err != nil {
		t.Fatalf("start queues: %v", err)
	}
	t.Cleanup(func() { _ = queues.Stop(time.Second) })

	s := NewServer(0, r, reg, queues, cancelled, nil, hub)
	s.started = time.Now()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, cancelled, reg
}

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(v)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestMessageReturnsSpokenLines(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/message", map[string]string{"text": "say hello", "sessionId": "s1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Spoken []string `json:"spoken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, line := range out.Spoken {
		if line == "echo: say hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("agent reply missing from response: %v", out.Spoken)
	}
}

func TestCancelEndpointMarksTask(t *testing.T) {
	ts, cancelled, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/cancel", map[string]string{"taskId": "task-42"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !cancelled.Has("task-42") {
		t.Fatal("task not in the cancelled set")
	}
}

func TestAgentEnableDisable(t *testing.T) {
	ts, _, reg := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/agents/disable", map[string]string{"id": "echo-agent"})
	resp.Body.Close()
	if desc, _ := reg.Get("echo-agent"); desc.Enabled {
		t.Fatal("agent should be disabled")
	}

	resp = postJSON(t, ts.URL+"/api/agents/enable", map[string]string{"id": "echo-agent"})
	resp.Body.Close()
	if desc, _ := reg.Get("echo-agent"); !desc.Enabled {
		t.Fatal("agent should be enabled again")
	}

	resp = postJSON(t, ts.URL+"/api/agents/enable", map[string]string{"id": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent must 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthShape(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"status", "uptime", "activeTasks", "queueStats"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("health missing %q: %v", key, out)
		}
	}
}

func TestMessageRejectsGet(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/message")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
