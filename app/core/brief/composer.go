package brief

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentex/app/core/completer"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
)

const (
	perAgentTimeout = 8 * time.Second
	overallTimeout  = 15 * time.Second

	fallbackGreeting = "Good morning. Nothing to report yet."
)

// Composer fans out to every agent that contributes a briefing, merges the
// fragments in briefing-priority order and asks the completer for one spoken
// reply. Each invocation is fresh; briefs are never cached.
type Composer struct {
	registry  *registry.Registry
	completer completer.Completer
}

type fragment struct {
	priority int
	agent    string
	text     string
}

func New(reg *registry.Registry, c completer.Completer) *Composer {
	return &Composer{registry: reg, completer: c}
}

// Compose returns the spoken daily brief. Contributors that error or miss
// their deadline are omitted; with zero fragments the fixed greeting is
// returned instead.
func (c *Composer) Compose(ctx context.Context) string {
	entries := c.registry.Briefers()
	if len(entries) == 0 {
		return fallbackGreeting
	}

	overall, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	var mu sync.Mutex
	var fragments []fragment

	g, gctx := errgroup.WithContext(overall)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, perAgentTimeout)
			defer cancel()
			text, err := e.Briefer.Briefing(callCtx)
			if err != nil {
				logger.Error("[Brief] %s dropped from the brief: %v", e.Descriptor.ID, err)
				return nil
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return nil
			}
			mu.Lock()
			fragments = append(fragments, fragment{
				priority: e.Descriptor.BriefingPriority,
				agent:    e.Descriptor.Name,
				text:     text,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(fragments) == 0 {
		return fallbackGreeting
	}
	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].priority < fragments[j].priority
	})
	return c.synthesize(overall, fragments)
}

func (c *Composer) synthesize(ctx context.Context, fragments []fragment) string {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString(fmt.Sprintf("[%s] %s\n", f.agent, f.text))
	}

	resp, err := c.completer.Chat(ctx, completer.Request{
		System:    synthesizeSystemPrompt,
		Messages:  []completer.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 400,
		Feature:   "daily-brief",
	})
	if err != nil {
		logger.Error("[Brief] Synthesis failed, speaking fragments verbatim: %v", err)
		parts := make([]string, len(fragments))
		for i, f := range fragments {
			parts[i] = f.text
		}
		return strings.Join(parts, " ")
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return fallbackGreeting
	}
	return out
}

const synthesizeSystemPrompt = `You are composing a short spoken morning brief.
Merge the fragments below into one natural paragraph, keeping their order.
Do not mention sources that are absent. Do not add information. Plain text only.`
