package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

var (
	// ErrPolicyViolation rejects descriptors that try to ship their own
	// routing. Routing is mediated by the bidder only.
	ErrPolicyViolation = errors.New("registry: descriptor advertises an embedded classifier")
	ErrNotFound        = errors.New("registry: agent not found")
	ErrInvalid         = errors.New("registry: invalid descriptor")
)

type ExecutionType string

const (
	ExecBuiltin     ExecutionType = "builtin"
	ExecLLM         ExecutionType = "llm"
	ExecAppleScript ExecutionType = "applescript"
	ExecNodeJS      ExecutionType = "nodejs"
	ExecExchange    ExecutionType = "exchange"
)

// Descriptor describes one agent. The shape deliberately has no classifier,
// matcher, or pattern field: keywords are hints only and never consulted for
// routing decisions.
type Descriptor struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Capabilities         []string      `json:"capabilities"`
	Keywords             []string      `json:"keywords"`
	Prompt               string        `json:"prompt"`
	ExecutionType        ExecutionType `json:"execution_type"`
	EstimatedExecutionMs int           `json:"estimated_execution_ms"`
	MaxInFlight          int           `json:"max_in_flight"`
	Priority             int           `json:"priority"`
	Enabled              bool          `json:"enabled"`
	BriefingPriority     int           `json:"briefing_priority"` // 1..9, 0 = no briefing
}

type entry struct {
	desc   Descriptor
	runner types.Runner
	order  int
}

// Registry is the single source of truth for agents, local and remote.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*entry
	nextOrder int
}

func New() *Registry {
	return &Registry{agents: map[string]*entry{}}
}

// Register adds or replaces an agent. Registration is idempotent on id; a
// replacement keeps the original registration order.
func (r *Registry) Register(desc Descriptor, runner types.Runner) error {
	if strings.TrimSpace(desc.ID) == "" || strings.TrimSpace(desc.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalid)
	}
	if !validExecutionType(desc.ExecutionType) {
		return fmt.Errorf("%w: unknown execution type %q", ErrInvalid, desc.ExecutionType)
	}
	if runner == nil {
		return fmt.Errorf("%w: runner is required", ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[desc.ID]; ok {
		existing.desc = desc
		existing.runner = runner
		logger.Info("[Registry] Replaced agent %s", desc.ID)
		return nil
	}
	r.agents[desc.ID] = &entry{desc: desc, runner: runner, order: r.nextOrder}
	r.nextOrder++
	logger.Info("[Registry] Registered agent %s (%s)", desc.ID, desc.ExecutionType)
	return nil
}

// forbidden keys an external registration payload must not carry. The
// descriptor struct has no such fields; this guards paths that accept raw
// JSON (e.g. the exchange register message).
var forbiddenDescriptorKeys = []string{"classifier", "patterns", "regex", "matcher", "bidding_function"}

// RegisterRaw registers from an untrusted JSON payload, enforcing the
// no-embedded-classifier policy before decoding.
func (r *Registry) RegisterRaw(payload []byte, runner types.Runner) (Descriptor, error) {
	if !gjson.ValidBytes(payload) {
		return Descriptor{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}
	for _, key := range forbiddenDescriptorKeys {
		if gjson.GetBytes(payload, key).Exists() {
			return Descriptor{}, fmt.Errorf("%w: field %q", ErrPolicyViolation, key)
		}
	}
	var desc Descriptor
	if err := json.Unmarshal(payload, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	desc.Enabled = true
	if err := r.Register(desc, runner); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return ErrNotFound
	}
	delete(r.agents, id)
	logger.Info("[Registry] Unregistered agent %s", id)
	return nil
}

// List returns descriptors in registration order.
func (r *Registry) List(enabledOnly bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		if enabledOnly && !e.desc.Enabled {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.desc
	}
	return out
}

// EnabledForTask applies the structural filter only: enabled agents for
// intent tasks. It never classifies.
func (r *Registry) EnabledForTask(task types.Task) []Descriptor {
	if task.Kind != types.TaskIntent {
		return nil
	}
	return r.List(true)
}

func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func (r *Registry) Runner(id string) (types.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.runner, true
}

// Order reports the registration order index, used by the auctioneer for
// deterministic tie-breaking.
func (r *Registry) Order(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[id]; ok {
		return e.order
	}
	return int(^uint(0) >> 1)
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	e.desc.Enabled = enabled
	return nil
}

// Briefers returns enabled agents that contribute to the daily brief, with
// their runners, sorted by briefing priority ascending.
func (r *Registry) Briefers() []BriefEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BriefEntry
	for _, e := range r.agents {
		if !e.desc.Enabled || e.desc.BriefingPriority <= 0 {
			continue
		}
		b, ok := e.runner.(types.Briefer)
		if !ok {
			continue
		}
		out = append(out, BriefEntry{Descriptor: e.desc, Briefer: b})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.BriefingPriority < out[j].Descriptor.BriefingPriority
	})
	return out
}

type BriefEntry struct {
	Descriptor Descriptor
	Briefer    types.Briefer
}

func validExecutionType(t ExecutionType) bool {
	switch t {
	case ExecBuiltin, ExecLLM, ExecAppleScript, ExecNodeJS, ExecExchange:
		return true
	}
	return false
}
