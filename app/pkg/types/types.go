package types

import (
	"context"
	"time"
)

// TaskKind classifies what the decomposer produced.
type TaskKind string

const (
	TaskIntent  TaskKind = "intent"
	TaskSystem  TaskKind = "system"
	TaskClarify TaskKind = "clarify"
	TaskError   TaskKind = "error"
)

// TaskState is the lifecycle state of a task once issued.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateRunning    TaskState = "running"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
	StateDeadletter TaskState = "deadletter"
)

// Turn is one entry of recent conversation handed in with an utterance.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Utterance is a single user speech event plus optional metadata.
type Utterance struct {
	Text      string
	SessionID string
	SpaceID   string
	Sequence  uint64
	Profile   map[string]string // user-profile facts, key -> value
	History   []Turn            // bounded, last ~20 turns
}

// Task is the atomic unit of work produced by the decomposer.
type Task struct {
	ID          string
	Kind        TaskKind
	Text        string
	Normalized  string
	Command     string // for system tasks: cancel, repeat, undo
	Params      map[string]string
	Priority    int // 1..5, default 2
	UtteranceID string
	SessionID   string
	CreatedAt   time.Time
	Attempt     int
	MaxAttempts int
	State       TaskState
	AgentID     string
	StartedAt   time.Time
	LastError   string // most recent execution failure, kept through deadletter
}

// HallucinationRisk tags how likely a bid's direct answer is fabricated.
type HallucinationRisk string

const (
	RiskNone HallucinationRisk = "none"
	RiskLow  HallucinationRisk = "low"
	RiskHigh HallucinationRisk = "high"
)

// Bid is an agent's self-assessment for one task. FastPath is a direct
// answer, empty when absent; a sanitized bid with RiskHigh never carries one.
type Bid struct {
	AgentID    string
	Confidence float64
	Plan       string
	Reasoning  string
	Risk       HallucinationRisk
	FastPath   string
}

// InputRequest asks the user for a missing field before the agent can finish.
type InputRequest struct {
	Field  string
	Prompt string
}

// Handoff resubmits a sub-task to a named agent under a fresh id.
type Handoff struct {
	AgentID string
	Text    string
}

// Result is what an agent returns for one task execution.
type Result struct {
	Success         bool
	Message         string
	Output          string
	NeedsInput      *InputRequest
	UndoDescription string
	Undo            func(context.Context) error
	Handoff         *Handoff
}

// Runner executes tasks on behalf of one agent.
type Runner interface {
	Run(ctx context.Context, task Task) (Result, error)
}

// Briefer is implemented by runners that contribute to the daily brief.
type Briefer interface {
	Briefing(ctx context.Context) (string, error)
}

// Answerer is implemented by runners that accept a pending-question answer
// directly, bypassing the auction.
type Answerer interface {
	Answer(ctx context.Context, task Task, field, value string) (Result, error)
}
