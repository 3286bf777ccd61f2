package builtins

import (
	"context"
	"fmt"
	"time"

	"agentex/app/core/registry"
	"agentex/app/pkg/types"
)

// TimeAgent answers time and date questions and contributes a brief fragment.
type TimeAgent struct {
	now func() time.Time
}

func NewTimeAgent() *TimeAgent {
	return &TimeAgent{now: time.Now}
}

func (a *TimeAgent) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:                   "time-agent",
		Name:                 "Time",
		Capabilities:         []string{"time", "date"},
		Keywords:             []string{"time", "date", "clock"},
		Prompt:               "Answers questions about the current time and date.",
		ExecutionType:        registry.ExecBuiltin,
		EstimatedExecutionMs: 200,
		MaxInFlight:          4,
		Enabled:              true,
		BriefingPriority:     1,
	}
}

func (a *TimeAgent) Run(ctx context.Context, task types.Task) (types.Result, error) {
	now := a.now()
	return types.Result{
		Success: true,
		Message: fmt.Sprintf("It's %s.", now.Format("3:04 PM")),
		Output:  now.Format(time.RFC3339),
	}, nil
}

func (a *TimeAgent) Briefing(ctx context.Context) (string, error) {
	return fmt.Sprintf("Today is %s.", a.now().Format("Monday, January 2")), nil
}

// EchoAgent repeats the task text back. Useful as a wiring smoke test and as
// the lowest-stakes execution target.
type EchoAgent struct{}

func NewEchoAgent() *EchoAgent {
	return &EchoAgent{}
}

func (a *EchoAgent) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:                   "echo-agent",
		Name:                 "Echo",
		Capabilities:         []string{"echo"},
		Prompt:               "Repeats the request back verbatim.",
		ExecutionType:        registry.ExecBuiltin,
		EstimatedExecutionMs: 50,
		MaxInFlight:          8,
		Enabled:              true,
	}
}

func (a *EchoAgent) Run(ctx context.Context, task types.Task) (types.Result, error) {
	text := task.Normalized
	if text == "" {
		text = task.Text
	}
	return types.Result{Success: true, Message: text}, nil
}
