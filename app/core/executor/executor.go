package executor

import (
	"context"
	"sync"
	"time"

	"agentex/app/core/progress"
	"agentex/app/core/queue"
	"agentex/app/core/registry"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

// CancelSet records task ids cancelled by the router. The executor consults
// it before every user-visible transition; membership suppresses late
// results.
type CancelSet struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func NewCancelSet() *CancelSet {
	return &CancelSet{ids: map[string]time.Time{}}
}

func (c *CancelSet) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = time.Now()
}

func (c *CancelSet) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

func (c *CancelSet) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

// Executor runs a task against the auction winner and walks the backup list
// on failure. Cancellation is cooperative: a running agent is not killed, but
// its output is discarded.
type Executor struct {
	registry       *registry.Registry
	cancelled      *CancelSet
	progress       *progress.Bus
	defaultTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]int // agent id -> running count
}

func New(reg *registry.Registry, cancelled *CancelSet, bus *progress.Bus, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		registry:       reg,
		cancelled:      cancelled,
		progress:       bus,
		defaultTimeout: defaultTimeout,
		inFlight:       map[string]int{},
	}
}

func (e *Executor) Cancelled() *CancelSet {
	return e.cancelled
}

// Execute tries each candidate in rank order under its own deadline. It
// returns the first successful result, or a zero result with the terminal
// disposition. A cancelled task yields queue.Cancelled and no result.
func (e *Executor) Execute(ctx context.Context, task *types.Task, candidates []types.Bid) (types.Result, queue.Disposition) {
	defer e.progress.Close(task.ID)

	for _, bid := range candidates {
		if e.cancelled.Has(task.ID) {
			return types.Result{}, queue.Cancelled
		}

		desc, ok := e.registry.Get(bid.AgentID)
		if !ok {
			continue
		}
		runner, ok := e.registry.Runner(bid.AgentID)
		if !ok {
			continue
		}
		if !e.acquire(desc) {
			logger.Info("[Executor] Agent %s saturated, skipping for task %s", bid.AgentID, task.ID)
			continue
		}

		task.State = types.StateRunning
		task.AgentID = bid.AgentID
		task.StartedAt = time.Now()
		task.Attempt++

		runCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(desc))
		res, err := runner.Run(runCtx, *task)
		cancel()
		e.release(bid.AgentID)

		// the cancelled-set is checked again before any transition that
		// could surface output
		if e.cancelled.Has(task.ID) {
			return types.Result{}, queue.Cancelled
		}
		if err == nil {
			return res, queue.Completed
		}
		task.State = types.StateFailed
		task.LastError = err.Error()
		logger.Error("[Executor] Agent %s failed task %s: %v", bid.AgentID, task.ID, err)
	}

	if task.Attempt < task.MaxAttempts {
		return types.Result{}, queue.Retry
	}
	return types.Result{}, queue.Deadletter
}

// acquire claims an in-flight slot for the agent. A descriptor with
// MaxInFlight 0 is uncapped.
func (e *Executor) acquire(desc registry.Descriptor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if desc.MaxInFlight > 0 && e.inFlight[desc.ID] >= desc.MaxInFlight {
		return false
	}
	e.inFlight[desc.ID]++
	return true
}

func (e *Executor) release(agentID string) {
	e.mu.Lock()
	e.inFlight[agentID]--
	if e.inFlight[agentID] <= 0 {
		delete(e.inFlight, agentID)
	}
	e.mu.Unlock()
}

// timeoutFor bounds a run by the agent's own estimate: min(default, 2x the
// estimated execution time).
func (e *Executor) timeoutFor(desc registry.Descriptor) time.Duration {
	if desc.EstimatedExecutionMs <= 0 {
		return e.defaultTimeout
	}
	est := 2 * time.Duration(desc.EstimatedExecutionMs) * time.Millisecond
	if est < e.defaultTimeout {
		return est
	}
	return e.defaultTimeout
}
