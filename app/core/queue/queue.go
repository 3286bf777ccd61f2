package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

var (
	ErrQueueStarted  = errors.New("queue: already started")
	ErrQueueExists   = errors.New("queue: queue already exists")
	ErrQueueNotFound = errors.New("queue: queue not found")
	ErrQueueFull     = errors.New("queue: queue full")
	ErrNoHandler     = errors.New("queue: handler is required")
)

type OverflowPolicy string

const (
	OverflowError      OverflowPolicy = "error"
	OverflowDrop       OverflowPolicy = "drop"
	OverflowDeadletter OverflowPolicy = "deadletter"
)

type EventType string

const (
	EventQueued     EventType = "task:queued"
	EventStarted    EventType = "task:started"
	EventCompleted  EventType = "task:completed"
	EventFailed     EventType = "task:failed"
	EventCancelled  EventType = "task:cancelled"
	EventRetry      EventType = "task:retry"
	EventDeadletter EventType = "task:deadletter"
	EventNoAgent    EventType = "task:no-agent"
	EventPaused     EventType = "queue:paused"
	EventResumed    EventType = "queue:resumed"
)

type Event struct {
	Type   EventType
	Queue  string
	Task   types.Task
	Reason string
}

type Listener func(Event)

// Disposition is what the handler reports back for one execution attempt.
type Disposition int

const (
	Completed Disposition = iota
	Failed
	Cancelled
	Retry
	Deadletter
	NoAgent
)

// Handler executes one dequeued task. The dispatcher owns the task's
// lifecycle; the handler mutates only through the pointer it is given.
type Handler func(ctx context.Context, task *types.Task) Disposition

type namedQueue struct {
	name        string
	concurrency int
	maxSize     int
	overflow    OverflowPolicy
	paused      bool
	pending     []*types.Task
	running     int

	completed  uint64
	failed     uint64
	deadletter uint64
	cancelled  uint64
	dropped    uint64
}

type Stats struct {
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	Concurrency int    `json:"concurrency"`
	Paused      bool   `json:"paused"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Deadletter  uint64 `json:"deadletter"`
	Cancelled   uint64 `json:"cancelled"`
	Dropped     uint64 `json:"dropped"`
}

// Manager holds the named queues and runs the dispatcher: a short poll
// interval plus an immediate kick on every enqueue.
type Manager struct {
	mu        sync.Mutex
	queues    map[string]*namedQueue
	handler   Handler
	listeners []Listener
	kick      chan struct{}
	interval  time.Duration
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Manager{
		queues:   map[string]*namedQueue{},
		kick:     make(chan struct{}, 1),
		interval: interval,
	}
}

func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) Create(name string, concurrency, maxSize int, overflow OverflowPolicy) error {
	if concurrency < 1 {
		concurrency = 1
	}
	switch overflow {
	case OverflowError, OverflowDrop, OverflowDeadletter:
	case "":
		overflow = OverflowError
	default:
		return fmt.Errorf("queue: unknown overflow policy %q", overflow)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; ok {
		return ErrQueueExists
	}
	m.queues[name] = &namedQueue{
		name:        name,
		concurrency: concurrency,
		maxSize:     maxSize,
		overflow:    overflow,
	}
	return nil
}

// Enqueue inserts by (priority desc, arrival asc) and kicks the dispatcher.
func (m *Manager) Enqueue(queueName string, task *types.Task) error {
	m.mu.Lock()
	q, ok := m.queues[queueName]
	if !ok {
		m.mu.Unlock()
		return ErrQueueNotFound
	}

	if q.maxSize > 0 && len(q.pending) >= q.maxSize {
		switch q.overflow {
		case OverflowError:
			m.mu.Unlock()
			return fmt.Errorf("%w: %s at %d pending", ErrQueueFull, queueName, q.maxSize)
		case OverflowDrop:
			q.dropped++
			m.mu.Unlock()
			logger.Info("[Queue] Dropped task %s: %s is full", task.ID, queueName)
			return nil
		case OverflowDeadletter:
			task.State = types.StateDeadletter
			q.deadletter++
			m.mu.Unlock()
			m.emit(Event{Type: EventDeadletter, Queue: queueName, Task: *task, Reason: "overflow"})
			return nil
		}
	}

	task.State = types.StatePending
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < task.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = task
	m.mu.Unlock()

	m.emit(Event{Type: EventQueued, Queue: queueName, Task: *task})
	m.kickNow()
	return nil
}

func (m *Manager) Pause(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return ErrQueueNotFound
	}
	q.paused = true
	m.mu.Unlock()
	m.emit(Event{Type: EventPaused, Queue: name})
	return nil
}

func (m *Manager) Resume(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return ErrQueueNotFound
	}
	q.paused = false
	m.mu.Unlock()
	m.emit(Event{Type: EventResumed, Queue: name})
	m.kickNow()
	return nil
}

func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = Stats{
			Pending:     len(q.pending),
			Running:     q.running,
			Concurrency: q.concurrency,
			Paused:      q.paused,
			Completed:   q.completed,
			Failed:      q.failed,
			Deadletter:  q.deadletter,
			Cancelled:   q.cancelled,
			Dropped:     q.dropped,
		}
	}
	return out
}

func (m *Manager) ActiveTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.queues {
		total += q.running + len(q.pending)
	}
	return total
}

func (m *Manager) Start(parent context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrQueueStarted
	}
	if m.handler == nil {
		m.mu.Unlock()
		return ErrNoHandler
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch(ctx)
	return nil
}

func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
	}
}

// drain starts as many tasks as caps allow across all queues.
func (m *Manager) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		var q *namedQueue
		var task *types.Task
		names := make([]string, 0, len(m.queues))
		for name := range m.queues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cand := m.queues[name]
			if cand.paused || cand.running >= cand.concurrency || len(cand.pending) == 0 {
				continue
			}
			q = cand
			task = q.pending[0]
			q.pending = q.pending[1:]
			q.running++
			break
		}
		handler := m.handler
		m.mu.Unlock()

		if task == nil {
			return
		}
		m.wg.Add(1)
		go m.runTask(ctx, handler, q, task)
	}
}

func (m *Manager) runTask(ctx context.Context, handler Handler, q *namedQueue, task *types.Task) {
	defer m.wg.Done()
	m.emit(Event{Type: EventStarted, Queue: q.name, Task: *task})

	disp := handler(ctx, task)

	m.mu.Lock()
	q.running--
	switch disp {
	case Completed:
		task.State = types.StateCompleted
		q.completed++
	case Failed:
		task.State = types.StateFailed
		q.failed++
	case Cancelled:
		task.State = types.StateCancelled
		q.cancelled++
	case Deadletter:
		task.State = types.StateDeadletter
		q.deadletter++
	case NoAgent:
		task.State = types.StateFailed
		q.failed++
	case Retry:
		task.State = types.StatePending
		idx := sort.Search(len(q.pending), func(i int) bool {
			return q.pending[i].Priority < task.Priority
		})
		q.pending = append(q.pending, nil)
		copy(q.pending[idx+1:], q.pending[idx:])
		q.pending[idx] = task
	}
	m.mu.Unlock()

	switch disp {
	case Completed:
		m.emit(Event{Type: EventCompleted, Queue: q.name, Task: *task})
	case Failed:
		m.emit(Event{Type: EventFailed, Queue: q.name, Task: *task})
	case Cancelled:
		m.emit(Event{Type: EventCancelled, Queue: q.name, Task: *task})
	case Deadletter:
		m.emit(Event{Type: EventDeadletter, Queue: q.name, Task: *task})
	case NoAgent:
		m.emit(Event{Type: EventNoAgent, Queue: q.name, Task: *task})
	case Retry:
		m.emit(Event{Type: EventRetry, Queue: q.name, Task: *task})
		m.kickNow()
	}
}

func (m *Manager) kickNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
