package progress

import "sync"

// Bus is a process-local publish/subscribe for progress messages, keyed by
// task id. Delivery is in-order per task id; subscribers that fall behind a
// full buffer lose the oldest message rather than blocking the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

type subscriber struct {
	ch chan string
}

const subscriberBuffer = 16

func NewBus() *Bus {
	return &Bus{subs: map[string][]*subscriber{}}
}

// Subscribe returns a channel of progress messages for the task id and a
// cancel function. The channel closes when the task reaches a terminal state.
func (b *Bus) Subscribe(taskID string) (<-chan string, func()) {
	s := &subscriber{ch: make(chan string, subscriberBuffer)}
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], s)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[taskID]
		for i, cur := range list {
			if cur == s {
				b.subs[taskID] = append(list[:i], list[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.subs[taskID]) == 0 {
			delete(b.subs, taskID)
		}
	}
	return s.ch, cancel
}

// Publish delivers message to every subscriber of taskID.
func (b *Bus) Publish(taskID, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[taskID] {
		select {
		case s.ch <- message:
		default:
			select {
			case <-s.ch:
			default:
			}
			s.ch <- message
		}
	}
}

// Close unsubscribes everyone for taskID. Called on task terminal state.
func (b *Bus) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[taskID] {
		close(s.ch)
	}
	delete(b.subs, taskID)
}
