package events

import "sync"

// GlobalTaskID is the special task ID subscribers use to receive events for
// every task, not just one.
const GlobalTaskID = "*"

// Publisher broadcasts events to interested subscribers.
type Publisher interface {
	Publish(event Event)
	Subscribe(taskID string) <-chan Event
	Unsubscribe(taskID string, ch <-chan Event)
	Close()
}

// MemoryPublisher is an in-memory, non-blocking Publisher implementation.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// Option configures a MemoryPublisher.
type Option func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer size.
func WithBufferSize(size int) Option {
	return func(p *MemoryPublisher) { p.bufferSize = size }
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...Option) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends event to task-specific subscribers and to global subscribers.
// Subscribers with a full buffer are skipped rather than blocking the publisher.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.TaskID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.TaskID != GlobalTaskID {
		for _, ch := range p.subscribers[GlobalTaskID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events for taskID (or all tasks, for GlobalTaskID).
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, p.bufferSize)
	if p.closed {
		close(ch)
		return ch
	}
	p.subscribers[taskID] = append(p.subscribers[taskID], ch)
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[taskID]
	for i, c := range subs {
		if c == ch {
			p.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

// Close shuts the publisher down, closing every subscriber channel.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	p.subscribers = nil
}
