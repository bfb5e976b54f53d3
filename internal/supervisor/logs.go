package supervisor

import (
	"fmt"
	"sync"
	"time"
)

// Record is one structured log frame from a child process or the runner
// itself. Serialised as a single JSON object per line in the persistent log.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	TaskID    string         `json:"taskId,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Broadcaster fans log records out to subscribers. Each subscriber has a
// bounded buffer; a slow subscriber loses the oldest entries and receives a
// single dropped-count marker once it catches up. Publishers never block.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	ch      chan Record
	dropped int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func must be called to release the subscription.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 256
	}

	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Record, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers rec to every subscriber.
func (b *Broadcaster) Publish(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.dropped > 0 {
			marker := Record{
				Timestamp: rec.Timestamp,
				Level:     "warn",
				Message:   fmt.Sprintf("%d log entries dropped", sub.dropped),
			}
			select {
			case sub.ch <- marker:
				sub.dropped = 0
			default:
			}
		}

		select {
		case sub.ch <- rec:
		default:
			// Buffer full: evict the oldest entry to make room.
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- rec:
			default:
				sub.dropped++
			}
		}
	}
}

// Line publishes one child-process output line at info level.
func (b *Broadcaster) Line(taskID, projectID, line string) {
	b.Publish(Record{Level: "info", Message: line, TaskID: taskID, ProjectID: projectID})
}
