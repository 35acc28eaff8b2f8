package agent

import (
	"sync"

	"github.com/bitop-dev/agentcore/pkg/ai"
)

// QueueMode controls how many messages a single poll returns.
type QueueMode string

const (
	// QueueOneAtATime returns at most one message per poll. Default.
	QueueOneAtATime QueueMode = "one-at-a-time"
	// QueueAll returns and clears the whole queue per poll.
	QueueAll QueueMode = "all"
)

// MessageQueue is a FIFO queue of messages that may be filled from any
// goroutine while the loop runs. Used for both steering (mid-run) and
// follow-up (at-stop) injection.
type MessageQueue struct {
	mu   sync.Mutex
	mode QueueMode
	msgs []ai.Message
}

// NewMessageQueue creates a queue. An empty mode defaults to one-at-a-time.
func NewMessageQueue(mode QueueMode) *MessageQueue {
	if mode == "" {
		mode = QueueOneAtATime
	}
	return &MessageQueue{mode: mode}
}

// Enqueue appends a message. Never blocks.
func (q *MessageQueue) Enqueue(m ai.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.mu.Unlock()
}

// Poll removes and returns queued messages according to the queue's mode.
// Returns nil when the queue is empty.
func (q *MessageQueue) Poll() []ai.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	if q.mode == QueueAll {
		out := q.msgs
		q.msgs = nil
		return out
	}
	first := q.msgs[0]
	q.msgs = q.msgs[1:]
	return []ai.Message{first}
}

// Clear discards all queued messages.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	q.msgs = nil
	q.mu.Unlock()
}

// Len reports the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
