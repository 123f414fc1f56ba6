// Package inproc carries display events from the scheduler to in-process
// consumers such as the terminal monitor.
package inproc

import (
	"errors"
	"sync"

	"parlor/internal/domain"
)

// Topics published by the scheduler. Consumers subscribe to the whole stream
// and filter by topic.
const (
	TopicTurnStarted   = "turn.started"
	TopicTurnChunk     = "turn.chunk"
	TopicTurnFinalized = "turn.finalized"
	TopicNotification  = "notification"
	TopicRoundComplete = "round.complete"
	TopicJobStarted    = "job.started"
	TopicJobCompleted  = "job.completed"
	TopicBranch        = "branch.switched"
)

var ErrSubscriberQueueFull = errors.New("subscriber queue is full")

// Event is one display update. Message is populated for turn and notification
// topics; Delta carries the streamed text fragment for turn.chunk.
type Event struct {
	Topic   string
	NodeID  string
	Slot    int
	Round   int
	Delta   string
	Message *domain.Message
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		return ch
	}
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish broadcasts to every subscriber. A subscriber whose queue is full
// drops the event; the scheduler must never block on display consumers.
func (b *Bus) Publish(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var err error
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			err = ErrSubscriberQueueFull
		}
	}
	return err
}
