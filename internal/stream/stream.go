package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"rotor.dev/internal/auth"
)

const (
	subscriberBuffer = 16
	defaultBacklog   = 64
)

// Stream fan-outs security events to all active subscribers (SSE clients) and keeps a short
// backlog for late joiners.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan auth.SecurityEvent
	next    int
	backlog []auth.SecurityEvent
	size    int
	dropped atomic.Int64
}

var _ auth.EventSink = (*Stream)(nil)

// New initialises an empty stream retaining up to backlog recent events.
func New(backlog int) *Stream {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Stream{
		subs: make(map[int]chan auth.SecurityEvent),
		size: backlog,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan auth.SecurityEvent {
	ch := make(chan auth.SecurityEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. Slow subscribers miss events rather than block
// the caller.
func (s *Stream) Publish(evt auth.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, evt)
	if len(s.backlog) > s.size {
		s.backlog = append(s.backlog[:0], s.backlog[len(s.backlog)-s.size:]...)
	}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Recent returns the retained events, oldest first.
func (s *Stream) Recent() []auth.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.SecurityEvent, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports events not delivered to slow subscribers.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }
