package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// MemoryHubOption configures a MemoryHub.
type MemoryHubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryHubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubClock overrides the clock used to stamp events.
func WithHubClock(now func() time.Time) MemoryHubOption {
	return func(h *MemoryHub) { h.now = now }
}

// MemoryHub is an in-memory EventHub. Publishing never blocks: events for a
// subscriber whose buffer is full are dropped and counted.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	closed  bool
	subSeq  atomic.Uint64
	evSeq   atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	now     func() time.Time
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub(opts ...MemoryHubOption) *MemoryHub {
	h := &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stamps the event with a hub-wide sequence and delivers it to all
// matching subscribers.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Seq = h.evSeq.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned channel is closed
// by the cancel function, by ctx being done, or by Close.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.subSeq.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}, nil
	}
	h.subs[id] = sub
	h.mu.Unlock()

	done := make(chan struct{})
	var stop sync.Once
	cancel := func() {
		stop.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			sub.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return sub.ch, cancel, nil
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers reports the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions receive a closed channel.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.FlowID != "" && f.FlowID != e.FlowID {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
