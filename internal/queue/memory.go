package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/datamorph/internal/core"
)

// Memory is an in-process core.Queue. Delayed messages become ready once
// the clock passes their due time; tests can swap the clock.
type Memory struct {
	mu          sync.Mutex
	ready       []core.Message
	delayed     []delayedMessage
	signal      chan struct{}
	pollTimeout time.Duration
	now         func() time.Time
}

type delayedMessage struct {
	msg core.Message
	due time.Time
}

var _ core.Queue = (*Memory)(nil)

// NewMemory returns an empty queue. Dequeue waits at most pollTimeout.
func NewMemory(pollTimeout time.Duration) *Memory {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Memory{
		signal:      make(chan struct{}, 1),
		pollTimeout: pollTimeout,
		now:         time.Now,
	}
}

// WithClock overrides the clock used for delayed messages.
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.now = now
	return q
}

func (q *Memory) Enqueue(_ context.Context, msg core.Message) error {
	q.mu.Lock()
	q.ready = append(q.ready, msg)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *Memory) EnqueueAfter(ctx context.Context, msg core.Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedMessage{msg: msg, due: q.now().Add(delay)})
	q.mu.Unlock()
	return nil
}

func (q *Memory) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) Dequeue(ctx context.Context) (*core.Message, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()

	for {
		if msg, ok := q.TryDequeue(); ok {
			return &msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.signal:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TryDequeue returns the next ready message without waiting.
func (q *Memory) TryDequeue() (core.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked()
	if len(q.ready) == 0 {
		return core.Message{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	return msg, true
}

func (q *Memory) promoteLocked() {
	now := q.now()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })
	n := 0
	for n < len(q.delayed) && !q.delayed[n].due.After(now) {
		q.ready = append(q.ready, q.delayed[n].msg)
		n++
	}
	q.delayed = q.delayed[n:]
}

// Len reports ready and delayed message counts.
func (q *Memory) Len() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed)
}

// Delays returns the remaining delay of each scheduled message, soonest first.
func (q *Memory) Delays() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := make([]time.Duration, 0, len(q.delayed))
	for _, d := range q.delayed {
		out = append(out, d.due.Sub(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
