package comms

import (
	"context"
	"sort"
	"sync"

	"github.com/signalsfoundry/conjunction-monitor/model"
)

// PriorityQueue orders messages by (Priority, Seq). Push assigns Seq, so
// messages of equal priority leave in arrival order. Pop blocks until a
// message is available or the context ends.
type PriorityQueue struct {
	mu     sync.Mutex
	seq    uint64
	items  []model.Message // ordered, head first
	notify chan struct{}
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{notify: make(chan struct{}, 1)}
}

// Push inserts m and returns it with its sequence number set.
func (q *PriorityQueue) Push(m model.Message) model.Message {
	q.mu.Lock()
	q.seq++
	m.Seq = q.seq
	idx := sort.Search(len(q.items), func(i int) bool {
		return m.Before(q.items[i])
	})
	q.items = append(q.items, model.Message{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = m
	q.mu.Unlock()

	q.signal()
	return m
}

// TryPop removes the head message if there is one.
func (q *PriorityQueue) TryPop() (model.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Message{}, false
	}
	m := q.items[0]
	q.items[0] = model.Message{}
	q.items = q.items[1:]
	return m, true
}

// Pop removes the head message, waiting for one to arrive if the queue is
// empty. It returns ctx.Err() once ctx is done.
func (q *PriorityQueue) Pop(ctx context.Context) (model.Message, error) {
	for {
		if m, ok := q.TryPop(); ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *PriorityQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
