package eventbus

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/va-go/service/lgr"
)

// Event carries one message across the bus. Priority runs 0..9; higher
// dispatches first. Within one priority class dispatch is FIFO by enqueue
// order.
type Event struct {
	Topic     string
	Sender    string
	Data      interface{}
	Priority  int
	Timestamp time.Time

	seq uint64
}

type Handler func(Event)

type Stats struct {
	Published uint64
	Processed uint64
	Dropped   uint64
	Discarded uint64
	MaxDepth  int
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus is an in-process priority publish/subscribe bus. Publish never blocks
// the caller; handlers run on the bus dispatch goroutines and are isolated
// from each other (a panicking handler is recovered and logged).
//
// With a single dispatcher (the default) the FIFO-within-priority contract
// holds strictly. More dispatchers raise throughput but interleave handlers.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  eventHeap
	seq    uint64
	closed bool

	subsMu sync.RWMutex
	subs   map[string]map[string]Handler // topic -> subscription id -> handler
	topics map[string]string             // subscription id -> topic

	wg    sync.WaitGroup
	stats Stats
}

func New(dispatchers int) *Bus {
	if dispatchers < 1 {
		dispatchers = 1
	}

	b := &Bus{
		subs:   map[string]map[string]Handler{},
		topics: map[string]string{},
	}
	b.cond = sync.NewCond(&b.mu)

	for i := 0; i < dispatchers; i++ {
		b.wg.Add(1)
		go b.dispatch()
	}

	return b
}

// Publish enqueues the event and returns immediately. Events published after
// shutdown begins are dropped and counted.
func (b *Bus) Publish(topic, sender string, data interface{}, priority int) {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.stats.Dropped++
		return
	}

	b.seq++
	heap.Push(&b.queue, Event{
		Topic:     topic,
		Sender:    sender,
		Data:      data,
		Priority:  priority,
		Timestamp: time.Now(),
		seq:       b.seq,
	})

	b.stats.Published++
	if len(b.queue) > b.stats.MaxDepth {
		b.stats.MaxDepth = len(b.queue)
	}

	b.cond.Signal()
}

// Subscribe registers a handler for a topic and returns a subscription id.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	id := uuid.NewString()
	if b.subs[topic] == nil {
		b.subs[topic] = map[string]Handler{}
	}
	b.subs[topic][id] = handler
	b.topics[id] = topic

	return id
}

func (b *Bus) Unsubscribe(id string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	topic, ok := b.topics[id]
	if !ok {
		return
	}

	delete(b.topics, id)
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Shutdown drains pending events up to the timeout, then discards the rest.
// Returns the discard count.
func (b *Bus) Shutdown(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	for {
		b.mu.Lock()
		pending := len(b.queue)
		b.mu.Unlock()

		if pending == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.mu.Lock()
	discarded := len(b.queue)
	b.stats.Discarded += uint64(discarded)
	b.queue = nil
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()

	if discarded > 0 {
		lgr.Logger.Warn(
			"event bus shutdown discarded pending events",
			slog.Int("discarded", discarded),
		)
	}

	return discarded
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}

		if b.closed && len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}

		evt := heap.Pop(&b.queue).(Event)
		b.stats.Processed++
		b.mu.Unlock()

		b.deliver(evt)
	}
}

func (b *Bus) deliver(evt Event) {
	b.subsMu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Topic]))
	for _, h := range b.subs[evt.Topic] {
		handlers = append(handlers, h)
	}
	b.subsMu.RUnlock()

	for _, h := range handlers {
		b.invoke(evt, h)
	}
}

// invoke runs one handler; a panic stops neither the bus nor other handlers.
func (b *Bus) invoke(evt Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			lgr.Logger.Error(
				"event handler panicked",
				slog.String("topic", evt.Topic),
				slog.String("sender", evt.Sender),
				slog.Any("panic", r),
			)
		}
	}()

	h(evt)
}

// eventHeap orders by priority descending, then enqueue sequence ascending.
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(Event))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	evt := old[n-1]
	*h = old[:n-1]
	return evt
}
