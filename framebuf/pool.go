package framebuf

import (
	"errors"
	"sync"
	"time"

	"github.com/khaledhikmat/va-go/model"
)

var (
	ErrNoConsumers = errors.New("framebuf: no registered consumers")
	ErrSlotGone    = errors.New("framebuf: slot not found or already recycled")
	ErrNotEntitled = errors.New("framebuf: consumer has no reference on slot")
	ErrClosed      = errors.New("framebuf: pool is closed")
)

type slot struct {
	id      uint64
	frame   model.Frame
	pending map[string]bool // consumers that have not released yet
}

type Stats struct {
	Published   uint64
	Dropped     uint64
	Recycled    uint64
	Outstanding int
}

// Pool is a fixed-capacity, reference-counted frame slot pool shared between
// one capture loop and its consumers.
//
// Frames are shared zero-copy: the slot owns the Mat and closes it on
// recycle. Consumers must treat the payload as read-only and clone anything
// they keep past Release.
//
// Backpressure is drop-oldest: when no slot frees up within the bounded wait,
// the oldest outstanding slot is evicted so consumer staleness stays bounded.
// Every drop is counted.
type Pool struct {
	mu        sync.Mutex
	capacity  int
	wait      time.Duration
	consumers map[string]bool
	slots     map[uint64]*slot
	order     []uint64 // outstanding slot ids, oldest first
	nextID    uint64
	closed    bool
	stats     Stats
}

func NewPool(capacity int, wait time.Duration) *Pool {
	if capacity < 1 {
		capacity = 1
	}

	return &Pool{
		capacity:  capacity,
		wait:      wait,
		consumers: map[string]bool{},
		slots:     map[uint64]*slot{},
	}
}

func (p *Pool) RegisterConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[id] = true
}

// UnregisterConsumer drops the consumer and forcibly releases any references
// it still holds so its slots cannot leak.
func (p *Pool) UnregisterConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.consumers, id)

	for _, sid := range append([]uint64{}, p.order...) {
		s, ok := p.slots[sid]
		if !ok || !s.pending[id] {
			continue
		}
		delete(s.pending, id)
		if len(s.pending) == 0 {
			p.recycle(s)
		}
	}
}

func (p *Pool) Consumers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// Publish stores the frame and sets its reference count to the number of
// currently registered consumers. With zero consumers the frame is recycled
// immediately and ErrNoConsumers tells the caller the capture was wasted.
func (p *Pool) Publish(frame model.Frame) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		frame.Mat.Close()
		return 0, ErrClosed
	}

	if len(p.consumers) == 0 {
		frame.Mat.Close()
		return 0, ErrNoConsumers
	}

	if len(p.slots) >= p.capacity {
		p.waitForFreeSlot()
	}

	// Still full after the bounded wait: evict the oldest outstanding slot.
	if len(p.slots) >= p.capacity {
		oldest := p.slots[p.order[0]]
		p.recycle(oldest)
		p.stats.Dropped++
	}

	p.nextID++
	s := &slot{
		id:      p.nextID,
		frame:   frame,
		pending: make(map[string]bool, len(p.consumers)),
	}
	for c := range p.consumers {
		s.pending[c] = true
	}

	p.slots[s.id] = s
	p.order = append(p.order, s.id)
	p.stats.Published++

	return s.id, nil
}

// Acquire returns the slot payload. It is idempotent per consumer and does
// not change the reference count.
func (p *Pool) Acquire(slotID uint64, consumer string) (model.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[slotID]
	if !ok {
		return model.Frame{}, ErrSlotGone
	}
	if !s.pending[consumer] {
		return model.Frame{}, ErrNotEntitled
	}

	return s.frame, nil
}

// Release decrements the slot reference count for the consumer. At zero the
// slot returns to the free pool. Releasing a reference the consumer does not
// hold is an error; the count never goes negative.
func (p *Pool) Release(slotID uint64, consumer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[slotID]
	if !ok {
		return ErrSlotGone
	}
	if !s.pending[consumer] {
		return ErrNotEntitled
	}

	delete(s.pending, consumer)
	if len(s.pending) == 0 {
		p.recycle(s)
	}

	return nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Outstanding = len(p.slots)
	return stats
}

// Close recycles every outstanding slot and rejects further publishes.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, sid := range append([]uint64{}, p.order...) {
		if s, ok := p.slots[sid]; ok {
			p.recycle(s)
		}
	}
}

// recycle closes the payload and returns the slot to the free pool.
// Caller holds p.mu.
func (p *Pool) recycle(s *slot) {
	s.frame.Mat.Close()
	delete(p.slots, s.id)
	for i, sid := range p.order {
		if sid == s.id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.stats.Recycled++
}

// waitForFreeSlot polls for a slot to free up, bounded by the configured
// wait. Caller holds p.mu; the lock is dropped while sleeping so consumers
// can release.
func (p *Pool) waitForFreeSlot() {
	deadline := time.Now().Add(p.wait)
	for len(p.slots) >= p.capacity && time.Now().Before(deadline) {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
}
