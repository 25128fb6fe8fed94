package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	var mu sync.Mutex
	got := []string{}
	ready := make(chan struct{}, 1)

	// The first event parks the single dispatcher so the rest queue up and
	// get reordered by priority before delivery.
	b.Subscribe("gate", func(Event) {
		ready <- struct{}{}
		time.Sleep(50 * time.Millisecond)
	})
	b.Subscribe("work", func(evt Event) {
		mu.Lock()
		got = append(got, evt.Data.(string))
		mu.Unlock()
	})

	b.Publish("gate", "test", nil, 9)
	<-ready

	b.Publish("work", "test", "frame", PriorityFrame)
	b.Publish("work", "test", "alarm", PriorityAlarm)
	b.Publish("work", "test", "status", PriorityStatus)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alarm", "status", "frame"}, got)
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	var mu sync.Mutex
	got := []int{}
	ready := make(chan struct{}, 1)

	b.Subscribe("gate", func(Event) {
		ready <- struct{}{}
		time.Sleep(50 * time.Millisecond)
	})
	b.Subscribe("work", func(evt Event) {
		mu.Lock()
		got = append(got, evt.Data.(int))
		mu.Unlock()
	})

	b.Publish("gate", "test", nil, 9)
	<-ready

	for i := 0; i < 20; i++ {
		b.Publish("work", "test", i, PriorityFrame)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	// A slow subscriber must not slow down publishers.
	b.Subscribe("slow", func(Event) {
		time.Sleep(200 * time.Millisecond)
	})

	started := time.Now()
	for i := 0; i < 100; i++ {
		b.Publish("slow", "test", i, PriorityFrame)
	}
	assert.Less(t, time.Since(started), 100*time.Millisecond)
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	delivered := make(chan struct{}, 2)

	b.Subscribe("boom", func(Event) {
		panic("handler exploded")
	})
	b.Subscribe("boom", func(Event) {
		delivered <- struct{}{}
	})

	b.Publish("boom", "test", nil, PriorityStatus)
	b.Publish("boom", "test", nil, PriorityStatus)

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("surviving handler never ran")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	var mu sync.Mutex
	count := 0
	id := b.Subscribe("topic", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish("topic", "test", nil, PriorityStatus)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	b.Unsubscribe(id)
	b.Publish("topic", "test", nil, PriorityStatus)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestShutdownDrainsThenDiscards(t *testing.T) {
	b := New(1)

	handled := make(chan struct{}, 10)
	b.Subscribe("topic", func(Event) {
		handled <- struct{}{}
	})

	for i := 0; i < 5; i++ {
		b.Publish("topic", "test", i, PriorityStatus)
	}

	discarded := b.Shutdown(2 * time.Second)
	assert.Equal(t, 0, discarded)
	assert.Len(t, handled, 5)

	// Publishing after shutdown is dropped, not delivered.
	b.Publish("topic", "test", nil, PriorityStatus)
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestShutdownDiscardsStuckQueue(t *testing.T) {
	b := New(1)

	block := make(chan struct{})
	b.Subscribe("topic", func(Event) {
		<-block
	})

	for i := 0; i < 5; i++ {
		b.Publish("topic", "test", i, PriorityStatus)
	}

	done := make(chan int, 1)
	go func() {
		done <- b.Shutdown(100 * time.Millisecond)
	}()

	// The dispatcher is stuck in the handler; unblock it after the drain
	// deadline so Shutdown can join the goroutine.
	time.Sleep(200 * time.Millisecond)
	close(block)

	select {
	case discarded := <-done:
		require.Greater(t, discarded, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never returned")
	}
}

func TestPriorityClamped(t *testing.T) {
	b := New(1)
	defer b.Shutdown(time.Second)

	got := make(chan Event, 2)
	b.Subscribe("topic", func(evt Event) {
		got <- evt
	})

	b.Publish("topic", "test", nil, -3)
	b.Publish("topic", "test", nil, 42)

	for i := 0; i < 2; i++ {
		select {
		case evt := <-got:
			assert.GreaterOrEqual(t, evt.Priority, 0)
			assert.LessOrEqual(t, evt.Priority, 9)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}
