package framebuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/va-go/model"
)

func testFrame(seq uint64) model.Frame {
	return model.Frame{
		StreamID:  "cam-1",
		Seq:       seq,
		Mat:       gocv.NewMat(),
		Timestamp: time.Now(),
	}
}

func TestPublishWithoutConsumersRecyclesImmediately(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	_, err := p.Publish(testFrame(1))
	assert.ErrorIs(t, err, ErrNoConsumers)
	assert.Equal(t, 0, p.Stats().Outstanding)
}

func TestReferenceCountLifecycle(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")
	p.RegisterConsumer("b")

	id, err := p.Publish(testFrame(1))
	require.NoError(t, err)

	// Both consumers can read the same payload.
	fa, err := p.Acquire(id, "a")
	require.NoError(t, err)
	fb, err := p.Acquire(id, "b")
	require.NoError(t, err)
	assert.Equal(t, fa.Seq, fb.Seq)

	// First release keeps the slot alive for the other holder.
	require.NoError(t, p.Release(id, "a"))
	_, err = p.Acquire(id, "b")
	require.NoError(t, err)

	// Last release recycles.
	require.NoError(t, p.Release(id, "b"))
	_, err = p.Acquire(id, "b")
	assert.ErrorIs(t, err, ErrSlotGone)
	assert.Equal(t, uint64(1), p.Stats().Recycled)
}

func TestAcquireIsIdempotentPerConsumer(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")
	id, err := p.Publish(testFrame(1))
	require.NoError(t, err)

	_, err = p.Acquire(id, "a")
	require.NoError(t, err)
	_, err = p.Acquire(id, "a")
	require.NoError(t, err)

	// One release still recycles; the double acquire did not double count.
	require.NoError(t, p.Release(id, "a"))
	assert.Equal(t, 0, p.Stats().Outstanding)
}

func TestReleaseWithoutReferenceFails(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")
	id, err := p.Publish(testFrame(1))
	require.NoError(t, err)

	// A consumer that never held a reference cannot release, so the count
	// can never go negative.
	assert.ErrorIs(t, p.Release(id, "stranger"), ErrNotEntitled)

	require.NoError(t, p.Release(id, "a"))
	assert.ErrorIs(t, p.Release(id, "a"), ErrSlotGone)
}

func TestLateJoinerGetsNoBackReferences(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")
	id, err := p.Publish(testFrame(1))
	require.NoError(t, err)

	// Registered after publish: no reference on the in-flight slot.
	p.RegisterConsumer("late")
	_, err = p.Acquire(id, "late")
	assert.ErrorIs(t, err, ErrNotEntitled)
}

func TestFullPoolDropsOldest(t *testing.T) {
	p := NewPool(2, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")

	first, err := p.Publish(testFrame(1))
	require.NoError(t, err)
	_, err = p.Publish(testFrame(2))
	require.NoError(t, err)

	// Nothing released: the third publish evicts the oldest slot.
	_, err = p.Publish(testFrame(3))
	require.NoError(t, err)

	_, err = p.Acquire(first, "a")
	assert.ErrorIs(t, err, ErrSlotGone)
	assert.Equal(t, uint64(1), p.Stats().Dropped)
	assert.Equal(t, 2, p.Stats().Outstanding)
}

func TestUnregisterForcesReleases(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	defer p.Close()

	p.RegisterConsumer("a")
	p.RegisterConsumer("b")

	id, err := p.Publish(testFrame(1))
	require.NoError(t, err)
	require.NoError(t, p.Release(id, "b"))

	// "a" disappears without releasing; its references must not leak slots.
	p.UnregisterConsumer("a")
	assert.Equal(t, 0, p.Stats().Outstanding)
}

func TestCloseRejectsPublish(t *testing.T) {
	p := NewPool(4, time.Millisecond)
	p.RegisterConsumer("a")

	_, err := p.Publish(testFrame(1))
	require.NoError(t, err)

	p.Close()
	assert.Equal(t, 0, p.Stats().Outstanding)

	_, err = p.Publish(testFrame(2))
	assert.ErrorIs(t, err, ErrClosed)
}
