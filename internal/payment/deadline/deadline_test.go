package deadline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_TrackDeadline_Elapses(t *testing.T) {
	c := NewChecker()
	sub := c.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.TrackDeadline("agr-1", "accept-note-1", time.Now().Add(20*time.Millisecond))

	select {
	case e := <-sub:
		assert.Equal(t, "agr-1", e.Category)
		assert.Equal(t, "accept-note-1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("deadline never elapsed")
	}
}

func TestChecker_StopTracking_PreventsElapse(t *testing.T) {
	c := NewChecker()
	sub := c.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.TrackDeadline("agr-1", "accept-note-1", time.Now().Add(30*time.Millisecond))
	c.StopTracking("accept-note-1", "agr-1")

	select {
	case e := <-sub:
		t.Fatalf("unexpected elapse: %+v", e)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestChecker_StopTrackingCategory_RemovesAll(t *testing.T) {
	c := NewChecker()
	sub := c.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.TrackDeadline("agr-1", "accept-note-1", time.Now().Add(30*time.Millisecond))
	c.TrackDeadline("agr-1", "payment-note-1", time.Now().Add(40*time.Millisecond))
	c.TrackDeadline("agr-2", "accept-note-2", time.Now().Add(30*time.Millisecond))
	c.StopTrackingCategory("agr-1")

	select {
	case e := <-sub:
		assert.Equal(t, "agr-2", e.Category)
	case <-time.After(time.Second):
		t.Fatal("agr-2's deadline never elapsed")
	}
}

func TestChecker_Reschedule(t *testing.T) {
	c := NewChecker()
	sub := c.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.TrackDeadline("agr-1", "payment-note-1", time.Now().Add(time.Hour))
	c.TrackDeadline("agr-1", "payment-note-1", time.Now().Add(20*time.Millisecond))

	select {
	case e := <-sub:
		assert.Equal(t, "payment-note-1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("rescheduled deadline never elapsed")
	}
}

func TestChecker_MultipleDeadlinesOrderedByTime(t *testing.T) {
	c := NewChecker()
	sub := c.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.TrackDeadline("agr-1", "late", time.Now().Add(80*time.Millisecond))
	c.TrackDeadline("agr-1", "early", time.Now().Add(20*time.Millisecond))

	first := requireNextElapsed(t, sub)
	assert.Equal(t, "early", first.ID)
	second := requireNextElapsed(t, sub)
	assert.Equal(t, "late", second.ID)
}

func requireNextElapsed(t *testing.T, sub <-chan Elapsed) Elapsed {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(time.Second):
		require.Fail(t, "no elapsed event received")
		return Elapsed{}
	}
}
