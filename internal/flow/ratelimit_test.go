package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SpacesTaskStarts(t *testing.T) {
	gap := 30 * time.Millisecond
	s := NewScheduler(gap)
	defer s.Close()

	var mu sync.Mutex
	var starts []time.Time
	record := func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(context.Background(), TaskMeta{Label: "spacing"}, record))
	}

	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), gap)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), gap)
}

func TestScheduler_TaskErrorDoesNotStopQueue(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	defer s.Close()

	boom := errors.New("boom")
	err := s.Enqueue(context.Background(), TaskMeta{Label: "failing"}, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = s.Enqueue(context.Background(), TaskMeta{Label: "following"}, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	defer s.Close()

	err := s.Enqueue(context.Background(), TaskMeta{Label: "panicking"}, func(context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")

	// Queue keeps running.
	assert.NoError(t, s.Enqueue(context.Background(), TaskMeta{}, func(context.Context) error { return nil }))
}

func TestScheduler_CancelledContextSkipsTask(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := s.Enqueue(ctx, TaskMeta{Label: "cancelled"}, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestScheduler_ClosedRejectsNewTasks(t *testing.T) {
	s := NewScheduler(time.Millisecond)
	s.Close()
	s.Close()

	err := s.Enqueue(context.Background(), TaskMeta{}, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler closed")
}

func TestScheduler_DelayOverride(t *testing.T) {
	s := NewScheduler(100 * time.Millisecond)
	defer s.Close()

	require.NoError(t, s.Enqueue(context.Background(), TaskMeta{}, func(context.Context) error { return nil }))

	start := time.Now()
	require.NoError(t, s.Enqueue(context.Background(), TaskMeta{Delay: 10 * time.Millisecond}, func(context.Context) error { return nil }))
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}
