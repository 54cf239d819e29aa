package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_KeepsOrderPerKey(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{Workers: 4, LaneSize: 200}, nil)
	defer d.Stop(context.Background())

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 100; i++ {
		for _, key := range []string{"a", "b"} {
			i, key := i, key
			require.NoError(t, d.Submit(DispatchTask{Key: key, Name: "append", Run: func(context.Context) error {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
				return nil
			}}))
		}
	}
	require.True(t, d.WaitIdle(5*time.Second))

	for _, key := range []string{"a", "b"} {
		require.Len(t, got[key], 100)
		for i, v := range got[key] {
			assert.Equal(t, i, v)
		}
	}
	assert.Equal(t, uint64(200), d.Stats().Completed)
}

func TestDispatcher_FailuresAndPanicsAreCounted(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{}, nil)
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(DispatchTask{Key: "k", Name: "fail", Run: func(context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, d.Submit(DispatchTask{Key: "k", Name: "panic", Run: func(context.Context) error {
		panic("oops")
	}}))
	var ran atomic.Bool
	require.NoError(t, d.Submit(DispatchTask{Key: "k", Name: "ok", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))
	require.True(t, d.WaitIdle(5*time.Second))

	st := d.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(1), st.Completed)
	assert.True(t, ran.Load(), "a failed task does not stall its lane")
}

func TestDispatcher_LaneFull(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{Workers: 1, LaneSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, d.Submit(DispatchTask{Key: "k", Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, d.Submit(DispatchTask{Key: "k", Name: "queued", Run: func(context.Context) error { return nil }}))

	err := d.Submit(DispatchTask{Key: "k", Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrLaneFull)
	assert.Equal(t, uint64(1), d.Stats().Rejected)

	close(release)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_StopRejectsNewWork(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{}, nil)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(DispatchTask{Key: "k", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(5), ran.Load(), "queued work drains before stop returns")

	err := d.Submit(DispatchTask{Key: "k", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
	assert.Error(t, d.Submit(DispatchTask{Key: "k"}), "a task needs a body")
}

func TestDispatcher_TaskTimeout(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{Timeout: 20 * time.Millisecond}, nil)
	defer d.Stop(context.Background())

	require.NoError(t, d.Submit(DispatchTask{Key: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.True(t, d.WaitIdle(2*time.Second))
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestKeyedMutex_SerialisesAndForgets(t *testing.T) {
	var k keyedMutex
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("t1")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.size())

	a := k.Lock("a")
	b := k.Lock("b")
	assert.Equal(t, 2, k.size())
	a()
	b()
	assert.Equal(t, 0, k.size())
}
