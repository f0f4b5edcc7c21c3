package hostloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsInPostingOrder(t *testing.T) {
	l := New(nil)
	l.Start(t.Context())

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 50 {
		require.NoError(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Stop(t.Context()))

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestLoop_SelfPostingContinuation(t *testing.T) {
	l := New(nil)
	l.Start(t.Context())

	done := make(chan int, 1)
	count := 0
	var step func()
	step = func() {
		count++
		if count == 10 {
			done <- count
			return
		}
		assert.NoError(t, l.Post(step))
	}
	require.NoError(t, l.Post(step))

	select {
	case n := <-done:
		assert.Equal(t, 10, n)
	case <-time.After(5 * time.Second):
		t.Fatal("continuation chain did not finish")
	}
	require.NoError(t, l.Stop(t.Context()))
}

func TestLoop_NeverRunsConcurrently(t *testing.T) {
	l := New(nil)
	l.Start(t.Context())

	var (
		active  int
		maxSeen int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				assert.NoError(t, l.Post(func() {
					mu.Lock()
					active++
					if active > maxSeen {
						maxSeen = active
					}
					mu.Unlock()
					time.Sleep(time.Microsecond)
					mu.Lock()
					active--
					mu.Unlock()
				}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Stop(t.Context()))
	assert.Equal(t, 1, maxSeen)
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New(nil)
	l.Start(t.Context())
	require.NoError(t, l.Stop(t.Context()))
	assert.ErrorIs(t, l.Post(func() {}), ErrStopped)
}

func TestLoop_SurvivesPanic(t *testing.T) {
	l := New(nil)
	l.Start(t.Context())

	ran := make(chan struct{})
	require.NoError(t, l.Post(func() { panic("boom") }))
	require.NoError(t, l.Post(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("loop died after panic")
	}
	require.NoError(t, l.Stop(t.Context()))
}

func TestLoop_ContextCancelExits(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	l := New(nil)
	l.Start(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	assert.ErrorIs(t, l.Post(func() {}), ErrStopped)
}

func TestLoop_StopWithoutStart(t *testing.T) {
	assert.NoError(t, New(nil).Stop(t.Context()))
}
