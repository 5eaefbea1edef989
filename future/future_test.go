package future

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetThenWait(t *testing.T) {
	f := New[int32](nil)
	f.Set(23)
	require.True(t, f.Wait(time.Second))
	require.Equal(t, int32(23), f.Get())
	// Waiting again on a set future returns immediately
	require.True(t, f.Wait(0))
}

func TestWaitThenSet(t *testing.T) {
	f := New[int32](nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Set(-9)
	}()
	require.True(t, f.Wait(-1))
	require.Equal(t, int32(-9), f.Get())
}

func TestVoidFuture(t *testing.T) {
	f := New[Void](nil)
	go f.Callback()(Void{})
	require.True(t, f.Wait(5*time.Second))
}

func TestWaitTimeout(t *testing.T) {
	relay := NewCancellationRelay()
	f := New[int32](relay)
	start := time.Now()
	require.False(t, f.Wait(50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.False(t, f.IsCancelled())
	// The expired future no longer occupies the relay
	require.Equal(t, 0, relay.numObservers())
}

func TestSetTwiceIgnored(t *testing.T) {
	f := New[int32](nil)
	f.Set(1)
	f.Set(2)
	require.True(t, f.Wait(time.Second))
	require.Equal(t, int32(1), f.Get())
}

func TestSetRemovesObserver(t *testing.T) {
	relay := NewCancellationRelay()
	f := New[int32](relay)
	require.Equal(t, 1, relay.numObservers())
	f.Set(0)
	require.Equal(t, 0, relay.numObservers())
	relay.CancelAllFutures()
	// Set wins over a later cancellation
	require.True(t, f.Wait(time.Second))
}

func TestSetAfterCancel(t *testing.T) {
	relay := NewCancellationRelay()
	f := New[int32](relay)
	relay.CancelAllFutures()
	require.False(t, f.Wait(0))
	f.Set(1)
	require.True(t, f.IsCancelled())
}

func TestCancelBlockedWaiters(t *testing.T) {
	relay := NewCancellationRelay()
	numWaiters := 10
	results := make(chan bool, numWaiters)
	var started sync.WaitGroup
	started.Add(numWaiters)
	for i := 0; i < numWaiters; i++ {
		f := New[int32](relay)
		go func() {
			started.Done()
			results <- f.Wait(0)
		}()
	}
	started.Wait()
	require.Equal(t, numWaiters, relay.numObservers())
	relay.CancelAllFutures()
	for i := 0; i < numWaiters; i++ {
		select {
		case ok := <-results:
			require.False(t, ok)
		case <-time.After(5 * time.Second):
			require.Fail(t, "waiter not released by cancellation")
		}
	}
	require.True(t, relay.IsCancelled())
}

func TestFutureCreatedAfterCancel(t *testing.T) {
	relay := NewCancellationRelay()
	relay.CancelAllFutures()
	f := New[int32](relay)
	require.True(t, f.IsCancelled())
	start := time.Now()
	require.False(t, f.Wait(0))
	require.Less(t, time.Since(start), time.Second)
	_, ok := relay.AddObserver(func() {})
	require.False(t, ok)
}

func TestRemoveObserverIdempotent(t *testing.T) {
	relay := NewCancellationRelay()
	called := 0
	token, ok := relay.AddObserver(func() { called++ })
	require.True(t, ok)
	relay.RemoveObserver(token)
	relay.RemoveObserver(token)
	relay.CancelAllFutures()
	require.Equal(t, 0, called)
}

func TestSetRacesCancel(t *testing.T) {
	for i := 0; i < 100; i++ {
		relay := NewCancellationRelay()
		f := New[int32](relay)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.Set(7)
		}()
		go func() {
			defer wg.Done()
			relay.CancelAllFutures()
		}()
		wg.Wait()
		// Set happened before the wait, so it must win whatever the cancellation did
		require.True(t, f.Wait(time.Second))
		require.Equal(t, int32(7), f.Get())
	}
}
