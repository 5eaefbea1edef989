// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package future

import (
	"sync"
	"time"

	log "github.com/chromiumos/camalgo/logger"
)

const DefaultWaitTimeout = 5 * time.Second

// Void is the value type of futures that only signal completion.
type Void struct{}

/*
Future is a one-shot result cell. It is set exactly once, typically on an IPC thread, and waited on from any other
goroutine. A future is associated with at most one CancellationRelay and must not be reused once it has been set or
cancelled.
*/
type Future[T any] struct {
	lock      sync.Mutex
	done      chan struct{}
	cancelCh  chan struct{}
	isSet     bool
	cancelled bool
	value     T
	relay     *CancellationRelay
	token     uint64
}

// New creates a Future, optionally associated with relay. If relay is already cancelled the Future is born
// cancelled.
func New[T any](relay *CancellationRelay) *Future[T] {
	f := &Future[T]{
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	if relay != nil {
		f.relay = relay
		token, ok := relay.AddObserver(f.Cancel)
		if !ok {
			f.cancelled = true
			close(f.cancelCh)
		} else {
			f.token = token
		}
	}
	return f
}

func (f *Future[T]) Set(value T) {
	f.lock.Lock()
	if f.isSet {
		f.lock.Unlock()
		log.Warn("future already set, ignoring value")
		return
	}
	f.value = value
	f.isSet = true
	close(f.done)
	f.lock.Unlock()
	if f.relay != nil {
		f.relay.RemoveObserver(f.token)
	}
}

// Cancel cancels the future. Waiters return false unless the value has already been set.
func (f *Future[T]) Cancel() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.cancelled {
		return
	}
	f.cancelled = true
	close(f.cancelCh)
}

/*
Wait blocks until the value is set, the future is cancelled or timeout elapses. A timeout <= 0 waits indefinitely. It
returns true only if the value has been set. Wait must not be called on the goroutine that is expected to call Set.
*/
func (f *Future[T]) Wait(timeout time.Duration) bool {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	timedOut := false
	select {
	case <-f.done:
		return true
	case <-f.cancelCh:
	case <-timerC:
		timedOut = true
	}
	// A Set that raced with cancellation or the timeout still wins
	select {
	case <-f.done:
		return true
	default:
	}
	if timedOut && f.relay != nil {
		// Nobody waits on an expired future, so the relay need not keep it
		f.relay.RemoveObserver(f.token)
	}
	return false
}

// Get returns the value. It is only meaningful after Wait has returned true.
func (f *Future[T]) Get() T {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.value
}

// IsCancelled reports whether the future was cancelled. It stays true if a value was set afterwards, so a waiter
// released by the cancellation reports it as such.
func (f *Future[T]) IsCancelled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.cancelled
}

// Callback returns a function that sets the future, for handing to code that completes asynchronously.
func (f *Future[T]) Callback() func(T) {
	return f.Set
}
