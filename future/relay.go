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
)

// CancellationRelay broadcasts cancellation to every Future created against it. Once cancelled it stays cancelled,
// and futures created afterwards are born cancelled.
type CancellationRelay struct {
	lock      sync.Mutex
	cancelled bool
	tokenSeq  uint64
	observers map[uint64]func()
}

func NewCancellationRelay() *CancellationRelay {
	return &CancellationRelay{
		observers: map[uint64]func(){},
	}
}

// AddObserver registers cancel to be called on CancelAllFutures. It returns false, and does not register, if the
// relay has already been cancelled.
func (r *CancellationRelay) AddObserver(cancel func()) (uint64, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.cancelled {
		return 0, false
	}
	r.tokenSeq++
	r.observers[r.tokenSeq] = cancel
	return r.tokenSeq, true
}

// RemoveObserver is idempotent.
func (r *CancellationRelay) RemoveObserver(token uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.observers, token)
}

func (r *CancellationRelay) CancelAllFutures() {
	r.lock.Lock()
	r.cancelled = true
	observers := r.observers
	r.observers = map[uint64]func(){}
	r.lock.Unlock()
	// Called outside the lock, a cancel func removes itself from the relay
	for _, cancel := range observers {
		cancel()
	}
}

func (r *CancellationRelay) IsCancelled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.cancelled
}

func (r *CancellationRelay) numObservers() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.observers)
}
