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

package ipcthread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromiumos/camalgo/common"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/eapache/queue"
	"github.com/timandy/routine"
)

/*
Thread is a single goroutine draining a FIFO task queue. All mutable state of an IPC endpoint (proxies, bindings,
callback tables) is owned by exactly one Thread and only touched from tasks posted to it, so tasks never need locks
between themselves. Tasks run in post order.
*/
type Thread struct {
	name     string
	lock     sync.Mutex
	cond     *sync.Cond
	tasks    *queue.Queue
	started  bool
	stopping bool
	goid     atomic.Int64
	stopWG   sync.WaitGroup
}

func New(name string) *Thread {
	t := &Thread{
		name:  name,
		tasks: queue.New(),
	}
	t.cond = sync.NewCond(&t.lock)
	return t
}

func (t *Thread) Name() string {
	return t.name
}

// Start is a no-op if the thread is already running. A stopped thread cannot be restarted.
func (t *Thread) Start() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.started {
		return !t.stopping
	}
	t.started = true
	t.stopWG.Add(1)
	common.Go(t.loop)
	return true
}

func (t *Thread) IsRunning() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.started && !t.stopping
}

/*
Stop runs every task already posted, then exits the loop and waits for it. Tasks posted after Stop are rejected.
When called from a task on the thread itself, the loop is told to exit but Stop returns without waiting.
*/
func (t *Thread) Stop() {
	t.lock.Lock()
	if !t.started || t.stopping {
		t.lock.Unlock()
		return
	}
	t.stopping = true
	t.cond.Signal()
	t.lock.Unlock()
	if t.BelongsToCurrentThread() {
		return
	}
	t.stopWG.Wait()
}

// PostTask queues task for execution on the thread. It returns false if the thread is not running.
func (t *Thread) PostTask(task func()) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.started || t.stopping {
		return false
	}
	t.tasks.Add(task)
	t.cond.Signal()
	return true
}

// BelongsToCurrentThread reports whether the caller is running on this thread.
func (t *Thread) BelongsToCurrentThread() bool {
	id := t.goid.Load()
	return id != 0 && id == routine.Goid()
}

// AssertOnThread panics when called from any other goroutine than the thread's own.
func (t *Thread) AssertOnThread() {
	if !t.BelongsToCurrentThread() {
		panic(fmt.Sprintf("must be called on IPC thread %s", t.name))
	}
}

func (t *Thread) loop() {
	defer t.stopWG.Done()
	t.goid.Store(routine.Goid())
	defer t.goid.Store(0)
	for {
		task, ok := t.nextTask()
		if !ok {
			return
		}
		t.runTask(task)
	}
}

func (t *Thread) nextTask() (func(), bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for t.tasks.Length() == 0 {
		if t.stopping {
			return nil, false
		}
		t.cond.Wait()
	}
	return t.tasks.Remove().(func()), true
}

func (t *Thread) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task on IPC thread %s panicked: %v\n%s", t.name, r, common.GetCurrentStack())
			panic(r)
		}
	}()
	task()
}
