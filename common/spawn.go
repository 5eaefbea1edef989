package common

import "sync/atomic"

var running atomic.Int64

// Go runs f on a new goroutine. Goroutines started this way are counted, so tests can check that IPC threads and
// channel readers have all exited after teardown.
func Go(f func()) {
	running.Add(1)
	go func() {
		defer running.Add(-1)
		f()
	}()
}

func RunningGRCount() int64 {
	return running.Load()
}
