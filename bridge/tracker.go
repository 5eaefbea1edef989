package bridge

import (
	"github.com/chromiumos/camalgo/future"
	log "github.com/chromiumos/camalgo/logger"
	lru "github.com/hashicorp/golang-lru"
)

// syncRequestFlag marks request IDs issued by RequestSync. Callers of Request must not set it.
const syncRequestFlag uint32 = 1 << 31

type syncResult struct {
	status int32
	err    error
}

/*
requestTracker records the requests of one connection that are waiting for a Return, so each request reaches its
callback at most once. Recently completed IDs are remembered so a duplicate Return can be told apart from a Return
for a request never sent. All methods run on the bridge IPC thread.
*/
type requestTracker struct {
	outstanding map[uint32]int
	waiters     map[uint32]*future.Future[syncResult]
	completed   *lru.Cache
}

func newRequestTracker(completedCacheSize int) *requestTracker {
	completed, err := lru.New(completedCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which Conf.Validate rejects
		panic(err)
	}
	return &requestTracker{
		outstanding: map[uint32]int{},
		waiters:     map[uint32]*future.Future[syncResult]{},
		completed:   completed,
	}
}

func (r *requestTracker) add(reqID uint32) {
	r.outstanding[reqID]++
}

func (r *requestTracker) addSync(reqID uint32, fut *future.Future[syncResult]) {
	r.waiters[reqID] = fut
}

func (r *requestTracker) remove(reqID uint32) {
	if n := r.outstanding[reqID]; n > 1 {
		r.outstanding[reqID] = n - 1
	} else {
		delete(r.outstanding, reqID)
	}
}

func (r *requestTracker) removeSync(reqID uint32) {
	delete(r.waiters, reqID)
}

// complete accounts for a Return. It returns the waiting sync future if the request came from RequestSync, and
// whether the Return should be delivered at all.
func (r *requestTracker) complete(reqID uint32) (*future.Future[syncResult], bool) {
	if fut, ok := r.waiters[reqID]; ok {
		delete(r.waiters, reqID)
		r.completed.Add(reqID, struct{}{})
		return fut, true
	}
	if _, ok := r.outstanding[reqID]; ok {
		r.remove(reqID)
		r.completed.Add(reqID, struct{}{})
		return nil, true
	}
	if r.completed.Contains(reqID) {
		log.Warnf("duplicate return for request %d, dropping", reqID)
	} else {
		log.Warnf("return for unknown request %d, dropping", reqID)
	}
	return nil, false
}

func (r *requestTracker) numOutstanding() int {
	n := len(r.waiters)
	for _, count := range r.outstanding {
		n += count
	}
	return n
}

// failAll fails synchronous waiters and forgets every outstanding request. Asynchronous requests are reported
// through Notify instead.
func (r *requestTracker) failAll(status int32, err error) {
	for id, fut := range r.waiters {
		fut.Set(syncResult{status: status, err: err})
		delete(r.waiters, id)
	}
	r.outstanding = map[uint32]int{}
}
