// Package fake is a vendor algorithm library for tests and for exercising a server end to end. Buffers are mapped
// into memory on registration and every request writes the first byte of its header into the start of its buffer.
package fake

import (
	"sync"

	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/ipcthread"
	log "github.com/chromiumos/camalgo/logger"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"golang.org/x/sys/unix"
)

type buffer struct {
	fd   int
	data []byte
}

type Ops struct {
	lock        sync.Mutex
	callbackOps *algo.CallbackOps
	initCount   int
	buffers     *treemap.Map
	nextHandle  int32
	worker      *ipcthread.Thread
	closed      bool
}

var _ algo.Ops = (*Ops)(nil)

func New() *Ops {
	o := &Ops{
		buffers: treemap.NewWith(utils.Int32Comparator),
		worker:  ipcthread.New("fake-algo-worker"),
	}
	o.worker.Start()
	return o
}

func (o *Ops) Initialize(callbackOps *algo.CallbackOps) int32 {
	if callbackOps == nil || callbackOps.ReturnCallback == nil {
		return errors.EINVAL
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	o.callbackOps = callbackOps
	o.initCount++
	return errors.StatusOK
}

func (o *Ops) RegisterBuffer(fd int) int32 {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fd)
		return errors.StatusFromError(err)
	}
	if stat.Size <= 0 {
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fd)
		return errors.EINVAL
	}
	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fd)
		return errors.StatusFromError(err)
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.nextHandle < 0 {
		// Handle space exhausted
		//goland:noinspection GoUnhandledErrorResult
		unix.Munmap(data)
		//goland:noinspection GoUnhandledErrorResult
		unix.Close(fd)
		return errors.ENOMEM
	}
	handle := o.nextHandle
	o.nextHandle++
	o.buffers.Put(handle, &buffer{fd: fd, data: data})
	return handle
}

func (o *Ops) Request(reqID uint32, header []byte, bufferHandle int32) {
	header = append([]byte(nil), header...)
	if !o.worker.PostTask(func() { o.process(reqID, header, bufferHandle) }) {
		log.Warnf("fake algorithm is closed, dropping request %d", reqID)
	}
}

func (o *Ops) process(reqID uint32, header []byte, bufferHandle int32) {
	o.lock.Lock()
	callbackOps := o.callbackOps
	status := errors.StatusOK
	b, ok := o.buffers.Get(bufferHandle)
	switch {
	case !ok:
		status = errors.EBADF
	case len(header) == 0:
		status = errors.EINVAL
	default:
		b.(*buffer).data[0] = header[0]
	}
	o.lock.Unlock()
	if callbackOps == nil {
		log.Warnf("fake algorithm received request %d before initialize", reqID)
		return
	}
	callbackOps.ReturnCallback(callbackOps, reqID, status, bufferHandle)
}

func (o *Ops) DeregisterBuffers(bufferHandles []int32) {
	o.lock.Lock()
	defer o.lock.Unlock()
	for _, handle := range bufferHandles {
		b, ok := o.buffers.Get(handle)
		if !ok {
			log.Debugf("fake algorithm cannot deregister unknown buffer %d", handle)
			continue
		}
		o.buffers.Remove(handle)
		b.(*buffer).release()
	}
}

// Close stops the worker and releases every registered buffer.
func (o *Ops) Close() error {
	o.worker.Stop()
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	for _, v := range o.buffers.Values() {
		v.(*buffer).release()
	}
	o.buffers.Clear()
	return nil
}

func (b *buffer) release() {
	//goland:noinspection GoUnhandledErrorResult
	unix.Munmap(b.data)
	//goland:noinspection GoUnhandledErrorResult
	unix.Close(b.fd)
}

// InitializeCount returns how many times Initialize has succeeded.
func (o *Ops) InitializeCount() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.initCount
}

// CallbackOps returns the callback table from the most recent Initialize.
func (o *Ops) CallbackOps() *algo.CallbackOps {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.callbackOps
}

func (o *Ops) Handles() []int32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	keys := o.buffers.Keys()
	handles := make([]int32, len(keys))
	for i, k := range keys {
		handles[i] = k.(int32)
	}
	return handles
}
