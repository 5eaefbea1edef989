package common

import (
	"sync"
	"time"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoCountsRunning(t *testing.T) {
	numRoutines := 10
	before := RunningGRCount()
	var started sync.WaitGroup
	started.Add(numRoutines)
	release := make(chan struct{})
	var exited sync.WaitGroup
	exited.Add(numRoutines)
	for i := 0; i < numRoutines; i++ {
		Go(func() {
			defer exited.Done()
			started.Done()
			<-release
		})
	}
	started.Wait()
	require.Equal(t, before+int64(numRoutines), RunningGRCount())
	close(release)
	exited.Wait()
	// The count is decremented after f returns
	require.Eventually(t, func() bool {
		return RunningGRCount() == before
	}, time.Second, time.Millisecond)
}

func TestCopySlice(t *testing.T) {
	header := []byte("header")
	copied := CopySlice(header)
	header[0] = 'X'
	require.Equal(t, "header", string(copied))

	handles := []int32{1, 2}
	copiedHandles := CopySlice(handles)
	handles[0] = 9
	require.Equal(t, []int32{1, 2}, copiedHandles)
	require.Empty(t, CopySlice[int32](nil))
}
