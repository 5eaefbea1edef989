//go:build !release

package testutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const defaultWaitTimeout = 10 * time.Second

// Predicate reports whether the awaited condition holds. An error aborts the wait.
type Predicate func() (bool, error)

// WaitUntil polls predicate until it holds, failing the test after 10 seconds.
func WaitUntil(t *testing.T, predicate Predicate) {
	t.Helper()
	WaitUntilWithDur(t, predicate, defaultWaitTimeout)
}

func WaitUntilWithDur(t *testing.T, predicate Predicate, timeout time.Duration) {
	t.Helper()
	ok, err := WaitUntilWithError(predicate, timeout, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "condition not met within %v", timeout)
}

// WaitUntilWithError polls predicate every pollInterval. It returns false if timeout passes first.
func WaitUntilWithError(predicate Predicate, timeout time.Duration, pollInterval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := predicate()
		if err != nil || ok {
			return ok, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
}

// RequireChanValue waits for a value on ch, failing the test after timeout.
func RequireChanValue[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for channel value")
	}
	var zero T
	return zero
}
