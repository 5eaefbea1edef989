package common

// CopySlice returns a copy of s that shares no memory with it. Used where a caller's buffer is retained after the
// call returns.
func CopySlice[T any](s []T) []T {
	copied := make([]T, len(s))
	copy(copied, s)
	return copied
}
