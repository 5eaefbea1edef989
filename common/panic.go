package common

import (
	"os"
	"runtime"

	log "github.com/chromiumos/camalgo/logger"
)

// PanicHandler is deferred at the top of process entry points and reader goroutines. A panic there leaves IPC state
// unrecoverable, so the process exits and the camera service restarts it.
func PanicHandler() {
	if r := recover(); r != nil {
		log.Errorf("panic in camera algorithm process: %v\n%s", r, GetCurrentStack())
		os.Exit(1)
	}
}

// GetCurrentStack returns the stack trace of the calling goroutine.
func GetCurrentStack() string {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
