package sockserver

import (
	"net"
	"os"
	"time"

	"github.com/chromiumos/camalgo/errors"
	"github.com/chromiumos/camalgo/protocol"
)

const (
	writeTimeout = 5 * time.Second
	dialTimeout  = 5 * time.Second
)

// Connect dials the server at path and performs the handshake, handing channelFile over with token. A zero timeout
// uses the default dial timeout.
func Connect(path string, timeout time.Duration, token string, channelFile *os.File) error {
	if timeout == 0 {
		timeout = dialTimeout
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return convertNetworkError(err)
	}
	defer func() {
		//goland:noinspection GoUnhandledErrorResult
		conn.Close()
	}()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.Errorf("%s is not a unix socket", path)
	}
	// Set a write deadline so the handshake doesn't block for a long time if the server is wedged
	if err := uc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return convertNetworkError(err)
	}
	return protocol.SendHandshake(uc, token, channelFile)
}

func convertNetworkError(err error) error {
	// We convert to unavailable errors, as they are retryable
	return errors.NewCamErrorf(errors.Unavailable, "failed to connect: %v", err)
}
