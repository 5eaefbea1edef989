package protocol

import (
	"encoding/hex"
	"net"
	"os"
	"strings"

	"github.com/chromiumos/camalgo/errors"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	TokenLength   = 32
	HandshakeSize = TokenLength + 1
)

// NewToken returns a fresh session token: 32 lower case hex characters.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func ValidateToken(token string) error {
	if len(token) != TokenLength {
		return errors.NewProtocolErrorf("session token has length %d, want %d", len(token), TokenLength)
	}
	if _, err := hex.DecodeString(token); err != nil {
		return errors.NewProtocolErrorf("session token is not hex: %v", err)
	}
	return nil
}

// SendHandshake writes the NUL terminated token with f attached as a single SCM_RIGHTS descriptor.
func SendHandshake(conn *net.UnixConn, token string, f *os.File) error {
	if err := ValidateToken(token); err != nil {
		return err
	}
	buff := make([]byte, HandshakeSize)
	copy(buff, token)
	n, _, err := conn.WriteMsgUnix(buff, unix.UnixRights(int(f.Fd())), nil)
	if err != nil {
		return errors.NewCamErrorf(errors.Unavailable, "failed to send handshake: %v", err)
	}
	if n != HandshakeSize {
		return errors.NewCamErrorf(errors.ConnectionError, "short handshake write of %d bytes", n)
	}
	return nil
}

// ReceiveHandshake reads a handshake from a stream socket. The descriptor is required and arrives with the first
// bytes of the token.
func ReceiveHandshake(conn *net.UnixConn) (string, *os.File, error) {
	buff := make([]byte, HandshakeSize)
	oob := make([]byte, unix.CmsgSpace(4*4))
	var files []*os.File
	closeFiles := func() {
		for _, f := range files {
			//goland:noinspection GoUnhandledErrorResult
			f.Close()
		}
	}
	read := 0
	for read < HandshakeSize {
		n, oobn, _, _, err := conn.ReadMsgUnix(buff[read:], oob)
		if err != nil {
			closeFiles()
			return "", nil, errors.NewCamErrorf(errors.ConnectionError, "failed to read handshake: %v", err)
		}
		if n == 0 {
			closeFiles()
			return "", nil, errors.NewCamErrorf(errors.ConnectionError, "peer closed during handshake")
		}
		if oobn > 0 {
			received, err := parseRights(oob[:oobn])
			if err != nil {
				closeFiles()
				return "", nil, err
			}
			files = append(files, received...)
		}
		read += n
	}
	if buff[TokenLength] != 0 {
		closeFiles()
		return "", nil, errors.NewProtocolErrorf("handshake token is not NUL terminated")
	}
	token := string(buff[:TokenLength])
	if err := ValidateToken(token); err != nil {
		closeFiles()
		return "", nil, err
	}
	if len(files) != 1 {
		closeFiles()
		return "", nil, errors.NewProtocolErrorf("handshake carried %d descriptors, want 1", len(files))
	}
	return token, files[0], nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse handshake control message")
	}
	var files []*os.File
	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "handshake-fd"))
		}
	}
	return files, nil
}
