package port

import (
	"net"

	"github.com/tass-io/rpool/pkg/tools/errorutils"
)

// Allocate asks the os for a free port on the loopback interface.
// The listener is closed before returning so nothing is reserved: another process may grab
// the port before the Rserve process binds it, in which case the launch fails and the caller retries.
func Allocate() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errorutils.NewPortAllocationError(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
