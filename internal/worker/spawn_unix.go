//go:build unix

package worker

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
)

func socketpair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "worker-local"), os.NewFile(uintptr(fds[1]), "worker-remote"), nil
}

func connFromFile(f *os.File) (*ipc.Conn, error) {
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("worker: wrap socket: %w", err)
	}
	return ipc.NewConn(conn), nil
}
