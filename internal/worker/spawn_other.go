//go:build !unix

package worker

import (
	"errors"
	"os"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/ipc"
)

var errUnsupported = errors.New("worker: session workers need a unix system")

func socketpair() (local, remote *os.File, err error) {
	return nil, nil, errUnsupported
}

func connFromFile(f *os.File) (*ipc.Conn, error) {
	return nil, errUnsupported
}
