//go:build !linux

package ipc

import (
	"errors"
	"net"
)

var errNoPeerCredentials = errors.New("ipc: peer credentials are not supported on this platform")

func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errNoPeerCredentials
}

const abstractSockets = false
