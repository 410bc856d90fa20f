package ipc

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
)

// ErrPeerRejected is returned when a peer's identity is not allowed.
var ErrPeerRejected = errors.New("ipc: peer rejected")

// PeerCredentials holds the verified identity of an IPC peer.
type PeerCredentials struct {
	PID        int
	UID        uint32
	GID        uint32
	BinaryPath string
}

// IdentityKey returns the kernel-verified UID as a string.
func (p *PeerCredentials) IdentityKey() string {
	return strconv.FormatUint(uint64(p.UID), 10)
}

// UIDAuthorizer admits peers whose uid is in the list. It is the socket
// equivalent of the EXTERNAL authentication mechanism.
func UIDAuthorizer(uids ...uint32) func(*PeerCredentials) error {
	allowed := slices.Clone(uids)
	return func(p *PeerCredentials) error {
		if slices.Contains(allowed, p.UID) {
			return nil
		}
		return fmt.Errorf("%w: uid %d not in %v", ErrPeerRejected, p.UID, allowed)
	}
}

// Authorize fetches the peer credentials of conn and checks them with auth.
func Authorize(conn net.Conn, auth func(*PeerCredentials) error) (*PeerCredentials, error) {
	creds, err := GetPeerCredentials(conn)
	if err != nil {
		return nil, err
	}
	if err := auth(creds); err != nil {
		return creds, err
	}
	return creds, nil
}
