package ipc

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TokenLength is the number of random characters in a relay address.
const TokenLength = 8

// TokenSource produces the random part of an ephemeral address.
type TokenSource func() (string, error)

// RandomToken returns TokenLength characters drawn from crypto/rand.
func RandomToken() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < TokenLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("ipc: random token: %w", err)
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// EphemeralAddress builds a per-session address below dir. On Linux the name
// lives in the abstract namespace; elsewhere it is a socket file.
func EphemeralAddress(dir, prefix string, tokens TokenSource) (string, error) {
	if tokens == nil {
		tokens = RandomToken
	}
	token, err := tokens()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, prefix+token)
	if abstractSockets {
		return "unix:abstract=" + path, nil
	}
	return "unix:path=" + path, nil
}

// ParseAddress converts a bus-style address ("unix:abstract=..." or
// "unix:path=...") into a network and address for the net package.
func ParseAddress(addr string) (network, address string, err error) {
	transport, rest, ok := strings.Cut(addr, ":")
	if !ok || transport != "unix" {
		return "", "", fmt.Errorf("ipc: unsupported address %q", addr)
	}
	key, value, ok := strings.Cut(rest, "=")
	if !ok || value == "" {
		return "", "", fmt.Errorf("ipc: malformed address %q", addr)
	}
	switch key {
	case "abstract":
		if !abstractSockets {
			return "", "", fmt.Errorf("ipc: abstract sockets are not supported here: %q", addr)
		}
		return "unix", "@" + value, nil
	case "path":
		return "unix", value, nil
	default:
		return "", "", fmt.Errorf("ipc: unsupported address key %q in %q", key, addr)
	}
}

// Listen listens on a bus-style address. A stale socket file is removed.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(address, "@") {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Dial connects to a bus-style address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", addr, err)
	}
	return NewConn(conn), nil
}
