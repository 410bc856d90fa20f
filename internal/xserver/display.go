package xserver

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SocketDir holds the unix sockets of local X servers.
const SocketDir = "/tmp/.X11-unix"

// ParseDisplay splits an X display name "[host]:number[.screen]".
func ParseDisplay(name string) (host string, number int, err error) {
	i := strings.LastIndex(name, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("xserver: invalid display name %q", name)
	}
	host = name[:i]
	rest := name[i+1:]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	number, err = strconv.Atoi(rest)
	if err != nil || number < 0 {
		return "", 0, fmt.Errorf("xserver: invalid display number in %q", name)
	}
	return host, number, nil
}

// Connector checks whether a display accepts connections.
type Connector struct {
	SocketDir string
	Timeout   time.Duration
}

// Connect opens and closes a connection to the display. Local displays are
// reached through their unix socket, remote ones on TCP port 6000+n.
func (c *Connector) Connect(ctx context.Context, display string) error {
	host, number, err := ParseDisplay(display)
	if err != nil {
		return err
	}

	network, addr := "unix", filepath.Join(c.socketDir(), fmt.Sprintf("X%d", number))
	if host != "" && host != "unix" {
		network, addr = "tcp", net.JoinHostPort(host, strconv.Itoa(6000+number))
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("xserver: connect to %s: %w", display, err)
	}
	return conn.Close()
}

func (c *Connector) socketDir() string {
	if c.SocketDir != "" {
		return c.SocketDir
	}
	return SocketDir
}
