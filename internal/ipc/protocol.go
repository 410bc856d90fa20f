package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn wraps a net.Conn with length-prefixed JSON framing and serial number
// validation.
type Conn struct {
	conn    net.Conn
	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	mu      sync.Mutex // serializes writes
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send assigns the next serial to msg and writes it as [4-byte BE length][JSON].
// It returns the assigned serial.
func (c *Conn) Send(msg *Message) (uint64, error) {
	if err := msg.validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg.Serial = c.sendSeq.Add(1)

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("ipc: marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return 0, fmt.Errorf("ipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := c.conn.Write(frame); err != nil {
		return 0, fmt.Errorf("ipc: write frame: %w", err)
	}
	return msg.Serial, nil
}

// Recv reads one framed message and checks that serials strictly increase.
func (c *Conn) Recv() (*Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > uint32(MaxMessageSize) {
		return nil, fmt.Errorf("ipc: message too large: %d > %d", length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &MalformedError{Err: err}
	}
	if err := msg.validate(); err != nil {
		return nil, &MalformedError{Err: err}
	}

	prev := c.recvSeq.Load()
	if msg.Serial <= prev {
		return nil, fmt.Errorf("ipc: serial %d <= last %d (replay/duplicate)", msg.Serial, prev)
	}
	c.recvSeq.Store(msg.Serial)

	return &msg, nil
}

// MalformedError wraps a frame that was read completely but could not be
// understood. The stream is still aligned, so the caller may keep reading.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return "ipc: malformed message: " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}
