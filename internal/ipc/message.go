package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize is the maximum size of a framed message (1MB).
const MaxMessageSize = 1 << 20

// Kind classifies a message the way a message bus does.
type Kind string

const (
	KindMethodCall   Kind = "method_call"
	KindMethodReturn Kind = "method_return"
	KindError        Kind = "error"
	KindSignal       Kind = "signal"
)

// ErrBadArgs reports a message whose arguments do not match what the
// receiver expects.
var ErrBadArgs = errors.New("ipc: bad arguments")

// Message is the wire format shared by the session relay, the greeter
// channel and the session worker.
type Message struct {
	Serial      uint64            `json:"serial"`
	ReplySerial uint64            `json:"replySerial,omitempty"`
	Kind        Kind              `json:"kind"`
	Member      string            `json:"member,omitempty"`
	Args        []json.RawMessage `json:"args,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// NewMethodCall builds a call that expects a method return or error reply.
func NewMethodCall(member string, args ...any) (*Message, error) {
	return newMessage(KindMethodCall, member, args)
}

// NewSignal builds a one-way message.
func NewSignal(member string, args ...any) (*Message, error) {
	return newMessage(KindSignal, member, args)
}

func newMessage(kind Kind, member string, args []any) (*Message, error) {
	msg := &Message{Kind: kind, Member: member}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("ipc: marshal %s arg %d: %w", member, i, err)
		}
		msg.Args = append(msg.Args, raw)
	}
	return msg, nil
}

// Reply builds an empty method return for m.
func (m *Message) Reply(args ...any) (*Message, error) {
	reply, err := newMessage(KindMethodReturn, "", args)
	if err != nil {
		return nil, err
	}
	reply.ReplySerial = m.Serial
	return reply, nil
}

// ErrorReply builds an error reply for m.
func (m *Message) ErrorReply(text string) *Message {
	return &Message{Kind: KindError, ReplySerial: m.Serial, Error: text}
}

// IsCall reports whether m expects a reply.
func (m *Message) IsCall() bool {
	return m.Kind == KindMethodCall
}

// Decode unpacks the arguments into dst. The number of arguments must match
// exactly and each must decode into its destination's type.
func (m *Message) Decode(dst ...any) error {
	if len(m.Args) != len(dst) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArgs, m.Member, len(dst), len(m.Args))
	}
	for i, raw := range m.Args {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("%w: %s arg %d: %v", ErrBadArgs, m.Member, i, err)
		}
	}
	return nil
}

// DecodeOptionalString returns the single string argument of m, or "" when
// m carries no arguments.
func (m *Message) DecodeOptionalString() (string, error) {
	if len(m.Args) == 0 {
		return "", nil
	}
	var s string
	if err := m.Decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

func (m *Message) validate() error {
	switch m.Kind {
	case KindMethodCall, KindSignal:
		if m.Member == "" {
			return fmt.Errorf("ipc: %s without member", m.Kind)
		}
	case KindMethodReturn, KindError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("ipc: %s without reply serial", m.Kind)
		}
	default:
		return fmt.Errorf("ipc: unknown message kind %q", m.Kind)
	}
	return nil
}
