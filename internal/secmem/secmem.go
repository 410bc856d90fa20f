// Package secmem keeps secret conversation answers out of ordinary heap
// memory and out of logs.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

var ErrNotDecodable = errors.New("secmem: secrets cannot be decoded")

// SecureString is an answer typed at the greeter, sealed in a memguard
// enclave. The plaintext exists in locked memory only while Reveal copies it
// out. Every formatting and encoding path prints [REDACTED].
type SecureString struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	wiped   atomic.Bool
	warned  atomic.Bool
}

// NewSecureString seals s.
func NewSecureString(s string) *SecureString {
	return NewSecureBytes([]byte(s))
}

// NewSecureBytes seals b and wipes it. An empty answer needs no enclave.
func NewSecureBytes(b []byte) *SecureString {
	if len(b) == 0 {
		return &SecureString{}
	}
	return &SecureString{enclave: memguard.NewEnclave(b)}
}

// Reveal returns the plaintext, or "" for a nil or wiped secret.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	enclave := s.enclave
	s.mu.Unlock()

	if enclave == nil {
		if s.wiped.Load() && s.warned.CompareAndSwap(false, true) {
			log.Warn("secret revealed after it was wiped")
		}
		return ""
	}

	buf, err := enclave.Open()
	if err != nil {
		log.Error("open secret enclave", logging.KeyError, err)
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

// Zero drops the enclave. memguard wipes its key once collected.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.enclave = nil
	s.mu.Unlock()
	s.wiped.Store(true)
}

func (s *SecureString) IsZeroed() bool {
	return s != nil && s.wiped.Load()
}

func (s *SecureString) String() string   { return redacted }
func (s *SecureString) GoString() string { return redacted }

func (s *SecureString) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON always fails; secrets only enter through the greeter.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return ErrNotDecodable
}
