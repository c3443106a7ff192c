// Package session holds the descriptor shared, by value, between the
// uplink and downlink pumps of a single DNS tunnel.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RecordType selects which RR type downlink polls request.
type RecordType int

const (
	TypeTXT RecordType = iota
	TypeCNAME
	TypeNULL
)

func (t RecordType) String() string {
	switch t {
	case TypeTXT:
		return "TXT"
	case TypeCNAME:
		return "CNAME"
	case TypeNULL:
		return "NULL"
	default:
		return "unknown"
	}
}

// ParseRecordType maps the -t flag value onto a RecordType.
func ParseRecordType(s string) (RecordType, error) {
	switch s {
	case "TXT", "txt":
		return TypeTXT, nil
	case "CNAME", "cname":
		return TypeCNAME, nil
	case "NULL", "null":
		return TypeNULL, nil
	default:
		return 0, fmt.Errorf("unknown record type %q", s)
	}
}

// maxNameLen is the maximum compressed DNS name length (RFC 1035 §3.1)
// minus one, the bound spec.md places on the -dname positional argument.
const maxNameLen = 255 - 1

// Defaults, taken from the original client (see DESIGN.md).
const (
	DefaultBufsz      = 110
	DefaultDelay      = 500_000 // microseconds
	DefaultFastStart  = 3
	DefaultMaxBackoff = 64
	DefaultSleep      = 100_000 // microseconds
	DefaultMaxPollFail = 0       // never exit
)

// Session is the descriptor described by spec.md §3: a handful of fields
// frozen after startup, and a handful each owned by exactly one of the two
// pumps. It is never shared by pointer across the uplink/downlink
// goroutines — Clone gives each its own copy, per spec.md §3's lifecycle
// rule.
type Session struct {
	// Frozen after startup; safe for either pump to read without
	// synchronization.
	ID         uint16
	Opt        uint8
	Fwd        uint8
	Dname      string
	RecordType RecordType
	Bufsz      int

	// Owned by the uplink pump only.
	Delay      uint32 // microseconds
	FastStart  int32
	SumUp      uint64

	// Owned by the downlink pump. The uplink also reads Sleep and
	// MaxBackoff and grows Backoff on its own copy when a send fails.
	Sleep       uint32 // microseconds
	Backoff     uint32
	MaxBackoff  uint32
	PollFail    int32
	MaxPollFail int32
	Sum         uint64

	// Shared, read-only startup knob.
	Verbose int
}

// New builds a Session with the original client's defaults.
func New(dname string) (*Session, error) {
	if len(dname) > maxNameLen {
		return nil, fmt.Errorf("domain name %q exceeds %d bytes", dname, maxNameLen)
	}
	if dname == "" {
		return nil, fmt.Errorf("domain name is required")
	}

	id, err := randomID()
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          id,
		Dname:       dname,
		RecordType:  TypeTXT,
		Bufsz:       DefaultBufsz,
		Delay:       DefaultDelay,
		FastStart:   DefaultFastStart,
		Sleep:       DefaultSleep,
		Backoff:     1,
		MaxBackoff:  DefaultMaxBackoff,
		MaxPollFail: DefaultMaxPollFail,
	}, nil
}

func randomID() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate session id: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// Clone returns a shallow copy. Uplink and downlink each get one so that
// neither goroutine ever writes a field the other also writes — the
// single-writer-per-field invariant is enforced by construction rather
// than by locking.
func (s *Session) Clone() *Session {
	clone := *s
	return &clone
}

// ClampBackoff enforces invariant 1 from spec.md §3/§8: 1 <= backoff <=
// maxBackoff at all times.
func (s *Session) ClampBackoff() {
	if s.Backoff < 1 {
		s.Backoff = 1
	}
	if s.Backoff > s.MaxBackoff {
		s.Backoff = s.MaxBackoff
	}
}
