// Package pump implements the two halves of the transport engine's
// pumping loop: Uplink (C3, spec.md §4.3) and Downlink (C4, spec.md §4.4).
package pump

import "sync/atomic"

// Signal is a one-bit, idempotent, coalescing notification — the
// goroutine analogue of a Unix signal handler that "sets flags only"
// (spec.md §5). Multiple Raise calls before a single observation collapse
// into one: exactly the "may be merged with identical signals" guarantee
// spec.md §5 requires.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise marks the signal. Safe to call from any goroutine, any number of
// times; excess raises before the signal is observed are free.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C exposes the underlying channel for use in a select statement.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Observe reports whether the signal has been raised since the last
// Observe call, clearing it either way. It never blocks.
func (s *Signal) Observe() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// ShutdownReason distinguishes why a pump is being asked to stop, mirroring
// original_source/sdt/sdt.c's woken==1 (local shutdown: EOF, SIGHUP,
// SIGTERM) versus woken==2 (SIGCHLD: the peer already exited on its own).
// See DESIGN.md's ledger entry for internal/coordinator.
type ShutdownReason int32

const (
	ShutdownNone ShutdownReason = iota
	ShutdownLocal
	ShutdownPeerGone
)

// ShutdownSignal is a Signal that also remembers *why* it fired, since the
// coordinator needs that distinction (spec.md §4.5's "if the shutdown was
// local ... send a hangup to the downlink context").
type ShutdownSignal struct {
	Signal
	reason atomic.Int32
}

// NewShutdownSignal returns a ready-to-use ShutdownSignal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{Signal: Signal{ch: make(chan struct{}, 1)}}
}

// Raise marks the signal with the given reason. The first reason ever
// raised is kept; later raises (before or after an Observe) leave it
// unchanged and only make sure the channel carries a pending wakeup.
func (s *ShutdownSignal) Raise(reason ShutdownReason) {
	s.reason.CompareAndSwap(int32(ShutdownNone), int32(reason))
	s.Signal.Raise()
}

// Reason returns the first reason passed to Raise, or ShutdownNone if
// Raise has not been called. Observe does not clear it.
func (s *ShutdownSignal) Reason() ShutdownReason {
	return ShutdownReason(s.reason.Load())
}
