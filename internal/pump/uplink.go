package pump

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"dnstunnel/internal/session"
)

// KeystrokeLen is the "one keystroke" constant spec.md §4.3 describes
// abstractly ("a small constant, e.g. 32 bytes"); original_source/sdt/
// sdt.c's KEYSTROKELEN is exactly 32. A gathered chunk at or below this
// size, while FastStart is still positive, counts as interactive typing
// and decays the fast-start counter by one.
const KeystrokeLen = 32

// UplinkSender is the slice of the resolver facade the uplink pump needs:
// spec.md §4.2's send_uplink, plus the retransmit-timeout knob its retry
// policy (§4.3) pushes into the resolver on each failure.
type UplinkSender interface {
	SendUplink(sess *session.Session, payload []byte) (ok bool, err error)
	SetRetransmitTimeout(d time.Duration)
}

// Uplink is the input pump (C3): it turns stdin into a sequence of
// resolver queries under the deadline/fast-start/full-buffer discipline
// spec.md §4.3 specifies.
type Uplink struct {
	sess     *session.Session
	resolver UplinkSender
	stdin    io.Reader

	// Nudge is raised after every successful send so the downlink can
	// reset its back-off (spec.md §4.3's "nudge to downlink").
	Nudge *Signal
	// Shutdown is observed at every loop head and gather iteration
	// (spec.md §5's cooperative cancellation).
	Shutdown *ShutdownSignal

	log zerolog.Logger
}

// NewUplink builds an uplink pump bound to sess (the uplink's own private
// copy, per spec.md §3's lifecycle rule — never share this with Downlink).
func NewUplink(sess *session.Session, resolver UplinkSender, stdin io.Reader, nudge *Signal, shutdown *ShutdownSignal, log zerolog.Logger) *Uplink {
	return &Uplink{
		sess:     sess,
		resolver: resolver,
		stdin:    stdin,
		Nudge:    nudge,
		Shutdown: shutdown,
		log:      log,
	}
}

// Run is the loop outline from spec.md §4.3: gather a chunk, send it
// (retrying on transport error, never dropping it), nudge the downlink,
// sleep sleep×backoff, repeat — until gather reports end of stream, a
// fatal local error, or the shutdown signal has fired.
func (u *Uplink) Run() {
	buf := make([]byte, u.sess.Bufsz)
	reader := newStdinReader(u.stdin, u.sess.Bufsz)
	defer reader.close()

	for {
		n, eof, fatal := u.gather(buf, reader)
		if n == 0 {
			if fatal {
				u.log.Error().Msg("uplink: fatal input error, exiting")
			} else if eof {
				u.log.Info().Msg("uplink: end of input stream")
			} else {
				u.log.Info().Msg("uplink: shutdown requested before any data arrived")
			}
			return
		}

		u.sendWithRetry(buf[:n])
		u.sess.SumUp += uint64(n)
		u.Nudge.Raise()

		if u.Shutdown.Reason() != ShutdownNone {
			u.log.Info().Msg("uplink: shutdown requested")
			return
		}

		time.Sleep(time.Duration(u.sess.Sleep) * time.Microsecond * time.Duration(u.sess.Backoff))
	}
}

// gather is the sub-procedure from spec.md §4.3: a deadline-bounded,
// size-bounded, interruptible read. It returns the number of bytes
// accumulated and, when n==0, why (eof vs a fatal local error vs a
// shutdown that arrived before any byte showed up).
func (u *Uplink) gather(buf []byte, reader *stdinReader) (n int, eof, fatal bool) {
	defer func() {
		// Fast-start decay: spec.md §4.3, "after each gather, if
		// faststart > 0 and the gathered size is at or below one
		// keystroke, decrement faststart."
		if u.sess.FastStart > 0 && n <= KeystrokeLen {
			u.sess.FastStart--
		}
	}()

	deadline := newOneShotTimer()
	defer deadline.Cancel()

	armDeadline := func() {
		if u.sess.FastStart <= 0 && u.sess.Delay > 0 {
			deadline.Arm(time.Duration(u.sess.Delay) * time.Microsecond)
		}
	}
	armDeadline()

	t := 0
	if !reader.outstanding() {
		reader.request(len(buf) - t)
	}

	for {
		select {
		case res := <-reader.results:
			reader.consumed()

			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return t, true, false
				}
				return t, false, true
			}
			copy(buf[t:], res.data)
			t += len(res.data)

			if t >= len(buf) {
				// Flush-on-full: spec.md §8's Flush-on-full law.
				return t, false, false
			}
			if u.sess.FastStart > 0 || u.sess.Delay == 0 {
				// "one read is enough, flush now" — interactive
				// fast-start, or an explicitly disabled coalescing
				// deadline.
				return t, false, false
			}

			reader.request(len(buf) - t)

		case <-deadline.C():
			if t > 0 {
				// Flush-on-deadline: spec.md §8's Flush-on-deadline law.
				return t, false, false
			}
			// Nothing arrived during the window: re-arm and keep
			// waiting. Never flush an empty query (No-empty-flush law).
			armDeadline()

		case <-u.Shutdown.C():
			return t, false, false
		}
	}
}

// sendWithRetry implements spec.md §4.3's retry policy: on transport
// error, grow back-off by one (clamped), push it to the resolver as the
// new per-query retransmit timeout, and retry with the same payload. The
// payload is never dropped.
func (u *Uplink) sendWithRetry(payload []byte) {
	for {
		ok, err := u.resolver.SendUplink(u.sess, payload)
		if ok && err == nil {
			return
		}

		u.sess.Backoff++
		u.sess.ClampBackoff()
		u.resolver.SetRetransmitTimeout(time.Duration(u.sess.Backoff) * time.Second)

		u.log.Warn().Err(err).Uint32("backoff", u.sess.Backoff).Msg("uplink: resend after transport error")
	}
}
