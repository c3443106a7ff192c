package pump

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"dnstunnel/internal/session"
)

// DownlinkPoller is the slice of the resolver facade the downlink pump
// needs: spec.md §4.2's poll_downlink.
type DownlinkPoller interface {
	PollDownlink(sess *session.Session) (data []byte, empty bool, err error)
}

// Downlink is the output pump (C4): it polls the server on its own
// schedule, writes returned bytes to standard output, and adjusts its own
// polling cadence via multiplicative back-off (spec.md §4.4).
type Downlink struct {
	sess     *session.Session
	resolver DownlinkPoller
	stdout   io.Writer

	// Nudge is observed once per tick; a pending nudge resets Backoff to
	// 1 before the next poll decision, per spec.md §4.4.
	Nudge *Signal
	// Shutdown stops the loop at the next tick boundary.
	Shutdown *ShutdownSignal

	log zerolog.Logger
}

// NewDownlink builds a downlink pump bound to sess (the downlink's own
// private copy — see spec.md §3's lifecycle rule).
func NewDownlink(sess *session.Session, resolver DownlinkPoller, stdout io.Writer, nudge *Signal, shutdown *ShutdownSignal, log zerolog.Logger) *Downlink {
	return &Downlink{
		sess:     sess,
		resolver: resolver,
		stdout:   stdout,
		Nudge:    nudge,
		Shutdown: shutdown,
		log:      log,
	}
}

// Run is spec.md §4.4's loop: sleep, tick, poll every backoff ticks,
// back off on empty/error, reset and flush on data, exit once pollfail
// exceeds maxPollFail (if maxPollFail is nonzero).
func (d *Downlink) Run() error {
	var n uint64

	for {
		time.Sleep(time.Duration(d.sess.Sleep) * time.Microsecond)
		n++

		if d.Nudge.Observe() {
			d.sess.Backoff = 1
		}

		if d.Shutdown.Observe() {
			d.log.Info().Msg("downlink: shutdown requested")
			return nil
		}

		if d.sess.Backoff == 0 {
			d.sess.Backoff = 1
		}
		if n%uint64(d.sess.Backoff) != 0 {
			continue
		}

		if err := d.poll(); err != nil {
			return err
		}

		if d.sess.MaxPollFail > 0 && d.sess.PollFail > d.sess.MaxPollFail {
			d.log.Info().Msg("downlink: exiting after exceeding max consecutive empty polls")
			return nil
		}
	}
}

func (d *Downlink) poll() error {
	data, empty, err := d.resolver.PollDownlink(d.sess)
	if err != nil || empty {
		d.sess.Backoff *= 3
		d.sess.ClampBackoff()
		d.sess.PollFail++
		if err != nil {
			d.log.Debug().Err(err).Msg("downlink: poll failed")
		}
		return nil
	}

	d.sess.PollFail = 0
	d.sess.Backoff = 1

	if err := writeFull(d.stdout, data); err != nil {
		return fmt.Errorf("downlink: write to stdout: %w", err)
	}
	d.sess.Sum += uint64(len(data))
	return nil
}

// writeFull retries a partial write until all of data has been written, or
// a write error occurs — spec.md §4.4: "a partial write is retried until
// complete; a write error is fatal."
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
