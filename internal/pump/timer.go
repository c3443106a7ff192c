package pump

import "time"

// oneShotTimer is the goroutine-world replacement for the original
// client's SIGALRM/ualarm deadline (spec.md §9's design note: "either a
// signal-delivered flag or a multiplexed timer descriptor satisfies the
// contract"). Arm schedules a single future Raise; a fresh Arm call
// replaces any still-pending one.
type oneShotTimer struct {
	sig   *Signal
	timer *time.Timer
}

func newOneShotTimer() *oneShotTimer {
	return &oneShotTimer{sig: NewSignal()}
}

// Arm (re)schedules the deadline to fire d from now.
func (t *oneShotTimer) Arm(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() { t.sig.Raise() })
}

// Cancel stops any pending deadline without firing it.
func (t *oneShotTimer) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

// C reports when the deadline fires.
func (t *oneShotTimer) C() <-chan struct{} {
	return t.sig.C()
}
