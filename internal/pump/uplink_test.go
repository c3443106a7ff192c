package pump

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnstunnel/internal/session"
)

// fakeSender records every payload handed to SendUplink. failTimes lets a
// test simulate N consecutive transport errors before success.
type fakeSender struct {
	mu          sync.Mutex
	sent        [][]byte
	failTimes   int
	retransmits []time.Duration
}

func (f *fakeSender) SendUplink(sess *session.Session, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	if f.failTimes > 0 {
		f.failTimes--
		return false, errors.New("simulated transport error")
	}
	f.sent = append(f.sent, cp)
	return true, nil
}

func (f *fakeSender) SetRetransmitTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retransmits = append(f.retransmits, d)
}

func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New("tunnel.example.com")
	require.NoError(t, err)
	return s
}

func TestUplinkFastStartForwardsEachKeystroke(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 3
	sess.Delay = 500_000
	sess.Bufsz = 110
	sess.Sleep = 0

	r, w := io.Pipe()
	sender := &fakeSender{}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	for _, b := range []string{"a", "b", "c"} {
		_, err := w.Write([]byte(b))
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	w.Close()
	<-done

	got := sender.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0])
	assert.Equal(t, []byte("b"), got[1])
	assert.Equal(t, []byte("c"), got[2])
	assert.EqualValues(t, 0, sess.FastStart)
}

func TestUplinkFullBufferCoalescing(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 10_000_000 // 10s: never fires during the test
	sess.Bufsz = 4
	sess.Sleep = 0

	r, w := io.Pipe()
	sender := &fakeSender{}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	go func() {
		w.Write([]byte("abcdefgh"))
		w.Close()
	}()

	<-done

	got := sender.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("abcd"), got[0])
	assert.Equal(t, []byte("efgh"), got[1])
}

func TestUplinkDeadlineCoalescing(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 100_000 // 100ms
	sess.Bufsz = 110
	sess.Sleep = 0

	r, w := io.Pipe()
	sender := &fakeSender{}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	w.Write([]byte("hello"))

	time.Sleep(250 * time.Millisecond)
	w.Close()
	<-done

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0])
}

func TestUplinkEOFWithoutDataNeverFlushes(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 50_000
	sess.Bufsz = 110

	r := bytes.NewReader(nil) // immediate EOF
	sender := &fakeSender{}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	up.Run()

	assert.Empty(t, sender.snapshot(), "no-empty-flush: EOF with zero bytes must never call SendUplink")
}

func TestUplinkRetriesOnTransportError(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 0 // flush every read immediately
	sess.Bufsz = 110
	sess.MaxBackoff = 10

	r, w := io.Pipe()
	sender := &fakeSender{failTimes: 2}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	w.Write([]byte("x"))
	w.Close()
	<-done

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("x"), got[0])
	assert.EqualValues(t, 3, sess.Backoff, "two failures should have incremented backoff from 1 to 3")
}

// TestUplinkOutstandingReadCarriesAcrossGatherCalls covers the steady-state
// interactive scenario: a deadline flush fires while the background reader
// still has a read outstanding (waiting for the next keystroke). The
// bytes that read eventually produces must land at the start of the next
// chunk, not be lost, duplicated, or misattributed to the wrong offset.
func TestUplinkOutstandingReadCarriesAcrossGatherCalls(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 80_000 // 80ms
	sess.Bufsz = 110
	sess.Sleep = 0

	r, w := io.Pipe()
	sender := &fakeSender{}
	up := NewUplink(sess, sender, r, NewSignal(), NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	w.Write([]byte("a"))
	// The deadline flushes "a" while gather's follow-up read (waiting for
	// more data) is still outstanding.
	time.Sleep(150 * time.Millisecond)
	w.Write([]byte("b"))
	time.Sleep(150 * time.Millisecond)
	w.Close()
	<-done

	got := sender.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0])
	assert.Equal(t, []byte("b"), got[1])
}

// TestUplinkShutdownAfterDataFlushStopsLoop covers a shutdown that arrives
// while gather is waiting for more data after already accumulating some:
// gather flushes what it has, and Run must still observe the shutdown
// afterward instead of looping again.
func TestUplinkShutdownAfterDataFlushStopsLoop(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 10_000_000 // 10s: never fires during the test
	sess.Bufsz = 110
	sess.Sleep = 0

	r, w := io.Pipe()
	sender := &fakeSender{}
	shutdown := NewShutdownSignal()
	up := NewUplink(sess, sender, r, NewSignal(), shutdown, zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	w.Write([]byte("x"))
	time.Sleep(20 * time.Millisecond) // let gather consume "x" and start waiting for more
	shutdown.Raise(ShutdownLocal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("uplink did not exit after a shutdown that arrived once data had already been flushed")
	}

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("x"), got[0])
}

func TestUplinkNudgesDownlinkOnSuccess(t *testing.T) {
	sess := newTestSession(t)
	sess.FastStart = 0
	sess.Delay = 0
	sess.Bufsz = 110

	r, w := io.Pipe()
	sender := &fakeSender{}
	nudge := NewSignal()
	up := NewUplink(sess, sender, r, nudge, NewShutdownSignal(), zerolog.Nop())

	done := make(chan struct{})
	go func() { up.Run(); close(done) }()

	w.Write([]byte("x"))
	w.Close()
	<-done

	assert.True(t, nudge.Observe(), "a successful send must raise the downlink nudge")
}
