// Package coordinator is the process-lifecycle owner (C5, spec.md §4.5):
// it builds the session descriptor's two private copies, starts the
// uplink and downlink pumps, wires the nudge/shutdown signals between
// them, and applies the "was the shutdown local, or did the peer already
// exit" distinction when deciding whether to tell the surviving pump to
// stop.
package coordinator

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"dnstunnel/internal/pump"
	"dnstunnel/internal/session"
)

// Resolver is what both pumps need from the facade; *resolver.Client
// satisfies it.
type Resolver interface {
	pump.UplinkSender
	pump.DownlinkPoller
}

// Coordinator owns the two execution contexts for one tunnel session.
type Coordinator struct {
	Session  *session.Session
	Resolver Resolver
	Stdin    io.Reader
	Stdout   io.Writer
	Log      zerolog.Logger
}

// Run splits the session into the uplink and downlink pumps (each given
// its own private Clone, per spec.md §3's lifecycle rule), runs them
// concurrently, and blocks until both have stopped.
//
// The original client (see DESIGN.md, grounded on original_source/sdt/
// sdt.c's fork()-based main()) runs the uplink in the parent process and
// the downlink in the child, installs SIGHUP/SIGTERM/SIGCHLD handlers on
// the parent and SIGUSR1 on the child, and only re-signals the child
// (SIGHUP) when the parent's own exit was a *local* shutdown — not when
// the child had already exited on its own (SIGCHLD, woken==2). This
// method reproduces exactly that distinction with goroutines and
// pump.ShutdownSignal instead of processes and real signals.
func (c *Coordinator) Run() error {
	nudge := pump.NewSignal()
	shutdownUp := pump.NewShutdownSignal()
	shutdownDown := pump.NewShutdownSignal()

	upSess := c.Session.Clone()
	downSess := c.Session.Clone()

	up := pump.NewUplink(upSess, c.Resolver, c.Stdin, nudge, shutdownUp, c.Log)
	down := pump.NewDownlink(downSess, c.Resolver, c.Stdout, nudge, shutdownDown, c.Log)

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(osSignals)

	// downDone carries down.Run's return value to its one and only
	// consumer below. downFinished is a separate, close()-based
	// notification so the peer-gone watcher can learn the downlink
	// exited without stealing the value the final consumer needs.
	downDone := make(chan error, 1)
	downFinished := make(chan struct{})
	go func() {
		err := down.Run()
		downDone <- err
		close(downFinished)
	}()

	// peerGone latches when the downlink exits before the uplink ever
	// asked it to — the SIGCHLD/woken==2 case — and is also closed once
	// up.Run() returns, which releases both watcher goroutines below. The
	// peer-gone watcher and the main flow may both try to close it, so a
	// sync.Once guards against a double close.
	peerGone := make(chan struct{})
	var peerGoneOnce sync.Once
	closePeerGone := func() { peerGoneOnce.Do(func() { close(peerGone) }) }

	go func() {
		select {
		case <-downFinished:
			shutdownUp.Raise(pump.ShutdownPeerGone)
			closePeerGone()
		case <-peerGone:
		}
	}()

	go func() {
		select {
		case sig := <-osSignals:
			c.Log.Info().Str("signal", sig.String()).Msg("coordinator: shutdown signal received")
			shutdownUp.Raise(pump.ShutdownLocal)
		case <-peerGone:
		}
	}()

	up.Run()
	closePeerGone()

	var downErr error
	if shutdownUp.Reason() == pump.ShutdownPeerGone {
		// The downlink already exited on its own; nothing to re-signal.
		downErr = <-downDone
	} else {
		// Local shutdown (stdin EOF, explicit signal, or a fatal uplink
		// error): tell the downlink to stop and wait for it.
		shutdownDown.Raise(pump.ShutdownLocal)
		downErr = <-downDone
	}

	if downErr != nil {
		return fmt.Errorf("downlink: %w", downErr)
	}
	return nil
}
