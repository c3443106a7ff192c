package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dnstunnel/internal/coordinator"
	"dnstunnel/internal/resolver"
	"dnstunnel/internal/session"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// verboseCount implements flag.Value so repeated -v flags accumulate,
// matching sdt.c's getopt loop ("case 'v': verbose++;").
type verboseCount int

func (v *verboseCount) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verboseCount) Set(string) error {
	*v++
	return nil
}
func (v *verboseCount) IsBoolFlag() bool { return true }

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] dname\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "dname is the tunnel domain this client forwards queries under.")
	flag.PrintDefaults()
}

func main() {
	var (
		delay       = flag.Uint("A", session.DefaultDelay, "uplink flush deadline, microseconds")
		bufsz       = flag.Int("B", session.DefaultBufsz, "uplink chunk size, bytes")
		maxBackoff  = flag.Uint("b", session.DefaultMaxBackoff, "max polling back-off multiplier")
		debug       = flag.Bool("d", false, "turn on resolver debug logging")
		fastStart   = flag.Int("F", session.DefaultFastStart, "fast-start count")
		maxPollFail = flag.Int("M", session.DefaultMaxPollFail, "max consecutive empty polls before downlink exits (0 = never)")
		sleep       = flag.Uint("m", session.DefaultSleep, "min inter-poll sleep, microseconds")
		retry       = flag.Int("R", 1, "resolver retry count")
		nameserver  = flag.String("r", "", "nameserver literal or keyword (random|opendns|verizon|speakeasy); give several as a comma-separated list (default: system resolvers)")
		strategy    = flag.String("S", "rotate", "resolver strategy: rotate|blast")
		fwd         = flag.Int("s", 0, "forwarded-session tag (0-255)")
		tcpMode     = flag.Int("T", 0, "TCP mode: 0=UDP, 1=new TCP per query, 2=pipelined TCP")
		recordType  = flag.String("t", "TXT", "poll record type: TXT|CNAME|NULL")
		timeout     = flag.Int("x", 0, "resolver per-query timeout, milliseconds (0 = resolver default)")
	)
	var verbose verboseCount
	flag.Var(&verbose, "v", "increment verbosity (repeatable)")

	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	dname := flag.Arg(0)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	switch {
	case int(verbose) >= 2:
		logger = logger.Level(zerolog.TraceLevel)
	case int(verbose) == 1:
		logger = logger.Level(zerolog.DebugLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger

	sess, err := session.New(dname)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session configuration")
	}
	sess.Delay = uint32(*delay)
	sess.Bufsz = *bufsz
	sess.MaxBackoff = uint32(*maxBackoff)
	sess.FastStart = int32(*fastStart)
	sess.MaxPollFail = int32(*maxPollFail)
	sess.Sleep = uint32(*sleep)
	sess.Verbose = int(verbose)

	if *fwd < 0 || *fwd > 255 {
		log.Fatal().Int("fwd", *fwd).Msg("-s must be in 0..255")
	}
	sess.Fwd = uint8(*fwd)

	rt, err := session.ParseRecordType(*recordType)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -t")
	}
	sess.RecordType = rt

	res := resolver.New()
	if *nameserver != "" {
		for _, spec := range strings.Split(*nameserver, ",") {
			if err := res.ParseNameserver(strings.TrimSpace(spec)); err != nil {
				log.Fatal().Err(err).Msg("invalid -r")
			}
		}
	} else {
		// No -r: use the system resolvers listed in /etc/resolv.conf.
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			log.Fatal().Err(err).Msg("no -r given and the system resolver configuration is unreadable")
		}
		for _, s := range cfg.Servers {
			if err := res.ParseNameserver(net.JoinHostPort(s, cfg.Port)); err != nil {
				log.Fatal().Err(err).Msg("invalid system nameserver")
			}
		}
	}

	stratVal, err := resolver.ParseStrategy(*strategy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -S")
	}
	if err := res.SetOption(resolver.OptStrategy, stratVal); err != nil {
		log.Fatal().Err(err).Msg("applying -S")
	}

	tcpVal, err := resolver.ParseTCPMode(*tcpMode)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -T")
	}
	if err := res.SetOption(resolver.OptTCPMode, tcpVal); err != nil {
		log.Fatal().Err(err).Msg("applying -T")
	}

	if err := res.SetOption(resolver.OptRetry, *retry); err != nil {
		log.Fatal().Err(err).Msg("invalid -R")
	}

	if *timeout > 0 {
		if err := res.SetOption(resolver.OptTimeout, msDuration(*timeout)); err != nil {
			log.Fatal().Err(err).Msg("invalid -x")
		}
	}

	if err := res.SetOption(resolver.OptDebug, *debug); err != nil {
		log.Fatal().Err(err).Msg("applying -d")
	}

	if verbose > 0 {
		log.Info().Strs("nameservers", res.DebugServers()).Msg("resolver configured")
	}

	c := &coordinator.Coordinator{
		Session:  sess,
		Resolver: res,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Log:      log.Logger,
	}

	if err := c.Run(); err != nil {
		log.Fatal().Err(err).Msg("tunnel exited with error")
	}
}
