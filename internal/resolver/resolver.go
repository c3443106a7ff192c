// Package resolver is the narrow, synchronous facade spec.md §4.2
// describes: it is the only thing the two pumps know about the DNS
// resolver library underneath. Any non-success is collapsed into "try
// again with longer back-off" — the core never learns whether a failure
// was NXDOMAIN, a timeout, or REFUSED.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"dnstunnel/internal/session"
	"dnstunnel/internal/wire"
)

// Strategy selects how the facade spreads queries across configured
// nameservers.
type Strategy int

const (
	// StrategyRotate tries one configured nameserver at a time,
	// round-robining to the next on failure.
	StrategyRotate Strategy = iota
	// StrategyBlast fires the query at every configured nameserver
	// concurrently and accepts the first successful round-trip —
	// see DESIGN.md's Open Question resolution for why.
	StrategyBlast
)

// TCPMode selects the transport the facade uses for each query.
type TCPMode int

const (
	TCPOff        TCPMode = iota // UDP
	TCPNewConn                   // one new TCP connection per query
	TCPPipelined                 // one persistent TCP connection, queries serialized over it
)

// Option identifies a tunable the facade exposes via SetOption, matching
// spec.md §4.2's set_option(kind, value) contract.
type Option int

const (
	OptRetry Option = iota
	OptTimeout
	OptTCPMode
	OptStrategy
	OptDebug
)

// failureTTL is how long a nameserver's consecutive-failure count is
// remembered before the health cache forgets it and gives the server
// another chance — grounded on the teacher's SessionManager use of
// patrickmn/go-cache for the same "expire stale bookkeeping" purpose.
const failureTTL = 30 * time.Second

// failureThreshold is the consecutive-failure count at which Rotate
// starts skipping a nameserver in favor of the next one.
const failureThreshold = 3

// Client is the resolver facade (C2).
type Client struct {
	mu sync.Mutex

	servers  []string
	strategy Strategy
	tcpMode  TCPMode
	retry    int
	timeout  time.Duration
	debug    bool

	dnsClient *dns.Client
	health    *cache.Cache

	pipeConn *dns.Conn
	pipeMu   sync.Mutex
}

// New builds a facade with no configured nameservers; every query fails
// with "no nameservers configured" until ParseNameserver has added at least
// one. Loading the system resolver list is left to the caller (cmd/client
// reads /etc/resolv.conf when -r is not given).
func New() *Client {
	return &Client{
		strategy:  StrategyRotate,
		retry:     1,
		timeout:   2 * time.Second,
		dnsClient: &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		health:    cache.New(failureTTL, 2*failureTTL),
	}
}

// wellKnownResolvers backs the symbolic keywords original_source/sdt/sdt.c
// advertises in its usage text (-r random|opendns|verizon|speakeasy).
// These are illustrative public resolvers, not a guarantee of live
// service — see SPEC_FULL.md's Supplemented Features section.
var wellKnownResolvers = map[string][]string{
	"opendns":   {"208.67.222.222:53", "208.67.220.220:53"},
	"verizon":   {"4.2.2.1:53", "4.2.2.2:53"},
	"speakeasy": {"216.231.41.2:53", "216.231.41.3:53"},
}

// ParseNameserver accepts either a literal address (host, or host:port —
// ":53" is assumed when no port is given) or one of the symbolic keywords
// above, or "random" to pick one nameserver from the union of all of them.
// It appends to, rather than replaces, the configured server list, so
// repeated calls accumulate servers (the CLI calls it once per entry of a
// comma-separated -r list).
func (c *Client) ParseNameserver(spec string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if spec == "random" {
		all := make([]string, 0)
		for _, addrs := range wellKnownResolvers {
			all = append(all, addrs...)
		}
		if len(all) == 0 {
			return fmt.Errorf("no well-known resolvers configured")
		}
		c.servers = append(c.servers, all[rand.Intn(len(all))])
		return nil
	}

	if addrs, ok := wellKnownResolvers[spec]; ok {
		c.servers = append(c.servers, addrs...)
		return nil
	}

	addr, err := normalizeAddr(spec)
	if err != nil {
		return fmt.Errorf("invalid nameserver %q: %w", spec, err)
	}
	c.servers = append(c.servers, addr)
	return nil
}

func normalizeAddr(spec string) (string, error) {
	if _, _, err := net.SplitHostPort(spec); err == nil {
		return spec, nil
	}
	if ip := net.ParseIP(spec); ip != nil {
		return net.JoinHostPort(spec, "53"), nil
	}
	// Hostname without a port: still valid, assume the standard DNS port.
	return net.JoinHostPort(spec, "53"), nil
}

// SetOption mutates one of the facade's transport knobs. value's expected
// type depends on opt: int for OptRetry, time.Duration for OptTimeout,
// TCPMode for OptTCPMode, Strategy for OptStrategy, bool for OptDebug.
func (c *Client) SetOption(opt Option, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch opt {
	case OptRetry:
		n, ok := value.(int)
		if !ok || n < 0 {
			return fmt.Errorf("retry count must be a non-negative int, got %v", value)
		}
		c.retry = n
	case OptTimeout:
		d, ok := value.(time.Duration)
		if !ok || d <= 0 {
			return fmt.Errorf("timeout must be a positive time.Duration, got %v", value)
		}
		c.timeout = d
		c.dnsClient.Timeout = d
	case OptTCPMode:
		mode, ok := value.(TCPMode)
		if !ok {
			return fmt.Errorf("tcp mode must be a TCPMode, got %v", value)
		}
		c.tcpMode = mode
		c.applyTransportLocked()
	case OptStrategy:
		strategy, ok := value.(Strategy)
		if !ok {
			return fmt.Errorf("strategy must be a Strategy, got %v", value)
		}
		c.strategy = strategy
	case OptDebug:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("debug must be a bool, got %v", value)
		}
		c.debug = on
	default:
		return fmt.Errorf("unknown option %v", opt)
	}
	return nil
}

// applyTransportLocked updates the underlying dns.Client's network mode.
// Caller must hold c.mu.
func (c *Client) applyTransportLocked() {
	switch c.tcpMode {
	case TCPOff:
		c.dnsClient.Net = "udp"
	case TCPNewConn, TCPPipelined:
		c.dnsClient.Net = "tcp"
	}
	c.pipeMu.Lock()
	if c.pipeConn != nil {
		c.pipeConn.Close()
		c.pipeConn = nil
	}
	c.pipeMu.Unlock()
}

// SetRetransmitTimeout pushes a new per-query timeout derived from the
// uplink pump's current back-off multiplier, per spec.md §4.3's retry
// policy: "push the new value into the resolver as its per-query
// retransmit timeout".
func (c *Client) SetRetransmitTimeout(d time.Duration) {
	_ = c.SetOption(OptTimeout, d)
}

// DebugServers returns the currently configured nameserver list, for -v
// startup diagnostics (see SPEC_FULL.md's Supplemented Features).
func (c *Client) DebugServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.servers))
	copy(out, c.servers)
	return out
}

// SendUplink builds an uplink query carrying payload and performs the
// round-trip. Only the ok/transport-error distinction matters — spec.md
// §4.2 is explicit that the reply body is irrelevant.
func (c *Client) SendUplink(sess *session.Session, payload []byte) (ok bool, err error) {
	qname := wire.UplinkName(sess, payload)
	msg := wire.BuildQuery(sess, qname)
	_, rtErr := c.exchange(msg)
	if rtErr != nil {
		if c.debugEnabled() {
			log.Debug().Err(rtErr).Str("qname", qname).Msg("uplink query failed")
		}
		return false, rtErr
	}
	return true, nil
}

// PollDownlink issues a poll query and returns any bytes the server
// handed back.
func (c *Client) PollDownlink(sess *session.Session) (data []byte, empty bool, err error) {
	nonce := rand.Uint32()
	qname := wire.PollName(sess, nonce)
	msg := wire.BuildQuery(sess, qname)

	resp, rtErr := c.exchange(msg)
	if rtErr != nil {
		if c.debugEnabled() {
			log.Debug().Err(rtErr).Str("qname", qname).Msg("poll query failed")
		}
		return nil, true, rtErr
	}

	payload, decErr := wire.ExtractAnswer(sess, resp)
	if decErr != nil {
		return nil, true, decErr
	}
	if len(payload) == 0 {
		return nil, true, nil
	}
	return payload, false, nil
}

func (c *Client) debugEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debug
}

// exchange dispatches msg per the configured strategy/transport. It
// returns the first authoritative reply; the core does not inspect the
// reply's Rcode beyond "did we get one at all" (spec.md §4.2).
func (c *Client) exchange(msg *dns.Msg) (*dns.Msg, error) {
	c.mu.Lock()
	servers := append([]string(nil), c.servers...)
	strategy := c.strategy
	tcpMode := c.tcpMode
	retry := c.retry
	c.mu.Unlock()

	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}

	switch strategy {
	case StrategyBlast:
		return c.blast(msg, servers, tcpMode, retry)
	default:
		return c.rotate(msg, servers, tcpMode, retry)
	}
}

func (c *Client) rotate(msg *dns.Msg, servers []string, tcpMode TCPMode, retry int) (*dns.Msg, error) {
	var lastErr error
	order := c.healthyOrder(servers)

	for attempt := 0; attempt <= retry; attempt++ {
		for _, server := range order {
			resp, err := c.exchangeOne(msg, server, tcpMode)
			if err == nil {
				c.recordSuccess(server)
				return resp, nil
			}
			lastErr = err
			c.recordFailure(server)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all nameservers failed")
	}
	return nil, lastErr
}

// blast fires at every server concurrently and returns the first
// successful reply — see DESIGN.md's Open Question resolution. The
// remaining queries are not cancelled: they run to completion and their
// results are discarded.
func (c *Client) blast(msg *dns.Msg, servers []string, tcpMode TCPMode, retry int) (*dns.Msg, error) {
	type result struct {
		resp *dns.Msg
		err  error
		addr string
	}

	results := make(chan result, len(servers))
	for _, server := range servers {
		server := server
		go func() {
			var resp *dns.Msg
			var err error
			for attempt := 0; attempt <= retry; attempt++ {
				resp, err = c.exchangeOne(msg, server, tcpMode)
				if err == nil {
					break
				}
			}
			results <- result{resp: resp, err: err, addr: server}
		}()
	}

	var lastErr error
	for i := 0; i < len(servers); i++ {
		r := <-results
		if r.err == nil {
			c.recordSuccess(r.addr)
			return r.resp, nil
		}
		lastErr = r.err
		c.recordFailure(r.addr)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all nameservers failed")
	}
	return nil, lastErr
}

func (c *Client) exchangeOne(msg *dns.Msg, server string, tcpMode TCPMode) (*dns.Msg, error) {
	c.mu.Lock()
	cl := c.dnsClient
	c.mu.Unlock()

	if tcpMode == TCPPipelined {
		return c.exchangePipelined(msg, server, cl.Timeout)
	}

	resp, _, err := cl.Exchange(msg, server)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty response from %s", server)
	}
	return resp, nil
}

// exchangePipelined keeps one TCP connection open per resolver and
// serializes queries over it, re-dialing on error — the "pipelined TCP"
// mode from spec.md §6's -T 2.
func (c *Client) exchangePipelined(msg *dns.Msg, server string, timeout time.Duration) (*dns.Msg, error) {
	c.pipeMu.Lock()
	defer c.pipeMu.Unlock()

	if c.pipeConn == nil {
		conn, err := dialPipelined(server, timeout)
		if err != nil {
			return nil, err
		}
		c.pipeConn = conn
	}

	c.pipeConn.SetDeadline(time.Now().Add(timeout))
	if err := c.pipeConn.WriteMsg(msg); err != nil {
		c.pipeConn.Close()
		c.pipeConn = nil
		return nil, err
	}
	resp, err := c.pipeConn.ReadMsg()
	if err != nil {
		c.pipeConn.Close()
		c.pipeConn = nil
		return nil, err
	}
	return resp, nil
}

func dialPipelined(server string, timeout time.Duration) (*dns.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, err
	}
	return &dns.Conn{Conn: nc}, nil
}

// healthyOrder returns servers with the known-failing ones (per the
// go-cache bookkeeping) moved to the back, rather than dropped entirely —
// a fully down nameserver set must still be tried.
func (c *Client) healthyOrder(servers []string) []string {
	healthy := make([]string, 0, len(servers))
	unhealthy := make([]string, 0)
	for _, s := range servers {
		if n, found := c.health.Get(s); found && n.(int) >= failureThreshold {
			unhealthy = append(unhealthy, s)
		} else {
			healthy = append(healthy, s)
		}
	}
	return append(healthy, unhealthy...)
}

func (c *Client) recordFailure(server string) {
	if n, found := c.health.Get(server); found {
		c.health.Set(server, n.(int)+1, failureTTL)
		return
	}
	c.health.Set(server, 1, failureTTL)
}

func (c *Client) recordSuccess(server string) {
	c.health.Delete(server)
}

// ParseRetryCount is a small helper for the CLI's -R flag.
func ParseRetryCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid retry count %q", s)
	}
	return n, nil
}

// ParseStrategy maps the CLI's -S flag onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "rotate":
		return StrategyRotate, nil
	case "blast":
		return StrategyBlast, nil
	default:
		return 0, fmt.Errorf("unknown resolver strategy %q", s)
	}
}

// ParseTCPMode maps the CLI's -T flag onto a TCPMode.
func ParseTCPMode(n int) (TCPMode, error) {
	switch n {
	case 0:
		return TCPOff, nil
	case 1:
		return TCPNewConn, nil
	case 2:
		return TCPPipelined, nil
	default:
		return 0, fmt.Errorf("invalid TCP mode %d", n)
	}
}
