package resolver

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnstunnel/internal/session"
)

// startFakeServer runs a UDP DNS server on an ephemeral port that answers
// every question with handle, and returns its address plus a shutdown
// func.
func startFakeServer(t *testing.T, handle dns.HandlerFunc) (string, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: handle}
	go srv.ActivateAndServe()

	addr := pc.LocalAddr().String()

	return addr, func() {
		srv.Shutdown()
		pc.Close()
	}
}

func TestSendUplinkSuccess(t *testing.T) {
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		w.WriteMsg(msg)
	})
	defer stop()

	c := New()
	require.NoError(t, c.ParseNameserver(addr))

	sess, err := session.New("tunnel.example.com")
	require.NoError(t, err)

	ok, err := c.SendUplink(sess, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPollDownlinkEmpty(t *testing.T) {
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		w.WriteMsg(msg)
	})
	defer stop()

	c := New()
	require.NoError(t, c.ParseNameserver(addr))

	sess, err := session.New("tunnel.example.com")
	require.NoError(t, err)

	data, empty, err := c.PollDownlink(sess)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Empty(t, data)
}

func TestPollDownlinkData(t *testing.T) {
	payload := []byte("downlink chunk")
	encoded := base64.StdEncoding.EncodeToString(payload)

	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET},
			Txt: []string{encoded},
		})
		w.WriteMsg(msg)
	})
	defer stop()

	c := New()
	require.NoError(t, c.ParseNameserver(addr))

	sess, err := session.New("tunnel.example.com")
	require.NoError(t, err)

	data, empty, err := c.PollDownlink(sess)
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, payload, data)
}

func TestSendUplinkTransportErrorNoServers(t *testing.T) {
	c := New()
	sess, err := session.New("tunnel.example.com")
	require.NoError(t, err)

	_, err = c.SendUplink(sess, []byte("x"))
	assert.Error(t, err)
}

func TestSetOptionValidation(t *testing.T) {
	c := New()
	assert.Error(t, c.SetOption(OptRetry, "not-an-int"))
	assert.NoError(t, c.SetOption(OptRetry, 3))
	assert.Error(t, c.SetOption(OptTimeout, 0))
	assert.NoError(t, c.SetOption(OptTimeout, 500*time.Millisecond))
	assert.NoError(t, c.SetOption(OptStrategy, StrategyBlast))
	assert.NoError(t, c.SetOption(OptDebug, true))
}

func TestParseNameserverKeyword(t *testing.T) {
	c := New()
	require.NoError(t, c.ParseNameserver("opendns"))
	assert.NotEmpty(t, c.DebugServers())
}

func TestParseNameserverLiteral(t *testing.T) {
	c := New()
	require.NoError(t, c.ParseNameserver("127.0.0.1:5353"))
	assert.Contains(t, c.DebugServers(), "127.0.0.1:5353")
}

func TestHealthBookkeepingRecoversAfterSuccess(t *testing.T) {
	c := New()
	c.recordFailure("10.0.0.1:53")
	c.recordFailure("10.0.0.1:53")
	c.recordFailure("10.0.0.1:53")

	order := c.healthyOrder([]string{"10.0.0.1:53", "10.0.0.2:53"})
	assert.Equal(t, "10.0.0.2:53", order[0], "the failing server should be deprioritized, not dropped")
	assert.Equal(t, "10.0.0.1:53", order[1])

	c.recordSuccess("10.0.0.1:53")
	order = c.healthyOrder([]string{"10.0.0.1:53", "10.0.0.2:53"})
	assert.Equal(t, "10.0.0.1:53", order[0])
}
