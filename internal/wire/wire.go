// Package wire is the external collaborator spec.md §1 carves out of the
// core: the outbound payload codec (label packing) and the inbound
// record-data extraction. The core (internal/resolver) consumes it only
// through the functions below; nothing here knows about back-off, polling
// cadence, or the two-pump split.
package wire

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"dnstunnel/internal/session"
)

// labelEncoding is the base32 alphabet used to pack binary payloads into
// DNS labels. NoPadding avoids '=' characters, which are legal in a label
// but needlessly spend bytes and confuse some middleboxes — the same
// choice the teacher repo makes for the same reason.
var labelEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// maxLabelChunk is the number of encoded characters packed per DNS label.
// DNS allows up to 63, but 57 leaves headroom for resolvers that add their
// own escaping/compression quirks around the practical limit.
const maxLabelChunk = 57

// pollTag marks a downlink poll query so the server can distinguish
// "give me the next chunk" from an uplink data query without needing a
// distinct query type.
const pollTag = "poll"

// EncodePayload base32-encodes a raw uplink chunk into one or more
// dot-separated DNS labels, ready to be prefixed onto the session suffix.
func EncodePayload(payload []byte) string {
	encoded := labelEncoding.EncodeToString(payload)
	return splitIntoLabels(encoded, maxLabelChunk)
}

func splitIntoLabels(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += maxLen {
		if i > 0 {
			b.WriteByte('.')
		}
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// DecodePayload reverses EncodePayload: dotted labels back to raw bytes.
// DNS is case-insensitive on the wire, and resolvers routinely lower-case
// what they forward, so the data is upper-cased before decoding — base32
// is case-sensitive on the way in but not meaningfully so on the way back.
func DecodePayload(dataLabel string) ([]byte, error) {
	normalized := strings.ToUpper(dataLabel)
	raw, err := labelEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("decode label payload: %w", err)
	}
	return raw, nil
}

// sessionSuffix is the "<fwd>.<dname>." portion common to every query
// this session issues — it lets multiple forwarded sessions coexist
// behind one resolver per spec.md §3's "fwd" field.
func sessionSuffix(sess *session.Session) string {
	return fmt.Sprintf("%d.%s.", sess.Fwd, strings.TrimSuffix(sess.Dname, "."))
}

// UplinkName builds the owner name an uplink query asks for: the packed
// payload, dotted into labels, followed by the session suffix.
func UplinkName(sess *session.Session, payload []byte) string {
	return EncodePayload(payload) + "." + sessionSuffix(sess)
}

// PollName builds the owner name a downlink poll asks for. nonce is a
// caller-supplied value (e.g. a random uint32) that busts resolver/ISP
// caching so each poll is treated as distinct rather than replayed from a
// cache.
func PollName(sess *session.Session, nonce uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], nonce)
	nonceStr := labelEncoding.EncodeToString(b[:])
	return pollTag + "." + nonceStr + "." + sessionSuffix(sess)
}

// dnsRecordType maps a session.RecordType onto the matching miekg/dns
// query type constant.
func dnsRecordType(rt session.RecordType) uint16 {
	switch rt {
	case session.TypeCNAME:
		return dns.TypeCNAME
	case session.TypeNULL:
		return dns.TypeNULL
	default:
		return dns.TypeTXT
	}
}

// BuildQuery constructs a dns.Msg asking qname for the session's record
// type, with an EDNS0 OPT record advertising a larger UDP payload size so
// the resolver does not unnecessarily truncate (and fall back to TCP)
// answers that carry tunnel data.
func BuildQuery(sess *session.Session, qname string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dnsRecordType(sess.RecordType))
	msg.RecursionDesired = true

	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(1232)
	msg.Extra = append(msg.Extra, opt)

	return msg
}

// ExtractAnswer pulls the tunnel payload out of a DNS response, decoding
// whichever record type the session was configured to poll for. An empty
// slice with a nil error means "no data" (spec.md §4.2's "empty" signal);
// a non-nil error means the message could not be parsed as the expected
// shape at all.
func ExtractAnswer(sess *session.Session, msg *dns.Msg) ([]byte, error) {
	var chunks [][]byte

	for _, rr := range msg.Answer {
		switch rt := sess.RecordType; {
		case rt == session.TypeTXT:
			txt, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			// The server base64-encodes TXT answer chunks (it is not
			// bound by the label character restrictions uplink names
			// are, so it does not reuse the label alphabet here).
			joined := strings.Join(txt.Txt, "")
			raw, err := base64.StdEncoding.DecodeString(joined)
			if err != nil {
				return nil, fmt.Errorf("decode TXT answer: %w", err)
			}
			if len(raw) > 0 {
				chunks = append(chunks, raw)
			}
		case rt == session.TypeCNAME:
			cname, ok := rr.(*dns.CNAME)
			if !ok {
				continue
			}
			raw, err := DecodePayload(strings.TrimSuffix(cname.Target, "."))
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, raw)
		case rt == session.TypeNULL:
			null, ok := rr.(*dns.NULL)
			if !ok {
				continue
			}
			if len(null.Data) > 0 {
				chunks = append(chunks, []byte(null.Data))
			}
		}
	}

	if len(chunks) == 0 {
		return nil, nil
	}

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

