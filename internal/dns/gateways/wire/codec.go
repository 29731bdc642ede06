// Package wire provides the small amount of DNS message handling the
// private transport subsystem needs: building probe queries and sanity
// checking responses against the query they answer. Full parsing and caching
// belong to the plaintext resolver, not to this package.
package wire

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var (
	ErrShortMessage = errors.New("wire: message too short for a DNS header")
	ErrIDMismatch   = errors.New("wire: response ID does not match query")
	ErrNotResponse  = errors.New("wire: message is not a response")
)

// Codec is the message-level contract shared by the cleartext, DoT, and DoH
// gateways.
type Codec interface {
	// NewProbeQuery returns a packed trial query used by validation probes.
	NewProbeQuery(hostname string) ([]byte, error)

	// QueryID extracts the transaction ID from a packed message.
	QueryID(payload []byte) (uint16, error)

	// MatchResponse verifies that resp is a response to query. It checks
	// the transaction ID and the QR bit only; rcode interpretation is the
	// caller's concern.
	MatchResponse(query, resp []byte) error
}

type dnsCodec struct{}

// NewCodec returns a Codec backed by miekg/dns.
func NewCodec() Codec {
	return dnsCodec{}
}

// NewProbeQuery builds a recursion-desired A query for the given hostname.
func (dnsCodec) NewProbeQuery(hostname string) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	m.Id = dns.Id()
	payload, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("wire: packing probe query: %w", err)
	}
	return payload, nil
}

func (dnsCodec) QueryID(payload []byte) (uint16, error) {
	if len(payload) < 12 {
		return 0, ErrShortMessage
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

func (c dnsCodec) MatchResponse(query, resp []byte) error {
	qid, err := c.QueryID(query)
	if err != nil {
		return err
	}
	rid, err := c.QueryID(resp)
	if err != nil {
		return err
	}
	if qid != rid {
		return fmt.Errorf("%w: query %d, response %d", ErrIDMismatch, qid, rid)
	}
	// QR is the top bit of the third byte.
	if resp[2]&0x80 == 0 {
		return ErrNotResponse
	}
	return nil
}

var _ Codec = dnsCodec{}
