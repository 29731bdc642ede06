package dot

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/pvtdns/internal/dns/domain"
)

func testServer(t *testing.T, ip string, port uint16) domain.ServerAddr {
	t.Helper()
	a, err := domain.NewServerAddr(ip, port)
	require.NoError(t, err)
	return a
}

func TestProbe_Success(t *testing.T) {
	var gotAddr string
	var gotCfg *tls.Config
	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			gotAddr = addr
			gotCfg = cfg
			r := new(dns.Msg)
			r.SetReply(m)
			return r, nil
		},
	})

	err := c.Probe(context.Background(), 30, testServer(t, "127.0.0.3", 853), "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.3:853", gotAddr)
	// Opportunistic mode cannot verify the certificate chain.
	assert.True(t, gotCfg.InsecureSkipVerify)
}

func TestProbe_StrictModeUsesProviderName(t *testing.T) {
	var gotCfg *tls.Config
	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			gotCfg = cfg
			r := new(dns.Msg)
			r.SetReply(m)
			return r, nil
		},
	})

	err := c.Probe(context.Background(), 30, testServer(t, "1.1.1.1", 853), "cloudflare-dns.com")
	require.NoError(t, err)
	assert.Equal(t, "cloudflare-dns.com", gotCfg.ServerName)
	assert.False(t, gotCfg.InsecureSkipVerify)
}

func TestProbe_HandshakeFailure(t *testing.T) {
	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			return nil, errors.New("connection refused")
		},
	})

	err := c.Probe(context.Background(), 30, testServer(t, "127.0.0.3", 853), "")
	assert.ErrorIs(t, err, domain.ErrHandshakeFailure)
}

func TestExchange_Success(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeAAAA)
	q.Id = 77
	payload, err := q.Pack()
	require.NoError(t, err)

	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			assert.Equal(t, uint16(77), m.Id)
			r := new(dns.Msg)
			r.SetReply(m)
			return r, nil
		},
	})

	resp, err := c.Exchange(context.Background(), testServer(t, "127.0.0.3", 853), "", payload)
	require.NoError(t, err)

	var rm dns.Msg
	require.NoError(t, rm.Unpack(resp))
	assert.Equal(t, uint16(77), rm.Id)
	assert.True(t, rm.Response)
}

func TestExchange_MalformedQuery(t *testing.T) {
	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			t.Fatal("exchange should not be reached for malformed input")
			return nil, nil
		},
	})

	_, err := c.Exchange(context.Background(), testServer(t, "127.0.0.3", 853), "", []byte{0x01})
	assert.Error(t, err)
}

func TestExchange_AppliesDefaultTimeout(t *testing.T) {
	c := NewClient(Options{
		Timeout: 50 * time.Millisecond,
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			deadline, ok := ctx.Deadline()
			assert.True(t, ok, "expected a deadline from the client default timeout")
			assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 40*time.Millisecond)
			r := new(dns.Msg)
			r.SetReply(m)
			return r, nil
		},
	})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	payload, err := q.Pack()
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), testServer(t, "127.0.0.3", 853), "", payload)
	assert.NoError(t, err)
}

func TestExchange_ServerError(t *testing.T) {
	c := NewClient(Options{
		Exchange: func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
			return nil, errors.New("tls: handshake failure")
		},
	})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	payload, err := q.Pack()
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), testServer(t, "127.0.0.3", 853), "", payload)
	assert.ErrorContains(t, err, "exchange with 127.0.0.3:853")
}
