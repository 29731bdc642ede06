// Package dot implements DNS-over-TLS probing and per-query exchange.
// DoT carries one query per TLS connection; multiplexing and queueing are
// DoH concerns and live in the doh package.
package dot

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
)

// probeHostname is resolved during validation probes. Any well-formed
// response proves the server speaks DoT; the rcode is irrelevant.
const probeHostname = "www.example.com."

// exchangeFunc performs one DoT exchange. Injectable for tests.
type exchangeFunc func(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error)

// Client is a DNS-over-TLS client used both for validation probes and for
// routing real queries once a server is validated.
type Client struct {
	timeout  time.Duration
	logger   log.Logger
	exchange exchangeFunc
}

// Options configures a DoT client.
type Options struct {
	// Timeout bounds a single exchange when the context has no deadline.
	Timeout time.Duration
	Logger  log.Logger
	// Exchange may be injected for testing purposes.
	Exchange exchangeFunc
}

// NewClient creates a DoT client. The default timeout is 5 seconds.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Exchange == nil {
		opts.Exchange = defaultExchange
	}
	return &Client{
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		exchange: opts.Exchange,
	}
}

// defaultExchange performs the exchange with miekg/dns over tcp-tls.
func defaultExchange(ctx context.Context, m *dns.Msg, addr string, cfg *tls.Config) (*dns.Msg, error) {
	client := &dns.Client{
		Net:       "tcp-tls",
		TLSConfig: cfg,
	}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}
	resp, _, err := client.ExchangeContext(ctx, m, addr)
	return resp, err
}

// tlsConfig builds the TLS client configuration for a server. With a
// provider hostname the certificate is verified against it (strict mode);
// without one we connect opportunistically.
func tlsConfig(provider string, server domain.ServerAddr) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if provider != "" {
		cfg.ServerName = provider
	} else {
		cfg.ServerName = server.IP.String()
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// Probe performs the DoT validation handshake plus one trial query.
func (c *Client) Probe(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, provider string) error {
	m := new(dns.Msg)
	m.SetQuestion(probeHostname, dns.TypeA)
	m.Id = dns.Id()

	start := time.Now()
	_, err := c.exchange(ctx, m, server.String(), tlsConfig(provider, server))
	if err != nil {
		c.logger.Debug(map[string]any{
			"network": network.String(),
			"server":  server.String(),
			"elapsed": time.Since(start),
			"error":   err.Error(),
		}, "DoT probe failed")
		return fmt.Errorf("%w: %v", domain.ErrHandshakeFailure, err)
	}
	return nil
}

// Exchange sends one packed query over DoT and returns the packed response.
func (c *Client) Exchange(ctx context.Context, server domain.ServerAddr, provider string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		return nil, fmt.Errorf("dot: unpacking query: %w", err)
	}

	resp, err := c.exchange(ctx, m, server.String(), tlsConfig(provider, server))
	if err != nil {
		return nil, fmt.Errorf("dot: exchange with %s: %w", server, err)
	}

	out, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("dot: packing response: %w", err)
	}
	return out, nil
}
