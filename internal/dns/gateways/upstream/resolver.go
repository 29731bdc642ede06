// Package upstream implements the cleartext UDP tier, the final fallback
// when no private transport is usable. It forwards already-packed queries
// and leaves caching and retry policy to the plaintext resolution engine.
package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/haukened/pvtdns/internal/dns/domain"
	"github.com/haukened/pvtdns/internal/dns/gateways/wire"
)

// Error message constants for consistent error handling
const (
	errCodecRequired    = "DNS codec is required"
	errNoServers        = "no cleartext servers configured"
	errServerFailed     = "server %s: %w"
	errAllServersFailed = "all %d cleartext servers failed"
	errFailedToConnect  = "failed to connect: %w"
	errWriteFailed      = "write failed: %w"
	errReadFailed       = "read failed: %w"
)

// maxUDPResponse is the read buffer size for a single UDP answer. EDNS0
// responses can exceed 512 bytes.
const maxUDPResponse = 4096

// DialFunc establishes a network connection. It takes a context for
// cancellation, the network type, and the address to connect to.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Resolver forwards packed DNS queries to cleartext UDP servers, trying each
// in order until one answers.
type Resolver struct {
	timeout time.Duration
	codec   wire.Codec
	dial    DialFunc
}

// Options defines configuration parameters for the cleartext resolver.
type Options struct {
	// Timeout applies when the caller's deadline is absent or later.
	Timeout time.Duration
	// Codec is required; used to match responses to queries.
	Codec wire.Codec
	// Dial may be injected for testing; defaults to net.Dialer.
	Dial DialFunc
}

// NewResolver creates a cleartext resolver with the specified options.
// Returns an error if the codec is not provided. The default timeout is
// 5 seconds.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf(errCodecRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	return &Resolver{
		timeout: opts.Timeout,
		codec:   opts.Codec,
		dial:    opts.Dial,
	}, nil
}

// ensureContextDeadline ensures the context has a deadline, adding the
// resolver's default timeout if needed.
func (r *Resolver) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, nil
}

// Exchange forwards a packed query to the given servers serially and returns
// the first response that matches the query.
func (r *Resolver) Exchange(ctx context.Context, servers []domain.ServerAddr, payload []byte) ([]byte, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf(errNoServers)
	}

	ctx, cancel := r.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	var lastErr error
	for _, server := range servers {
		resp, err := r.queryServer(ctx, server, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = fmt.Errorf(errServerFailed, server, err)
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(servers), lastErr)
}

// queryServer performs one UDP exchange with context cancellation support.
func (r *Resolver) queryServer(ctx context.Context, server domain.ServerAddr, payload []byte) ([]byte, error) {
	conn, err := r.dial(ctx, "udp", server.String())
	if err != nil {
		return nil, fmt.Errorf(errFailedToConnect, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	type result struct {
		resp []byte
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		if _, err := conn.Write(payload); err != nil {
			resultChan <- result{err: fmt.Errorf(errWriteFailed, err)}
			return
		}

		buffer := make([]byte, maxUDPResponse)
		n, err := conn.Read(buffer)
		if err != nil {
			resultChan <- result{err: fmt.Errorf(errReadFailed, err)}
			return
		}

		resp := buffer[:n]
		if err := r.codec.MatchResponse(payload, resp); err != nil {
			resultChan <- result{err: err}
			return
		}
		resultChan <- result{resp: resp}
	}()

	select {
	case res := <-resultChan:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
