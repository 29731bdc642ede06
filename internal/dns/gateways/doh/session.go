// Package doh maintains multiplexed DNS-over-HTTPS transports, one live
// connection per (network, server) pair. It owns the connection state
// machine, the layered backpressure queues, and the per-server connection
// counters. The QUIC/HTTP3 specifics sit behind the Session interface so
// the state machine is testable without network I/O.
package doh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/pvtdns/internal/dns/domain"
)

// Session is one multiplexed transport to a DoH server. Implementations
// must support concurrent RoundTrip calls, each on its own stream.
type Session interface {
	// RoundTrip sends one packed DNS query and returns the packed answer.
	RoundTrip(ctx context.Context, payload []byte) ([]byte, error)

	// Resumed reports whether the handshake used a stored session ticket.
	Resumed() bool

	// UsedEarlyData reports whether the peer accepted 0-RTT data.
	UsedEarlyData() bool

	// Done is closed when the session dies: idle timeout, peer close, or
	// local Close.
	Done() <-chan struct{}

	// Close tears the session down with a reason string for the peer.
	Close(reason string) error
}

// DialConfig carries the per-attempt handshake knobs.
type DialConfig struct {
	// Provider is the expected provider hostname, empty in opportunistic
	// mode.
	Provider string

	// Resume supplies stored session state to the handshake.
	Resume bool

	// EarlyData permits sending the first queries as 0-RTT data.
	EarlyData bool

	// IdleTimeout is negotiated as the transport idle timeout; the session
	// dies after this long without stream activity.
	IdleTimeout time.Duration
}

// Dialer establishes Sessions. The production implementation is QUICDialer;
// tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, server domain.ServerAddr, cfg DialConfig) (Session, error)
}

// queryResult is the single terminal outcome of a pending query.
type queryResult struct {
	payload []byte
	err     error
}

// pendingQuery is a query travelling through the layered queues. It lives
// in exactly one queue at a time and produces exactly one result.
type pendingQuery struct {
	server   domain.ServerAddr
	payload  []byte
	deadline time.Time

	once sync.Once
	done chan queryResult
	dead atomic.Bool
}

func newPendingQuery(server domain.ServerAddr, payload []byte, deadline time.Time) *pendingQuery {
	return &pendingQuery{
		server:   server,
		payload:  payload,
		deadline: deadline,
		done:     make(chan queryResult, 1),
	}
}

// complete delivers the terminal result. Later calls are no-ops, which is
// what guarantees at-most-one result even when a deadline races a response.
func (q *pendingQuery) complete(payload []byte, err error) {
	q.once.Do(func() {
		q.dead.Store(true)
		q.done <- queryResult{payload: payload, err: err}
	})
}

// completed reports whether a terminal result was already delivered.
// Dequeuers drop completed queries instead of spending a stream on them.
func (q *pendingQuery) completed() bool {
	return q.dead.Load()
}

func (q *pendingQuery) expired(now time.Time) bool {
	return !q.deadline.IsZero() && now.After(q.deadline)
}
