package doh

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/pvtdns/internal/dns/common/clock"
	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
)

// ConnState is the lifecycle state of one server connection.
type ConnState uint8

const (
	// StateIdle means no connection attempt has been made yet.
	StateIdle ConnState = iota
	// StateConnecting means a handshake is in flight.
	StateConnecting
	// StateEstablished means the session is live and accepting streams.
	StateEstablished
	// StateDraining means the connection is being torn down and queued
	// queries are being failed back.
	StateDraining
	// StateClosed means the session is gone. The next accepted query
	// triggers a fresh handshake.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StatsSnapshot holds the monotonic per-server connection counters. They
// count handshakes since the server was added (or since ClearStats), not
// currently-open connections.
type StatsSnapshot struct {
	Connections int
	Resumed     int
	EarlyData   int
}

// streamOverhead approximates the framing cost a query adds beyond its
// payload when charged against the send-byte budget.
const streamOverhead = 64

// conn owns the transport to one DoH server on one network. It runs a
// single dequeue loop; responses arrive on per-stream goroutines. The
// session is dialed lazily: the first query after Idle or Closed pays for
// the handshake out of its own deadline.
type conn struct {
	server   domain.ServerAddr
	provider string
	dialer   Dialer
	tun      Tunables
	clock    clock.Clock
	logger   log.Logger

	queue chan *pendingQuery

	streams *semaphore.Weighted
	sendBuf *semaphore.Weighted

	mu    sync.Mutex
	state ConnState
	sess  Session
	stats StatsSnapshot
}

func newConn(server domain.ServerAddr, provider string, dialer Dialer, tun Tunables, clk clock.Clock, logger log.Logger) *conn {
	return &conn{
		server:   server,
		provider: provider,
		dialer:   dialer,
		tun:      tun,
		clock:    clk,
		logger:   logger,
		queue:    make(chan *pendingQuery, tun.ConnQueueSize),
		streams:  semaphore.NewWeighted(int64(tun.MaxStreams)),
		sendBuf:  semaphore.NewWeighted(tun.MaxSendBytes),
		state:    StateIdle,
	}
}

// run is the connection loop. It exits when ctx is cancelled, failing
// everything still queued so no query is silently lost.
func (c *conn) run(ctx context.Context) {
	for {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()

		var done <-chan struct{}
		if sess != nil {
			done = sess.Done()
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-done:
			c.sessionLost(sess)
		case pq := <-c.queue:
			c.serve(ctx, pq)
		}
	}
}

// serve assigns one queued query to a stream, dialing first if the
// session is gone. Budget waits and the handshake are both bounded by the
// query's own deadline.
func (c *conn) serve(ctx context.Context, pq *pendingQuery) {
	if pq.completed() {
		return
	}
	if pq.expired(c.clock.Now()) {
		pq.complete(nil, domain.ErrDeadlineExceeded)
		return
	}

	var qctx context.Context
	var cancel context.CancelFunc
	if pq.deadline.IsZero() {
		qctx, cancel = context.WithCancel(ctx)
	} else {
		qctx, cancel = context.WithDeadline(ctx, pq.deadline)
	}

	sess, err := c.ensureSession(qctx)
	if err != nil {
		cancel()
		pq.complete(nil, err)
		return
	}

	cost := int64(len(pq.payload)) + streamOverhead
	if cost > c.tun.MaxSendBytes {
		cancel()
		pq.complete(nil, fmt.Errorf("%w: query of %d bytes exceeds send budget", domain.ErrQueueFull, len(pq.payload)))
		return
	}
	if err := c.streams.Acquire(qctx, 1); err != nil {
		cancel()
		pq.complete(nil, domain.ErrDeadlineExceeded)
		return
	}
	if err := c.sendBuf.Acquire(qctx, cost); err != nil {
		c.streams.Release(1)
		cancel()
		pq.complete(nil, domain.ErrDeadlineExceeded)
		return
	}

	go func() {
		defer cancel()
		resp, err := sess.RoundTrip(qctx, pq.payload)
		c.sendBuf.Release(cost)
		c.streams.Release(1)
		if err != nil {
			pq.complete(nil, err)
			return
		}
		pq.complete(resp, nil)
	}()
}

// ensureSession returns the live session, dialing one if necessary.
func (c *conn) ensureSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.sess != nil {
		sess := c.sess
		c.mu.Unlock()
		return sess, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx, c.server, DialConfig{
		Provider:    c.provider,
		Resume:      c.tun.SessionResumption,
		EarlyData:   c.tun.EarlyData,
		IdleTimeout: c.tun.IdleTimeout,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Debug(map[string]any{
			"server": c.server.String(),
			"error":  err.Error(),
		}, "DoH handshake failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrHandshakeFailure, err)
	}

	c.mu.Lock()
	c.sess = sess
	c.state = StateEstablished
	c.stats.Connections++
	if sess.Resumed() {
		c.stats.Resumed++
	}
	if sess.UsedEarlyData() {
		c.stats.EarlyData++
	}
	c.mu.Unlock()

	c.logger.Debug(map[string]any{
		"server":     c.server.String(),
		"resumed":    sess.Resumed(),
		"early_data": sess.UsedEarlyData(),
	}, "DoH connection established")
	return sess, nil
}

// sessionLost records the death of a session (idle timeout or peer close).
// Queries already on streams fail through their own RoundTrip calls;
// queries still queued wait for the next serve, which redials.
func (c *conn) sessionLost(old Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != old {
		return
	}
	c.sess = nil
	c.state = StateClosed
	c.logger.Debug(map[string]any{"server": c.server.String()}, "DoH connection closed")
}

// shutdown closes the session and fails everything still queued.
func (c *conn) shutdown() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = StateDraining
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close("teardown")
	}
	for {
		select {
		case pq := <-c.queue:
			pq.complete(nil, domain.ErrNetworkGone)
		default:
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return
		}
	}
}

func (c *conn) Status() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) Stats() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *conn) ClearStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = StatsSnapshot{}
}
