package doh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haukened/pvtdns/internal/dns/common/clock"
	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
	"github.com/haukened/pvtdns/internal/dns/gateways/wire"
	"github.com/haukened/pvtdns/internal/dns/repos/tickets"
)

const (
	errDialerRequired = "dialer is required"
	errCodecRequired  = "codec is required"

	// probeHostname is the name resolved by DoH trial queries.
	probeHostname = "www.example.com"
)

// Tunables are the runtime knobs for the DoH layer, copied from the
// application configuration at construction time.
type Tunables struct {
	// QueryTimeout bounds a query that arrives without a context deadline.
	QueryTimeout time.Duration

	// IdleTimeout is how long a connection survives without stream
	// activity before the transport closes it.
	IdleTimeout time.Duration

	SessionResumption bool
	EarlyData         bool

	// Queue capacities, outermost first. Config validation guarantees
	// DispatchQueueSize >= ServerQueueSize >= ConnQueueSize.
	DispatchQueueSize int
	ServerQueueSize   int
	ConnQueueSize     int

	// MaxStreams and MaxSendBytes are the per-connection budgets. A query
	// holds one stream slot and its payload's worth of send bytes until
	// its response (or error) arrives.
	MaxStreams   int
	MaxSendBytes int64
}

// Manager multiplexes DNS queries over per-(network, server) DoH
// connections. Queries pass through three bounded queues: a per-network
// dispatch queue, a per-server queue, and the connection's own send queue.
// Admission at every layer is non-blocking: a query that finds the next
// queue full is rejected with ErrQueueFull, never parked, so saturation
// surfaces immediately as the fallback signal. Once admitted a query
// either gets a terminal result or is failed back, never dropped.
type Manager struct {
	dialer  Dialer
	codec   wire.Codec
	tickets *tickets.Store
	tun     Tunables
	clock   clock.Clock
	logger  log.Logger

	mu       sync.Mutex
	networks map[domain.NetworkID]*netState
}

// Options configures a Manager.
type Options struct {
	Dialer   Dialer
	Codec    wire.Codec
	Tickets  *tickets.Store
	Tunables Tunables
	Clock    clock.Clock
	Logger   log.Logger
}

// New creates a DoH connection manager.
func New(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New(errDialerRequired)
	}
	if opts.Codec == nil {
		return nil, errors.New(errCodecRequired)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	tun := opts.Tunables
	if tun.QueryTimeout <= 0 {
		tun.QueryTimeout = 10 * time.Second
	}
	if tun.DispatchQueueSize <= 0 {
		tun.DispatchQueueSize = 64
	}
	if tun.ServerQueueSize <= 0 {
		tun.ServerQueueSize = 50
	}
	if tun.ConnQueueSize <= 0 {
		tun.ConnQueueSize = 8
	}
	if tun.MaxStreams <= 0 {
		tun.MaxStreams = 100
	}
	if tun.MaxSendBytes <= 0 {
		tun.MaxSendBytes = 1 << 20
	}
	return &Manager{
		dialer:   opts.Dialer,
		codec:    opts.Codec,
		tickets:  opts.Tickets,
		tun:      tun,
		clock:    opts.Clock,
		logger:   opts.Logger,
		networks: make(map[domain.NetworkID]*netState),
	}, nil
}

// netState is everything the manager keeps per network: the dispatch queue
// and the server connections behind it. ctx cancellation tears the whole
// network down.
type netState struct {
	ctx      context.Context
	cancel   context.CancelFunc
	dispatch chan *pendingQuery
	servers  map[string]*serverState
}

type serverState struct {
	addr   domain.ServerAddr
	cancel context.CancelFunc
	queue  chan *pendingQuery
	conn   *conn
}

// EnsureServer registers a server on a network and starts its connection
// loop. It is idempotent; the actual handshake happens lazily when the
// first query (or probe) arrives.
func (m *Manager) EnsureServer(network domain.NetworkID, server domain.ServerAddr, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.networks[network]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ns = &netState{
			ctx:      ctx,
			cancel:   cancel,
			dispatch: make(chan *pendingQuery, m.tun.DispatchQueueSize),
			servers:  make(map[string]*serverState),
		}
		m.networks[network] = ns
		go m.pumpNetwork(ns)
	}

	key := server.String()
	if _, ok := ns.servers[key]; ok {
		return
	}
	sctx, scancel := context.WithCancel(ns.ctx)
	st := &serverState{
		addr:   server,
		cancel: scancel,
		queue:  make(chan *pendingQuery, m.tun.ServerQueueSize),
		conn:   newConn(server, provider, m.dialer, m.tun, m.clock, m.logger),
	}
	ns.servers[key] = st
	go st.conn.run(sctx)
	go pumpServer(sctx, st)
	m.logger.Debug(map[string]any{
		"network": network.String(),
		"server":  key,
	}, "DoH server registered")
}

// pumpNetwork routes dispatched queries to their server queue. The
// hand-off never holds a query while waiting: a full server queue rejects
// the query on the spot, which keeps the whole cascade fail-fast.
func (m *Manager) pumpNetwork(ns *netState) {
	for {
		select {
		case <-ns.ctx.Done():
			drain(ns.dispatch)
			return
		case pq := <-ns.dispatch:
			m.mu.Lock()
			st, ok := ns.servers[pq.server.String()]
			m.mu.Unlock()
			if !ok {
				// Server removed while the query was queued.
				pq.complete(nil, domain.ErrConnectionClosed)
				continue
			}
			select {
			case st.queue <- pq:
			default:
				pq.complete(nil, fmt.Errorf("%w: server queue at capacity", domain.ErrQueueFull))
			}
		}
	}
}

// pumpServer moves queries from the server queue onto the connection's
// send queue, rejecting when the connection has no headroom.
func pumpServer(ctx context.Context, st *serverState) {
	for {
		select {
		case <-ctx.Done():
			drain(st.queue)
			return
		case pq := <-st.queue:
			select {
			case st.conn.queue <- pq:
			default:
				pq.complete(nil, fmt.Errorf("%w: connection queue at capacity", domain.ErrQueueFull))
			}
		}
	}
}

func drain(q chan *pendingQuery) {
	for {
		select {
		case pq := <-q:
			pq.complete(nil, domain.ErrNetworkGone)
		default:
			return
		}
	}
}

// Query sends one packed DNS query over the network's connection to the
// given server. It fails fast with ErrQueueFull when any queue layer has
// no room; otherwise it blocks until a result or the deadline.
func (m *Manager) Query(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, payload []byte) ([]byte, error) {
	m.mu.Lock()
	ns, ok := m.networks[network]
	if ok {
		_, ok = ns.servers[server.String()]
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no DoH connection for %s on %s", domain.ErrTransportUnavailable, server, network)
	}

	pq := newPendingQuery(server, payload, m.deadline(ctx))
	if err := m.submit(ns, pq); err != nil {
		return nil, err
	}

	resp, err := m.await(ctx, pq)
	if err != nil {
		return nil, err
	}
	if err := m.codec.MatchResponse(payload, resp); err != nil {
		return nil, fmt.Errorf("%w: from %s: %v", domain.ErrBadResponse, server, err)
	}
	return resp, nil
}

// Probe registers the server and runs one trial query through the normal
// dispatch path, so a passing probe leaves a live connection behind.
func (m *Manager) Probe(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, provider string) error {
	m.EnsureServer(network, server, provider)

	payload, err := m.codec.NewProbeQuery(probeHostname)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ns, ok := m.networks[network]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s raced teardown", domain.ErrNetworkGone, network)
	}

	pq := newPendingQuery(server, payload, m.deadline(ctx))
	if err := m.submit(ns, pq); err != nil {
		return err
	}
	resp, err := m.await(ctx, pq)
	if err != nil {
		return err
	}
	if err := m.codec.MatchResponse(payload, resp); err != nil {
		return fmt.Errorf("%w: from %s: %v", domain.ErrBadResponse, server, err)
	}
	return nil
}

// submit is the only non-blocking admission point.
func (m *Manager) submit(ns *netState, pq *pendingQuery) error {
	select {
	case ns.dispatch <- pq:
		return nil
	default:
		return fmt.Errorf("%w: dispatch queue at capacity", domain.ErrQueueFull)
	}
}

// await blocks for the terminal result, enforcing the deadline even if the
// query is still stuck in a queue.
func (m *Manager) await(ctx context.Context, pq *pendingQuery) ([]byte, error) {
	timer := time.NewTimer(time.Until(pq.deadline))
	defer timer.Stop()

	select {
	case res := <-pq.done:
		return res.payload, res.err
	case <-timer.C:
	case <-ctx.Done():
	}
	pq.complete(nil, domain.ErrDeadlineExceeded)
	res := <-pq.done
	return res.payload, res.err
}

func (m *Manager) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return m.clock.Now().Add(m.tun.QueryTimeout)
}

// RemoveServer tears down one server's connection and forgets its session
// tickets. Queries still queued for it are failed back.
func (m *Manager) RemoveServer(network domain.NetworkID, server domain.ServerAddr) {
	m.mu.Lock()
	ns, ok := m.networks[network]
	var st *serverState
	if ok {
		st, ok = ns.servers[server.String()]
		if ok {
			delete(ns.servers, server.String())
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	st.cancel()
	if m.tickets != nil {
		m.tickets.Clear(server)
	}
}

// CloseNetwork tears down every connection on a network.
func (m *Manager) CloseNetwork(network domain.NetworkID) {
	m.mu.Lock()
	ns, ok := m.networks[network]
	if ok {
		delete(m.networks, network)
	}
	m.mu.Unlock()

	if ok {
		ns.cancel()
	}
}

// State reports the connection state for one server, false if the server
// is not registered on the network.
func (m *Manager) State(network domain.NetworkID, server domain.ServerAddr) (ConnState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.networks[network]; ok {
		if st, ok := ns.servers[server.String()]; ok {
			return st.conn.Status(), true
		}
	}
	return StateIdle, false
}

// Stats returns the connection counters for one server.
func (m *Manager) Stats(network domain.NetworkID, server domain.ServerAddr) (StatsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.networks[network]; ok {
		if st, ok := ns.servers[server.String()]; ok {
			return st.conn.Stats(), true
		}
	}
	return StatsSnapshot{}, false
}

// ClearStats resets the connection counters for one server.
func (m *Manager) ClearStats(network domain.NetworkID, server domain.ServerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.networks[network]; ok {
		if st, ok := ns.servers[server.String()]; ok {
			st.conn.ClearStats()
		}
	}
}
