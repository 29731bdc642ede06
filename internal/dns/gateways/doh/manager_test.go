package doh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/pvtdns/internal/dns/domain"
	"github.com/haukened/pvtdns/internal/dns/gateways/wire"
)

type fakeSession struct {
	resumed bool
	early   bool
	handle  func(ctx context.Context, payload []byte) ([]byte, error)

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) RoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	select {
	case <-s.done:
		return nil, domain.ErrConnectionClosed
	default:
	}
	if s.handle != nil {
		return s.handle(ctx, payload)
	}
	return reply(payload), nil
}

func (s *fakeSession) Resumed() bool { return s.resumed }

func (s *fakeSession) UsedEarlyData() bool { return s.early }

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Close(reason string) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// kill simulates the transport dropping the connection (idle timeout or
// peer close).
func (s *fakeSession) kill() {
	s.closeOnce.Do(func() { close(s.done) })
}

var _ Session = (*fakeSession)(nil)

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
	configs  []DialConfig
}

func (d *fakeDialer) Dial(ctx context.Context, server domain.ServerAddr, cfg DialConfig) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.sessions) == 0 {
		return nil, errors.New("fake dialer out of sessions")
	}
	s := d.sessions[0]
	if len(d.sessions) > 1 {
		d.sessions = d.sessions[1:]
	}
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

var _ Dialer = (*fakeDialer)(nil)

// makeQuery builds a minimal 12-byte DNS header with the given ID.
func makeQuery(id uint16) []byte {
	q := make([]byte, 12)
	q[0] = byte(id >> 8)
	q[1] = byte(id)
	return q
}

// reply echoes a query with the QR bit set.
func reply(query []byte) []byte {
	r := append([]byte(nil), query...)
	r[2] |= 0x80
	return r
}

func newTestManager(t *testing.T, d Dialer, tun Tunables) *Manager {
	t.Helper()
	m, err := New(Options{
		Dialer:   d,
		Codec:    wire.NewCodec(),
		Tunables: tun,
	})
	require.NoError(t, err)
	return m
}

func dohServer(t *testing.T, ip string) domain.ServerAddr {
	t.Helper()
	a, err := domain.NewServerAddr(ip, 443)
	require.NoError(t, err)
	return a
}

func TestNew_RequiresDialerAndCodec(t *testing.T) {
	_, err := New(Options{Codec: wire.NewCodec()})
	assert.EqualError(t, err, errDialerRequired)

	_, err = New(Options{Dialer: &fakeDialer{}})
	assert.EqualError(t, err, errCodecRequired)
}

func TestQuery_Success(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")

	m.EnsureServer(4, srv, "cloudflare-dns.com")
	q := makeQuery(42)
	resp, err := m.Query(context.Background(), 4, srv, q)
	require.NoError(t, err)
	assert.Equal(t, reply(q), resp)

	stats, ok := m.Stats(4, srv)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Connections)
}

func TestQuery_UnknownServer(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, Tunables{})
	_, err := m.Query(context.Background(), 4, dohServer(t, "1.1.1.1"), makeQuery(1))
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestEnsureServer_IdempotentAndLazy(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")

	m.EnsureServer(4, srv, "")
	m.EnsureServer(4, srv, "")
	// Registration alone must not dial; the first query pays for it.
	assert.Equal(t, 0, d.dials())

	state, ok := m.State(4, srv)
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)

	_, err := m.Query(context.Background(), 4, srv, makeQuery(7))
	require.NoError(t, err)
	assert.Equal(t, 1, d.dials())
}

func TestDial_CarriesHandshakeKnobs(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{
		SessionResumption: true,
		EarlyData:         true,
		IdleTimeout:       55 * time.Second,
	})
	srv := dohServer(t, "8.8.8.8")

	m.EnsureServer(4, srv, "dns.google")
	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	require.Len(t, d.configs, 1)
	cfg := d.configs[0]
	assert.Equal(t, "dns.google", cfg.Provider)
	assert.True(t, cfg.Resume)
	assert.True(t, cfg.EarlyData)
	assert.Equal(t, 55*time.Second, cfg.IdleTimeout)
}

func TestReconnect_AfterIdleClose(t *testing.T) {
	first := newFakeSession()
	second := newFakeSession()
	second.resumed = true
	d := &fakeDialer{sessions: []*fakeSession{first, second}}
	m := newTestManager(t, d, Tunables{SessionResumption: true})
	srv := dohServer(t, "1.1.1.1")

	m.EnsureServer(4, srv, "")
	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	first.kill()
	require.Eventually(t, func() bool {
		state, _ := m.State(4, srv)
		return state == StateClosed
	}, time.Second, 5*time.Millisecond, "connection should observe the transport close")

	// The next accepted query triggers a fresh handshake.
	_, err = m.Query(context.Background(), 4, srv, makeQuery(2))
	require.NoError(t, err)

	stats, ok := m.Stats(4, srv)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 1, stats.Resumed, "second handshake resumed the first session")
}

func TestStats_CountEarlyData(t *testing.T) {
	sess := newFakeSession()
	sess.early = true
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{EarlyData: true})
	srv := dohServer(t, "2606:4700:4700::1111")

	m.EnsureServer(4, srv, "")
	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	stats, ok := m.Stats(4, srv)
	require.True(t, ok)
	assert.Equal(t, 1, stats.EarlyData)
}

func TestClearStats(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")

	m.EnsureServer(4, srv, "")
	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	m.ClearStats(4, srv)
	stats, ok := m.Stats(4, srv)
	require.True(t, ok)
	assert.Zero(t, stats.Connections)
}

func TestStreamReset_FailsOneQueryOnly(t *testing.T) {
	sess := newFakeSession()
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		if payload[1] == 2 {
			return nil, domain.ErrStreamReset
		}
		return reply(payload), nil
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "9.9.9.9")
	m.EnsureServer(4, srv, "dns.quad9.net")

	_, err := m.Query(context.Background(), 4, srv, makeQuery(2))
	assert.ErrorIs(t, err, domain.ErrStreamReset)

	// The connection survives the reset.
	resp, err := m.Query(context.Background(), 4, srv, makeQuery(3))
	require.NoError(t, err)
	assert.Equal(t, reply(makeQuery(3)), resp)

	stats, ok := m.Stats(4, srv)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Connections, "a stream reset must not trigger a reconnect")
}

func TestQuery_MismatchedResponse(t *testing.T) {
	sess := newFakeSession()
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		return reply(makeQuery(9999)), nil
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	assert.ErrorIs(t, err, domain.ErrBadResponse,
		"a reply to the wrong query must classify as a bad response")
}

func TestQuery_ContextReleasedAfterCompletion(t *testing.T) {
	sess := newFakeSession()
	var mu sync.Mutex
	var seen context.Context
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		seen = ctx
		mu.Unlock()
		return reply(payload), nil
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	mu.Lock()
	qctx := seen
	mu.Unlock()
	require.NotNil(t, qctx)
	_, hasDeadline := qctx.Deadline()
	assert.True(t, hasDeadline, "the per-query context carries the query deadline")
	// The context must be cancelled once the query completes, not held
	// open on the server context until teardown.
	require.Eventually(t, func() bool { return qctx.Err() != nil },
		time.Second, 5*time.Millisecond, "per-query context leaked after completion")
}

func TestQuery_DeadlineExceeded(t *testing.T) {
	sess := newFakeSession()
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Query(ctx, 4, srv, makeQuery(1))
	assert.ErrorIs(t, err, domain.ErrDeadlineExceeded)
}

func TestQuery_HandshakeFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	assert.ErrorIs(t, err, domain.ErrHandshakeFailure)
}

func TestQuery_QueueFullThenRecovers(t *testing.T) {
	release := make(chan struct{})
	sess := newFakeSession()
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		select {
		case <-release:
			return reply(payload), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{
		DispatchQueueSize: 1,
		ServerQueueSize:   1,
		ConnQueueSize:     1,
		MaxStreams:        1,
		QueryTimeout:      5 * time.Second,
	})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, failed int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			_, err := m.Query(context.Background(), 4, srv, makeQuery(id))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
		}(uint16(i + 1))
	}

	// With every layer blocked behind the stalled stream, admission must
	// start failing fast.
	require.Eventually(t, func() bool {
		_, err := m.Query(context.Background(), 4, srv, makeQuery(100))
		return errors.Is(err, domain.ErrQueueFull)
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	wg.Wait()

	// Every admitted query got a terminal result.
	assert.Equal(t, 10, succeeded+failed)
	assert.Positive(t, succeeded)
}

func TestCloseNetwork_FailsQueuedQueries(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sess := newFakeSession()
	sess.handle = func(ctx context.Context, payload []byte) ([]byte, error) {
		select {
		case <-release:
			return reply(payload), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	m := newTestManager(t, d, Tunables{
		DispatchQueueSize: 8,
		ServerQueueSize:   4,
		ConnQueueSize:     2,
		MaxStreams:        1,
		QueryTimeout:      5 * time.Second,
	})
	srv := dohServer(t, "1.1.1.1")
	m.EnsureServer(4, srv, "")

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func(id uint16) {
			_, err := m.Query(context.Background(), 4, srv, makeQuery(id))
			results <- err
		}(uint16(i + 1))
	}

	// Let the queries spread through the queues, then tear down.
	time.Sleep(50 * time.Millisecond)
	m.CloseNetwork(4)

	for i := 0; i < 5; i++ {
		select {
		case err := <-results:
			assert.Error(t, err, "queued queries must fail back, not hang")
		case <-time.After(2 * time.Second):
			t.Fatal("query hung after network teardown")
		}
	}

	_, ok := m.State(4, srv)
	assert.False(t, ok, "network state should be gone")
}

func TestRemoveServer(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")

	m.EnsureServer(4, srv, "")
	_, err := m.Query(context.Background(), 4, srv, makeQuery(1))
	require.NoError(t, err)

	m.RemoveServer(4, srv)
	_, ok := m.State(4, srv)
	assert.False(t, ok)

	_, err = m.Query(context.Background(), 4, srv, makeQuery(2))
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestProbe_LeavesConnectionEstablished(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	m := newTestManager(t, d, Tunables{})
	srv := dohServer(t, "1.1.1.1")

	err := m.Probe(context.Background(), 4, srv, "cloudflare-dns.com")
	require.NoError(t, err)

	state, ok := m.State(4, srv)
	require.True(t, ok)
	assert.Equal(t, StateEstablished, state)

	stats, _ := m.Stats(4, srv)
	assert.Equal(t, 1, stats.Connections)
}

func TestProbe_HandshakeFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("no route to host")}
	m := newTestManager(t, d, Tunables{})

	err := m.Probe(context.Background(), 4, dohServer(t, "1.1.1.1"), "")
	assert.ErrorIs(t, err, domain.ErrHandshakeFailure)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", ConnState(99).String())
}
