// Package validation runs private DNS server probes and tracks their
// lifecycle. Every (network, server, protocol) tuple moves through
// unknown -> in_progress -> success|failure; probes run asynchronously and
// a re-probe of the same tuple supersedes any attempt still in flight.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haukened/pvtdns/internal/dns/common/clock"
	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
)

const (
	errDotProberRequired = "DoT prober is required"
	errDohProberRequired = "DoH prober is required"
)

// eventBuffer absorbs bursts of probe outcomes. When it is full, delivery
// blocks the probe goroutine until the consumer catches up or the probe's
// caller context ends; outcomes are never dropped.
const eventBuffer = 64

// dohProviders are the hostnames for which DoH probing is attempted, as
// exact names or parent domains. Servers from any other provider validate
// over DoT only.
var dohProviders = []string{
	"cloudflare-dns.com",
	"dns.google",
	"dns.quad9.net",
	"example.com",
}

// dohAllowed reports whether a provider hostname is a known DoH provider
// or a subdomain of one.
func dohAllowed(provider string) bool {
	host := strings.ToLower(strings.TrimSuffix(provider, "."))
	if host == "" {
		return false
	}
	for _, allowed := range dohProviders {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// Prober performs one validation probe against a server: a handshake plus
// a trial query. The DoT client and the DoH manager both implement it.
type Prober interface {
	Probe(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, provider string) error
}

type tupleKey struct {
	server   domain.ServerAddr
	protocol domain.Protocol
}

// trackedRecord pairs the public record with a generation counter. Only
// the probe attempt holding the current generation may write a terminal
// state, which is how superseded attempts are discarded.
type trackedRecord struct {
	rec domain.ValidationRecord
	gen uint64
}

// networkRecords is one network's validation table. Each network has its
// own lock so probes on independent networks never contend.
type networkRecords struct {
	mu      sync.Mutex
	records map[tupleKey]*trackedRecord
}

// Engine owns validation state, partitioned per network.
type Engine struct {
	dot     Prober
	doh     Prober
	timeout time.Duration
	clock   clock.Clock
	logger  log.Logger

	events chan domain.ValidationEvent

	mu       sync.Mutex
	networks map[domain.NetworkID]*networkRecords
}

// Options configures the validation engine.
type Options struct {
	Dot Prober
	Doh Prober

	// ProbeTimeout bounds one probe attempt. Defaults to 3 seconds.
	ProbeTimeout time.Duration

	Clock  clock.Clock
	Logger log.Logger
}

// New creates a validation engine.
func New(opts Options) (*Engine, error) {
	if opts.Dot == nil {
		return nil, errors.New(errDotProberRequired)
	}
	if opts.Doh == nil {
		return nil, errors.New(errDohProberRequired)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Engine{
		dot:      opts.Dot,
		doh:      opts.Doh,
		timeout:  opts.ProbeTimeout,
		clock:    opts.Clock,
		logger:   opts.Logger,
		events:   make(chan domain.ValidationEvent, eventBuffer),
		networks: make(map[domain.NetworkID]*networkRecords),
	}, nil
}

// Events delivers the terminal outcome of each probe attempt, at most once
// per attempt.
func (e *Engine) Events() <-chan domain.ValidationEvent {
	return e.events
}

// network returns the record table for a network, creating it on demand.
func (e *Engine) network(network domain.NetworkID, create bool) *networkRecords {
	e.mu.Lock()
	defer e.mu.Unlock()
	nr, ok := e.networks[network]
	if !ok && create {
		nr = &networkRecords{records: make(map[tupleKey]*trackedRecord)}
		e.networks[network] = nr
	}
	return nr
}

// StartProbe begins validating one server asynchronously. While a probe
// for the tuple is in flight the call is a no-op; once a terminal state is
// reached a new call starts a fresh attempt that supersedes the record.
func (e *Engine) StartProbe(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, protocol domain.Protocol, provider string) {
	nr := e.network(network, true)
	key := tupleKey{server: server, protocol: protocol}

	nr.mu.Lock()
	tr, ok := nr.records[key]
	if !ok {
		tr = &trackedRecord{rec: domain.ValidationRecord{
			Network:  network,
			Server:   server,
			Protocol: protocol,
		}}
		nr.records[key] = tr
	}
	if tr.rec.State == domain.ValidationInProgress {
		nr.mu.Unlock()
		return
	}
	tr.gen++
	gen := tr.gen
	tr.rec.State = domain.ValidationInProgress
	tr.rec.UpdatedAt = e.clock.Now()
	nr.mu.Unlock()

	// An unlisted provider gets a Failure record so the selector never
	// picks the server, but no probe runs and no outcome event fires:
	// nothing was attempted.
	if protocol == domain.ProtocolDoH && !dohAllowed(provider) {
		nr.mu.Lock()
		if tr, ok := nr.records[key]; ok && tr.gen == gen {
			tr.rec.State = domain.ValidationFailure
			tr.rec.UpdatedAt = e.clock.Now()
		}
		nr.mu.Unlock()
		e.logger.Debug(map[string]any{
			"network":  network.String(),
			"server":   server.String(),
			"provider": provider,
		}, "provider not on DoH allowlist, probe not attempted")
		return
	}

	go e.runProbe(ctx, network, key, gen, provider)
}

func (e *Engine) runProbe(ctx context.Context, network domain.NetworkID, key tupleKey, gen uint64, provider string) {
	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.clock.Now()
	var err error
	switch key.protocol {
	case domain.ProtocolDoT:
		err = e.dot.Probe(pctx, network, key.server, provider)
	case domain.ProtocolDoH:
		err = e.doh.Probe(pctx, network, key.server, provider)
	default:
		err = fmt.Errorf("no prober for protocol %s", key.protocol)
	}
	if err != nil && pctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: %v", domain.ErrProbeTimeout, err)
	}
	e.finish(ctx, network, key, gen, err, e.clock.Since(start))
}

// finish records a terminal outcome, unless the attempt was superseded or
// its record discarded while the probe ran. Event delivery blocks when the
// buffer is full; ctx bounds the wait.
func (e *Engine) finish(ctx context.Context, network domain.NetworkID, key tupleKey, gen uint64, err error, latency time.Duration) {
	nr := e.network(network, false)
	if nr == nil {
		return
	}

	nr.mu.Lock()
	tr, ok := nr.records[key]
	if !ok || tr.gen != gen {
		nr.mu.Unlock()
		return
	}
	if err == nil {
		tr.rec.State = domain.ValidationSuccess
	} else {
		tr.rec.State = domain.ValidationFailure
	}
	tr.rec.UpdatedAt = e.clock.Now()
	nr.mu.Unlock()

	fields := map[string]any{
		"network":  network.String(),
		"server":   key.server.String(),
		"protocol": key.protocol.String(),
		"latency":  latency,
	}
	if err != nil {
		fields["error"] = err.Error()
		e.logger.Info(fields, "private DNS validation failed")
	} else {
		e.logger.Info(fields, "private DNS validation succeeded")
	}

	ev := domain.ValidationEvent{
		Network:  network,
		Server:   key.server,
		Protocol: key.protocol,
		Success:  err == nil,
		Latency:  latency,
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		e.logger.Warn(fields, "validation event undelivered, caller context ended")
	}
}

// State returns the current validation state for one tuple.
func (e *Engine) State(network domain.NetworkID, server domain.ServerAddr, protocol domain.Protocol) domain.ValidationState {
	nr := e.network(network, false)
	if nr == nil {
		return domain.ValidationUnknown
	}
	nr.mu.Lock()
	defer nr.mu.Unlock()
	if tr, ok := nr.records[tupleKey{server: server, protocol: protocol}]; ok {
		return tr.rec.State
	}
	return domain.ValidationUnknown
}

// Records returns the validation records for one network in a stable
// order: by server address, then protocol.
func (e *Engine) Records(network domain.NetworkID) []domain.ValidationRecord {
	nr := e.network(network, false)
	if nr == nil {
		return nil
	}

	nr.mu.Lock()
	out := make([]domain.ValidationRecord, 0, len(nr.records))
	for _, tr := range nr.records {
		out = append(out, tr.rec)
	}
	nr.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server.String() < out[j].Server.String()
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// Sync reconciles a network's records with a new server set: records for
// servers no longer configured are discarded, and every configured private
// server gets a probe if it does not already have one in flight or passed.
func (e *Engine) Sync(ctx context.Context, network domain.NetworkID, set domain.ServerSet) {
	nr := e.network(network, true)

	nr.mu.Lock()
	for key := range nr.records {
		if !set.Contains(key.server, key.protocol) {
			delete(nr.records, key)
		}
	}
	nr.mu.Unlock()

	for _, server := range set.DoT {
		if e.State(network, server, domain.ProtocolDoT) != domain.ValidationSuccess {
			e.StartProbe(ctx, network, server, domain.ProtocolDoT, set.Provider)
		}
	}
	for _, server := range set.DoH {
		if e.State(network, server, domain.ProtocolDoH) != domain.ValidationSuccess {
			e.StartProbe(ctx, network, server, domain.ProtocolDoH, set.Provider)
		}
	}
}

// DiscardServer drops the records for one server. A probe still in flight
// becomes a no-op on completion.
func (e *Engine) DiscardServer(network domain.NetworkID, server domain.ServerAddr) {
	nr := e.network(network, false)
	if nr == nil {
		return
	}
	nr.mu.Lock()
	defer nr.mu.Unlock()
	for key := range nr.records {
		if key.server == server {
			delete(nr.records, key)
		}
	}
}

// DiscardNetwork drops a network's record table entirely.
func (e *Engine) DiscardNetwork(network domain.NetworkID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.networks, network)
}
