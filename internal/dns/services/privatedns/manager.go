package privatedns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/haukened/pvtdns/internal/dns/common/log"
	"github.com/haukened/pvtdns/internal/dns/domain"
)

const (
	errValidatorRequired = "validator is required"
	errDohRequired       = "DoH transport is required"
	errDotRequired       = "DoT transport is required"
	errCleartextRequired = "cleartext transport is required"
)

// Manager is the private transport manager. All public methods are safe
// for concurrent use.
type Manager struct {
	validator Validator
	doh       DohTransport
	dot       DotTransport
	cleartext CleartextTransport
	policy    NetworkPolicy

	uidFailFast bool
	logger      log.Logger

	mu   sync.Mutex
	sets map[domain.NetworkID]domain.ServerSet
}

// Options configures the private transport manager.
type Options struct {
	Validator Validator
	Doh       DohTransport
	Dot       DotTransport
	Cleartext CleartextTransport

	// Policy may be nil, which admits every caller.
	Policy NetworkPolicy

	// UidFailFast rejects blocked callers before any transport work.
	UidFailFast bool

	Logger log.Logger
}

// New creates the private transport manager.
func New(opts Options) (*Manager, error) {
	if opts.Validator == nil {
		return nil, errors.New(errValidatorRequired)
	}
	if opts.Doh == nil {
		return nil, errors.New(errDohRequired)
	}
	if opts.Dot == nil {
		return nil, errors.New(errDotRequired)
	}
	if opts.Cleartext == nil {
		return nil, errors.New(errCleartextRequired)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Manager{
		validator:   opts.Validator,
		doh:         opts.Doh,
		dot:         opts.Dot,
		cleartext:   opts.Cleartext,
		policy:      opts.Policy,
		uidFailFast: opts.UidFailFast,
		logger:      opts.Logger,
		sets:        make(map[domain.NetworkID]domain.ServerSet),
	}, nil
}

// SetServers replaces a network's server configuration wholesale. Records
// and connections for servers that disappeared are discarded, and
// validation starts for any new private server.
func (m *Manager) SetServers(ctx context.Context, network domain.NetworkID, set domain.ServerSet) {
	m.mu.Lock()
	old := m.sets[network]
	m.sets[network] = set
	m.mu.Unlock()

	for _, server := range old.DoH {
		if !set.Contains(server, domain.ProtocolDoH) {
			m.doh.RemoveServer(network, server)
		}
	}

	m.validator.Sync(ctx, network, set)
	m.logger.Info(map[string]any{
		"network":   network.String(),
		"cleartext": len(set.Cleartext),
		"dot":       len(set.DoT),
		"doh":       len(set.DoH),
		"provider":  set.Provider,
	}, "server configuration replaced")
}

// ServerSet returns the current configuration for a network.
func (m *Manager) ServerSet(network domain.NetworkID) (domain.ServerSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[network]
	return set, ok
}

// fallbackable reports whether an error permits trying the next server or
// tier. Policy rejections are final.
func fallbackable(err error) bool {
	return errors.Is(err, domain.ErrQueueFull) ||
		errors.Is(err, domain.ErrDeadlineExceeded) ||
		errors.Is(err, domain.ErrStreamReset) ||
		errors.Is(err, domain.ErrConnectionClosed) ||
		errors.Is(err, domain.ErrHandshakeFailure) ||
		errors.Is(err, domain.ErrBadResponse) ||
		errors.Is(err, domain.ErrTransportUnavailable)
}

// Query resolves one packed DNS query for the given caller, walking the
// transport tiers in order of preference. In strict mode (a provider
// hostname is configured) the cleartext tier is never used.
func (m *Manager) Query(ctx context.Context, network domain.NetworkID, uid int32, payload []byte) ([]byte, error) {
	m.mu.Lock()
	set, ok := m.sets[network]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no server configuration", domain.ErrNetworkGone, network)
	}

	if m.uidFailFast && m.policy != nil && m.policy.UidBlocked(network, uid) {
		return nil, fmt.Errorf("%w: uid %d on %s", domain.ErrUidBlocked, uid, network)
	}

	var lastErr error

	// DoH tier: the first validated server, IPv6 preferred. Saturation or
	// a dead stream falls straight through to DoT rather than queueing
	// behind a congested dispatcher.
	for _, server := range domain.PreferredOrder(set.DoH) {
		if m.validator.State(network, server, domain.ProtocolDoH) != domain.ValidationSuccess {
			continue
		}
		resp, err := m.doh.Query(ctx, network, server, payload)
		if err == nil {
			return resp, nil
		}
		if !fallbackable(err) {
			return nil, err
		}
		m.logger.Debug(map[string]any{
			"network": network.String(),
			"server":  server.String(),
			"error":   err.Error(),
		}, "DoH attempt failed, falling back")
		lastErr = err
		break
	}

	// DoT tier: every validated server gets a try.
	for _, server := range domain.PreferredOrder(set.DoT) {
		if m.validator.State(network, server, domain.ProtocolDoT) != domain.ValidationSuccess {
			continue
		}
		resp, err := m.dot.Exchange(ctx, server, set.Provider, payload)
		if err == nil {
			return resp, nil
		}
		if !fallbackable(err) {
			return nil, err
		}
		m.logger.Debug(map[string]any{
			"network": network.String(),
			"server":  server.String(),
			"error":   err.Error(),
		}, "DoT attempt failed, falling back")
		lastErr = err
	}

	// Cleartext tier, opportunistic mode only.
	if set.Provider == "" && len(set.Cleartext) > 0 {
		resp, err := m.cleartext.Exchange(ctx, domain.PreferredOrder(set.Cleartext), payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last attempt: %v", domain.ErrTransportUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: no usable server on %s", domain.ErrTransportUnavailable, network)
}

// TeardownNetwork discards everything the manager holds for a network:
// configuration, validation records, and DoH connections. Queries still in
// flight fail back explicitly.
func (m *Manager) TeardownNetwork(network domain.NetworkID) {
	m.mu.Lock()
	delete(m.sets, network)
	m.mu.Unlock()

	m.validator.DiscardNetwork(network)
	m.doh.CloseNetwork(network)
	m.logger.Info(map[string]any{"network": network.String()}, "network torn down")
}

// Run forwards validation outcomes to the log until ctx is cancelled. The
// caller owns the goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.validator.Events():
			m.logger.Info(map[string]any{
				"network":  ev.Network.String(),
				"server":   ev.Server.String(),
				"protocol": ev.Protocol.String(),
				"success":  ev.Success,
				"latency":  ev.Latency,
			}, "validation outcome")
		}
	}
}

// DumpStatus writes the diagnostic view of every network: one line per
// private server, `<address> (<STATE>) <protocol>`, or `<no data>` when a
// network has no private servers configured.
func (m *Manager) DumpStatus(w io.Writer) error {
	m.mu.Lock()
	networks := make([]domain.NetworkID, 0, len(m.sets))
	for network := range m.sets {
		networks = append(networks, network)
	}
	m.mu.Unlock()
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })

	if len(networks) == 0 {
		_, err := fmt.Fprintln(w, "<no data>")
		return err
	}

	for _, network := range networks {
		if _, err := fmt.Fprintf(w, "%s:\n", network); err != nil {
			return err
		}
		records := m.validator.Records(network)
		if len(records) == 0 {
			if _, err := fmt.Fprintln(w, "    <no data>"); err != nil {
				return err
			}
			continue
		}
		for _, rec := range records {
			_, err := fmt.Fprintf(w, "    %s (%s) %s\n",
				rec.Server, strings.ToUpper(rec.State.String()), rec.Protocol)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
