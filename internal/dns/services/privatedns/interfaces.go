// Package privatedns is the coordination layer of the private transport
// subsystem. It owns the per-network server configuration, drives
// validation, and selects a transport tier for each query: DoH when a
// validated server's dispatcher accepts it, DoT when validated, and the
// cleartext tier only in opportunistic mode.
package privatedns

import (
	"context"

	"github.com/haukened/pvtdns/internal/dns/domain"
)

// Validator tracks probe state per (network, server, protocol) tuple.
// Implemented by the validation engine.
type Validator interface {
	Sync(ctx context.Context, network domain.NetworkID, set domain.ServerSet)
	State(network domain.NetworkID, server domain.ServerAddr, protocol domain.Protocol) domain.ValidationState
	Records(network domain.NetworkID) []domain.ValidationRecord
	DiscardNetwork(network domain.NetworkID)
	Events() <-chan domain.ValidationEvent
}

// DohTransport is the multiplexed DoH tier. Implemented by the DoH
// connection manager.
type DohTransport interface {
	Query(ctx context.Context, network domain.NetworkID, server domain.ServerAddr, payload []byte) ([]byte, error)
	RemoveServer(network domain.NetworkID, server domain.ServerAddr)
	CloseNetwork(network domain.NetworkID)
}

// DotTransport performs single-query DoT exchanges. Implemented by the DoT
// client.
type DotTransport interface {
	Exchange(ctx context.Context, server domain.ServerAddr, provider string, payload []byte) ([]byte, error)
}

// CleartextTransport is the plain UDP tier. Implemented by the upstream
// resolver.
type CleartextTransport interface {
	Exchange(ctx context.Context, servers []domain.ServerAddr, payload []byte) ([]byte, error)
}

// NetworkPolicy answers whether a caller may use a network at all. The
// fail-fast path consults it before any transport work happens.
type NetworkPolicy interface {
	UidBlocked(network domain.NetworkID, uid int32) bool
}
