package domain

import "errors"

// Error taxonomy for private transport failures. Callers classify with
// errors.Is; the selector maps each class to a fallback decision.
var (
	// ErrProbeTimeout marks a validation probe that did not complete within
	// the configured probe timeout.
	ErrProbeTimeout = errors.New("private dns: probe timeout")

	// ErrHandshakeFailure marks a TLS or QUIC handshake that was refused or
	// failed outright.
	ErrHandshakeFailure = errors.New("private dns: handshake failure")

	// ErrStreamReset marks a single query stream reset by the peer. The
	// connection itself remains usable.
	ErrStreamReset = errors.New("private dns: stream reset by peer")

	// ErrQueueFull marks a query rejected because a dispatcher queue was at
	// capacity. This is the deliberate backpressure trigger, not a fault.
	ErrQueueFull = errors.New("private dns: dispatch queue full")

	// ErrDeadlineExceeded marks a query whose deadline elapsed while queued
	// or awaiting a response.
	ErrDeadlineExceeded = errors.New("private dns: query deadline exceeded")

	// ErrConnectionClosed marks a query failed because the peer closed the
	// connection before a response arrived.
	ErrConnectionClosed = errors.New("private dns: connection closed by peer")

	// ErrBadResponse marks a reply that is not a response to the query
	// that was sent. The transport delivered bytes, just not an answer.
	ErrBadResponse = errors.New("private dns: response does not match query")

	// ErrUidBlocked marks a query rejected by network policy before any
	// transport was attempted. Not recoverable by fallback.
	ErrUidBlocked = errors.New("private dns: uid blocked by network policy")

	// ErrTransportUnavailable marks a query for which every transport tier
	// was exhausted.
	ErrTransportUnavailable = errors.New("private dns: no transport available")

	// ErrNetworkGone marks an operation raced with network teardown.
	ErrNetworkGone = errors.New("private dns: network destroyed")
)
