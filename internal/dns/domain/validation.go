package domain

import "time"

// ValidationState is the lifecycle of one (network, server, protocol) probe.
type ValidationState uint8

const (
	ValidationUnknown ValidationState = iota
	ValidationInProgress
	ValidationSuccess
	ValidationFailure
)

func (s ValidationState) String() string {
	switch s {
	case ValidationInProgress:
		return "in_progress"
	case ValidationSuccess:
		return "success"
	case ValidationFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is a final probe outcome.
func (s ValidationState) IsTerminal() bool {
	return s == ValidationSuccess || s == ValidationFailure
}

// ValidationRecord is the tracked state of one probe tuple. A new probe for
// the same tuple supersedes the record rather than merging into it.
type ValidationRecord struct {
	Network   NetworkID
	Server    ServerAddr
	Protocol  Protocol
	State     ValidationState
	UpdatedAt time.Time
}

// ValidationEvent is the terminal outcome of one probe attempt, delivered
// exactly once per attempt to the event sink.
type ValidationEvent struct {
	Network  NetworkID
	Server   ServerAddr
	Protocol Protocol
	Success  bool
	Latency  time.Duration
}
