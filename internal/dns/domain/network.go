// Package domain holds the pure types of the private transport subsystem:
// network and server identity, the per-network server set, validation
// lifecycle records, and the transport error taxonomy. Nothing here does
// I/O.
package domain

import "fmt"

// NetworkID identifies one network. Each network owns one ServerSet, one set
// of validation records, and at most one live DoH connection per server.
type NetworkID uint32

func (n NetworkID) String() string {
	return fmt.Sprintf("netid-%d", uint32(n))
}
