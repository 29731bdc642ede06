package domain

// Protocol enumerates the private DNS transports subject to validation.
type Protocol uint8

const (
	ProtocolDoT Protocol = iota + 1
	ProtocolDoH
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDoT:
		return "DoT"
	case ProtocolDoH:
		return "DoH"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether p is a known private transport protocol.
func (p Protocol) IsValid() bool {
	return p == ProtocolDoT || p == ProtocolDoH
}
