package domain

import (
	"fmt"
	"net/netip"
)

// Protocol identifies the transport protocol of an observed connection
type Protocol string

const (
	ProtoTCP Protocol = "TCP"
	ProtoUDP Protocol = "UDP"
)

// ConnState is the TCP connection state as reported by the diagnostic tool.
// UDP sockets carry StateNone since the protocol is stateless.
type ConnState string

const (
	StateEstablished ConnState = "ESTABLISHED"
	StateListen      ConnState = "LISTEN"
	StateCloseWait   ConnState = "CLOSE_WAIT"
	StateTimeWait    ConnState = "TIME_WAIT"
	StateUnknown     ConnState = "UNKNOWN"
	StateNone        ConnState = ""
)

// ConnectionRecord represents one observed endpoint pair at a point in time.
// Records are immutable once parsed and are fully replaced each refresh cycle.
type ConnectionRecord struct {
	Protocol Protocol       `json:"protocol"`
	Local    netip.AddrPort `json:"local"`
	Remote   netip.AddrPort `json:"remote"`
	State    ConnState      `json:"state,omitempty"`
	PID      int            `json:"pid,omitempty"` // 0 when the tool did not report one
}

// RemoteIP returns the remote address with any IPv4-mapped IPv6 prefix stripped,
// which is the form the geo stage indexes on.
func (c ConnectionRecord) RemoteIP() netip.Addr {
	return c.Remote.Addr().Unmap()
}

// Key returns a stable identity for deduplication within a cycle.
func (c ConnectionRecord) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.Protocol, c.Local, c.Remote)
}

// Classification tags a connection relative to the operator's own country.
type Classification string

const (
	Domestic Classification = "domestic"
	Foreign  Classification = "foreign"
)

// EnrichedConnection is the core's output: a connection record joined with
// its geo resolution and domestic/foreign classification.
type EnrichedConnection struct {
	ConnectionRecord
	Geo            GeoInfo        `json:"geo"`
	Classification Classification `json:"classification"`
}
