package probe

// Dialect identifies the output grammar of the diagnostic tool that produced
// a capture. Each dialect has a fixed column layout; the set is closed and
// selected once at startup based on a platform probe.
type Dialect int

const (
	// DialectSS is the modern Linux socket-statistics tool (ss).
	DialectSS Dialect = iota
	// DialectNetstat is traditional Unix netstat (Linux/macOS/BSD).
	DialectNetstat
	// DialectNetstatWindows is Windows netstat -ano.
	DialectNetstatWindows
	// DialectReplay is the whitespace-delimited saved-dump format used by
	// file-replay mode.
	DialectReplay
)

func (d Dialect) String() string {
	switch d {
	case DialectSS:
		return "ss"
	case DialectNetstat:
		return "netstat"
	case DialectNetstatWindows:
		return "netstat-windows"
	case DialectReplay:
		return "replay"
	default:
		return "unknown"
	}
}
