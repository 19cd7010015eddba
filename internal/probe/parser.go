package probe

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"connwatch/internal/domain"
)

// Parser converts raw diagnostic-tool output into normalized connection
// records. Malformed lines are skipped individually; a single bad line never
// aborts the batch.
type Parser struct {
	logger           zerolog.Logger
	includeListening bool
}

// NewParser creates a parser. LISTEN-state entries are filtered unless
// includeListening is set.
func NewParser(logger zerolog.Logger, includeListening bool) *Parser {
	return &Parser{logger: logger, includeListening: includeListening}
}

// Parse tokenizes a capture line by line according to its dialect's column
// grammar, then applies post-parse filtering.
func (p *Parser) Parse(c Capture) []domain.ConnectionRecord {
	var records []domain.ConnectionRecord
	skipped := 0

	for _, line := range strings.Split(c.Output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isHeaderLine(line) {
			continue
		}

		rec, ok := parseLine(c.Dialect, c.Protocol, line)
		if !ok {
			skipped++
			p.logger.Debug().Str("dialect", c.Dialect.String()).Str("line", line).Msg("Skipping malformed line")
			continue
		}

		if p.keep(rec) {
			records = append(records, rec)
		}
	}

	if skipped > 0 {
		p.logger.Warn().Int("count", skipped).Str("dialect", c.Dialect.String()).Msg("Skipped malformed lines")
	}
	return records
}

// keep applies the post-parse filters: wildcard-remote UDP entries are not
// real peer connections, loopback-to-loopback pairs are noise, and LISTEN
// entries are excluded unless requested.
func (p *Parser) keep(rec domain.ConnectionRecord) bool {
	remote := rec.Remote.Addr()
	if rec.Protocol == domain.ProtoUDP && (remote.IsUnspecified() || !remote.IsValid() || rec.Remote.Port() == 0) {
		return false
	}
	if rec.Local.Addr().IsLoopback() && remote.IsLoopback() {
		return false
	}
	if rec.State == domain.StateListen && !p.includeListening {
		return false
	}
	return true
}

func isHeaderLine(line string) bool {
	return strings.HasPrefix(line, "Active") ||
		strings.HasPrefix(line, "Proto") ||
		strings.HasPrefix(line, "State") ||
		strings.HasPrefix(line, "Netid")
}

func parseLine(d Dialect, proto domain.Protocol, line string) (domain.ConnectionRecord, bool) {
	switch d {
	case DialectSS:
		return parseSSLine(proto, line)
	case DialectNetstat:
		return parseNetstatLine(proto, line)
	case DialectNetstatWindows:
		return parseWindowsLine(proto, line)
	case DialectReplay:
		return parseReplayLine(line)
	default:
		return domain.ConnectionRecord{}, false
	}
}

var pidPattern = regexp.MustCompile(`pid=(\d+)`)

// parseSSLine handles ss output: State Recv-Q Send-Q Local:Port Peer:Port [Process]
func parseSSLine(proto domain.Protocol, line string) (domain.ConnectionRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return domain.ConnectionRecord{}, false
	}

	local, err := splitAddrPort(fields[3])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}
	remote, err := splitAddrPort(fields[4])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}

	rec := domain.ConnectionRecord{
		Protocol: proto,
		Local:    local,
		Remote:   remote,
		State:    mapState(fields[0], proto),
	}

	if len(fields) > 5 {
		if m := pidPattern.FindStringSubmatch(fields[5]); m != nil {
			rec.PID, _ = strconv.Atoi(m[1])
		}
	}
	return rec, true
}

// parseNetstatLine handles Unix netstat: Proto Recv-Q Send-Q Local Foreign [State]
func parseNetstatLine(proto domain.Protocol, line string) (domain.ConnectionRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return domain.ConnectionRecord{}, false
	}
	if !strings.HasPrefix(strings.ToLower(fields[0]), strings.ToLower(string(proto))) {
		return domain.ConnectionRecord{}, false
	}

	local, err := splitAddrPort(fields[3])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}
	remote, err := splitAddrPort(fields[4])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}

	state := domain.StateNone
	if len(fields) > 5 {
		state = mapState(fields[5], proto)
	} else if proto == domain.ProtoTCP {
		state = domain.StateUnknown
	}

	return domain.ConnectionRecord{
		Protocol: proto,
		Local:    local,
		Remote:   remote,
		State:    state,
	}, true
}

// parseWindowsLine handles netstat -ano: Proto Local Foreign State PID for
// TCP, Proto Local Foreign PID for stateless UDP.
func parseWindowsLine(proto domain.Protocol, line string) (domain.ConnectionRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return domain.ConnectionRecord{}, false
	}
	if !strings.EqualFold(fields[0], string(proto)) {
		return domain.ConnectionRecord{}, false
	}

	local, err := splitAddrPort(fields[1])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}
	remote, err := splitAddrPort(fields[2])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}

	rec := domain.ConnectionRecord{Protocol: proto, Local: local, Remote: remote}
	switch {
	case proto == domain.ProtoTCP && len(fields) >= 5:
		rec.State = mapState(fields[3], proto)
		rec.PID, _ = strconv.Atoi(fields[4])
	case proto == domain.ProtoUDP:
		rec.State = domain.StateNone
		rec.PID, _ = strconv.Atoi(fields[3])
	default:
		return domain.ConnectionRecord{}, false
	}
	return rec, true
}

// parseReplayLine handles saved dumps: [proto] local remote [state]
func parseReplayLine(line string) (domain.ConnectionRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return domain.ConnectionRecord{}, false
	}

	proto := domain.ProtoTCP
	if strings.HasPrefix(strings.ToLower(fields[0]), "tcp") {
		fields = fields[1:]
	} else if strings.HasPrefix(strings.ToLower(fields[0]), "udp") {
		proto = domain.ProtoUDP
		fields = fields[1:]
	}
	if len(fields) < 2 {
		return domain.ConnectionRecord{}, false
	}

	local, err := splitAddrPort(fields[0])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}
	remote, err := splitAddrPort(fields[1])
	if err != nil {
		return domain.ConnectionRecord{}, false
	}

	state := domain.StateNone
	if len(fields) > 2 {
		state = mapState(fields[2], proto)
	} else if proto == domain.ProtoTCP {
		state = domain.StateUnknown
	}

	return domain.ConnectionRecord{
		Protocol: proto,
		Local:    local,
		Remote:   remote,
		State:    state,
	}, true
}

// mapState normalizes tool-specific state names. ss abbreviates some states
// and uses dashes where netstat uses underscores.
func mapState(s string, proto domain.Protocol) domain.ConnState {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "_")) {
	case "ESTAB", "ESTABLISHED":
		return domain.StateEstablished
	case "LISTEN", "LISTENING":
		return domain.StateListen
	case "CLOSE_WAIT":
		return domain.StateCloseWait
	case "TIME_WAIT":
		return domain.StateTimeWait
	case "UNCONN", "":
		return domain.StateNone
	default:
		if proto == domain.ProtoUDP {
			return domain.StateNone
		}
		return domain.StateUnknown
	}
}

// splitAddrPort splits an address:port token on the last colon so bracketed
// IPv6 literals parse correctly. Wildcards ("*", "0.0.0.0:*") map to the
// unspecified address and port zero. macOS netstat joins address and port
// with a dot instead of a colon. IPv4-mapped IPv6 addresses are normalized
// to their IPv4 form.
func splitAddrPort(s string) (netip.AddrPort, error) {
	var host, portStr string

	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		host, portStr = s[:idx], s[idx+1:]
	} else if idx := strings.LastIndex(s, "."); idx >= 0 {
		host, portStr = s[:idx], s[idx+1:]
	} else {
		host, portStr = s, "*"
	}

	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if host == "*" || host == "" {
		host = "0.0.0.0"
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var port uint64
	if portStr != "*" && portStr != "" {
		port, err = strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return netip.AddrPort{}, err
		}
	}

	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
