package probe

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connwatch/internal/domain"
)

func newTestParser(includeListening bool) *Parser {
	return NewParser(zerolog.Nop(), includeListening)
}

func TestParseSSEstablishedWithPID(t *testing.T) {
	out := `State  Recv-Q Send-Q Local Address:Port   Peer Address:Port  Process
ESTAB  0      0      192.168.1.7:51442    8.8.8.8:443        users:(("chrome",pid=1234,fd=89))
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, domain.ProtoTCP, rec.Protocol)
	assert.Equal(t, netip.MustParseAddrPort("192.168.1.7:51442"), rec.Local)
	assert.Equal(t, netip.MustParseAddrPort("8.8.8.8:443"), rec.Remote)
	assert.Equal(t, domain.StateEstablished, rec.State)
	assert.Equal(t, 1234, rec.PID)
}

// The canonical filtering scenario: one ESTABLISHED TCP line, one LISTEN
// line, and one wildcard-remote UDP line must yield exactly one record.
func TestParseFiltersListenAndWildcardUDP(t *testing.T) {
	tcpOut := `State  Recv-Q Send-Q Local Address:Port   Peer Address:Port  Process
ESTAB  0      0      192.168.1.7:51442    8.8.8.8:443
LISTEN 0      128    0.0.0.0:22           0.0.0.0:*
`
	udpOut := `State  Recv-Q Send-Q Local Address:Port   Peer Address:Port  Process
UNCONN 0      0      0.0.0.0:68           0.0.0.0:*
`
	p := newTestParser(false)
	var records []domain.ConnectionRecord
	records = append(records, p.Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: tcpOut})...)
	records = append(records, p.Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoUDP, Output: udpOut})...)

	require.Len(t, records, 1)
	assert.Equal(t, domain.StateEstablished, records[0].State)
	assert.Equal(t, netip.MustParseAddrPort("8.8.8.8:443"), records[0].Remote)
}

func TestParseIncludesListenWhenRequested(t *testing.T) {
	out := `LISTEN 0      128    0.0.0.0:22           0.0.0.0:*
`
	records := newTestParser(true).Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: out})
	require.Len(t, records, 1)
	assert.Equal(t, domain.StateListen, records[0].State)
}

func TestParseDropsLoopbackPairs(t *testing.T) {
	out := `ESTAB  0      0      127.0.0.1:6379       127.0.0.1:51000
ESTAB  0      0      127.0.0.1:51442      8.8.8.8:443
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: out})
	require.Len(t, records, 1)
	assert.Equal(t, netip.MustParseAddrPort("8.8.8.8:443"), records[0].Remote)
}

// A malformed line is dropped by itself; well-formed neighbors are returned
// unchanged.
func TestParseMalformedLineIsolation(t *testing.T) {
	out := `ESTAB  0      0      192.168.1.7:51442    8.8.8.8:443
garbage line that does not tokenize into columns at all right
ESTAB  0      0      192.168.1.7:51443    1.1.1.1:853
ESTAB  0      0      not-an-address:zz    also:bad
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 2)
	assert.Equal(t, netip.MustParseAddrPort("8.8.8.8:443"), records[0].Remote)
	assert.Equal(t, netip.MustParseAddrPort("1.1.1.1:853"), records[1].Remote)
}

func TestParseNetstatUnix(t *testing.T) {
	out := `Active Internet connections (w/o servers)
Proto Recv-Q Send-Q Local Address           Foreign Address         State
tcp        0      0 192.168.1.7:51442       140.82.121.4:443        ESTABLISHED
tcp6       0      0 [2001:db8::1]:51500     [2606:4700::6810:84e5]:443 TIME_WAIT
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectNetstat, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 2)
	assert.Equal(t, domain.StateEstablished, records[0].State)
	assert.Equal(t, domain.StateTimeWait, records[1].State)
	assert.Equal(t, netip.MustParseAddr("2606:4700::6810:84e5"), records[1].Remote.Addr())
}

func TestParseNetstatDarwinDottedPorts(t *testing.T) {
	out := `Active Internet connections
Proto Recv-Q Send-Q  Local Address          Foreign Address        (state)
tcp4       0      0  192.168.1.7.51442      8.8.4.4.443            ESTABLISHED
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectNetstat, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 1)
	assert.Equal(t, netip.MustParseAddrPort("8.8.4.4:443"), records[0].Remote)
}

func TestParseWindowsNetstat(t *testing.T) {
	out := `
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    192.168.1.7:51442      8.8.8.8:443            ESTABLISHED     1234
  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       900
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectNetstatWindows, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 1)
	assert.Equal(t, 1234, records[0].PID)
	assert.Equal(t, domain.StateEstablished, records[0].State)
}

func TestParseWindowsUDPStateless(t *testing.T) {
	out := `  Proto  Local Address          Foreign Address        State           PID
  UDP    0.0.0.0:500            *:*                                    5678
  UDP    192.168.1.7:54000      8.8.8.8:53                             4321
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectNetstatWindows, Protocol: domain.ProtoUDP, Output: out})

	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, domain.StateNone, rec.State)
	assert.Equal(t, 4321, rec.PID)
	assert.Equal(t, netip.MustParseAddrPort("8.8.8.8:53"), rec.Remote)
}

func TestParseReplayDialect(t *testing.T) {
	out := `192.168.1.7:51442 8.8.8.8:443 ESTABLISHED
tcp 10.0.0.5:40000 1.1.1.1:443 CLOSE_WAIT
udp 192.168.1.7:54000 9.9.9.9:53
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectReplay, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 3)
	assert.Equal(t, domain.StateEstablished, records[0].State)
	assert.Equal(t, domain.StateCloseWait, records[1].State)
	assert.Equal(t, domain.ProtoUDP, records[2].Protocol)
	assert.Equal(t, domain.StateNone, records[2].State)
}

// Dual-stack captures report IPv4 peers as ::ffff: mapped IPv6; the
// normalizer must hand the geo stage the IPv4 form.
func TestParseUnmapsV4MappedAddresses(t *testing.T) {
	out := `ESTAB 0 0 [::ffff:192.168.1.7]:51442 [::ffff:8.8.8.8]:443
`
	records := newTestParser(false).Parse(Capture{Dialect: DialectSS, Protocol: domain.ProtoTCP, Output: out})

	require.Len(t, records, 1)
	assert.Equal(t, netip.MustParseAddr("8.8.8.8"), records[0].Remote.Addr())
	assert.True(t, records[0].Remote.Addr().Is4())
}

func TestSplitAddrPort(t *testing.T) {
	tests := []struct {
		in       string
		wantAddr string
		wantPort uint16
		wantErr  bool
	}{
		{"8.8.8.8:443", "8.8.8.8", 443, false},
		{"[2606:4700::6810:84e5]:443", "2606:4700::6810:84e5", 443, false},
		{"0.0.0.0:*", "0.0.0.0", 0, false},
		{"*:*", "0.0.0.0", 0, false},
		{"192.168.1.7.51442", "192.168.1.7", 51442, false},
		{"[::ffff:1.2.3.4]:80", "1.2.3.4", 80, false},
		{"not-an-address:80", "", 0, true},
		{"1.2.3.4:notaport", "", 0, true},
	}

	for _, tt := range tests {
		got, err := splitAddrPort(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, netip.MustParseAddr(tt.wantAddr), got.Addr(), tt.in)
		assert.Equal(t, tt.wantPort, got.Port(), tt.in)
	}
}
