package monitor

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connwatch/internal/domain"
	"connwatch/internal/probe"
)

type stubReader struct {
	captures []probe.Capture
	err      error
}

func (s *stubReader) Snapshot(_ context.Context) ([]probe.Capture, error) {
	return s.captures, s.err
}

type stubResolver struct {
	mu        sync.Mutex
	byIP      map[string]domain.GeoInfo
	calls     map[string]int
	inflight  atomic.Int32
	maxSeen   atomic.Int32
}

func newStubResolver(byIP map[string]domain.GeoInfo) *stubResolver {
	return &stubResolver{byIP: byIP, calls: make(map[string]int)}
}

func (s *stubResolver) Resolve(_ context.Context, ip netip.Addr) domain.GeoInfo {
	cur := s.inflight.Add(1)
	for {
		peak := s.maxSeen.Load()
		if cur <= peak || s.maxSeen.CompareAndSwap(peak, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	s.inflight.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ip.String()]++
	if info, ok := s.byIP[ip.String()]; ok {
		return info
	}
	return domain.GeoInfo{IP: ip.String(), Country: domain.UnknownCountry, Source: domain.SourceHeuristic}
}

type stubFlusher struct {
	flushes atomic.Int32
}

func (s *stubFlusher) Flush() error {
	s.flushes.Add(1)
	return nil
}

const ssOutput = `State      Recv-Q Send-Q Local Address:Port  Peer Address:Port Process
ESTAB      0      0      192.168.1.5:54321    46.4.84.25:443    users:(("firefox",pid=1234,fd=89))
ESTAB      0      0      192.168.1.5:54322    46.4.84.25:22     users:(("ssh",pid=777,fd=3))
ESTAB      0      0      192.168.1.5:54323    203.0.113.9:8080  users:(("curl",pid=888,fd=5))
`

func newTestMonitor(reader Snapshotter, resolver GeoResolver, flusher Flusher) *Monitor {
	parser := probe.NewParser(zerolog.Nop(), false)
	return New(zerolog.Nop(), reader, parser, resolver, flusher, "Germany", 4, time.Minute)
}

func TestRunOnceEnrichesAndClassifies(t *testing.T) {
	reader := &stubReader{captures: []probe.Capture{
		{Dialect: probe.DialectSS, Protocol: domain.ProtoTCP, Output: ssOutput},
	}}
	resolver := newStubResolver(map[string]domain.GeoInfo{
		"46.4.84.25":  {IP: "46.4.84.25", Country: "Germany", Org: "Hetzner Online GmbH", Source: domain.SourceBuiltinDB},
		"203.0.113.9": {IP: "203.0.113.9", Country: "Japan", Source: domain.SourceOnlineAPI},
	})
	m := newTestMonitor(reader, resolver, &stubFlusher{})

	conns, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 3)

	assert.Equal(t, "Germany", conns[0].Geo.Country)
	assert.Equal(t, domain.Domestic, conns[0].Classification)
	assert.Equal(t, domain.Domestic, conns[1].Classification)
	assert.Equal(t, "Japan", conns[2].Geo.Country)
	assert.Equal(t, domain.Foreign, conns[2].Classification)
}

// Two records sharing a remote IP cost one resolution, not two.
func TestRunOnceResolvesDistinctIPsOnce(t *testing.T) {
	reader := &stubReader{captures: []probe.Capture{
		{Dialect: probe.DialectSS, Protocol: domain.ProtoTCP, Output: ssOutput},
	}}
	resolver := newStubResolver(nil)
	m := newTestMonitor(reader, resolver, &stubFlusher{})

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls["46.4.84.25"])
	assert.Equal(t, 1, resolver.calls["203.0.113.9"])
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	var lines string
	for i := 0; i < 40; i++ {
		lines += "ESTAB 0 0 192.168.1.5:54321 203.0.113." + string(rune('0'+i%10)) + ":443 users:((\"x\",pid=1,fd=1))\n"
	}
	reader := &stubReader{captures: []probe.Capture{
		{Dialect: probe.DialectSS, Protocol: domain.ProtoTCP, Output: "State Recv-Q\n" + lines},
	}}
	resolver := newStubResolver(nil)
	parser := probe.NewParser(zerolog.Nop(), false)
	m := New(zerolog.Nop(), reader, parser, resolver, &stubFlusher{}, "Germany", 2, time.Minute)

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, resolver.maxSeen.Load(), int32(2))
}

func TestRunOncePropagatesSnapshotError(t *testing.T) {
	m := newTestMonitor(&stubReader{err: probe.ErrToolUnavailable}, newStubResolver(nil), &stubFlusher{})

	_, err := m.RunOnce(context.Background())
	assert.ErrorIs(t, err, probe.ErrToolUnavailable)
}

func TestReplayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt")
	require.NoError(t, os.WriteFile(path, []byte(
		"tcp 192.168.1.5:54321 46.4.84.25:443 ESTABLISHED\n"+
			"udp 192.168.1.5:5353 203.0.113.9:53\n"), 0o644))

	resolver := newStubResolver(map[string]domain.GeoInfo{
		"46.4.84.25": {IP: "46.4.84.25", Country: "Germany", Source: domain.SourceBuiltinDB},
	})
	m := newTestMonitor(&stubReader{err: probe.ErrToolUnavailable}, resolver, &stubFlusher{})

	conns, err := m.ReplayFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, domain.ProtoUDP, conns[1].Protocol)
	assert.Equal(t, domain.Domestic, conns[0].Classification)
}

func TestReplayFileMissing(t *testing.T) {
	m := newTestMonitor(&stubReader{}, newStubResolver(nil), &stubFlusher{})

	_, err := m.ReplayFile(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

// Run delivers cycles to the sink until cancelled and flushes the cache on
// the way out.
func TestRunDeliversCyclesAndFlushesOnExit(t *testing.T) {
	reader := &stubReader{captures: []probe.Capture{
		{Dialect: probe.DialectSS, Protocol: domain.ProtoTCP, Output: ssOutput},
	}}
	flusher := &stubFlusher{}
	m := newTestMonitor(reader, newStubResolver(nil), flusher)

	ctx, cancel := context.WithCancel(context.Background())
	cycles := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, 10*time.Millisecond, func(conns []domain.EnrichedConnection) {
			cycles <- len(conns)
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case got := <-cycles:
			assert.Equal(t, 3, got)
		case <-time.After(2 * time.Second):
			t.Fatal("no cycle delivered")
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, flusher.flushes.Load(), int32(1))
}

// A reader that fails on the very first cycle makes the session non-viable.
func TestRunFailsFastWhenFirstCycleFails(t *testing.T) {
	m := newTestMonitor(&stubReader{err: probe.ErrToolUnavailable}, newStubResolver(nil), &stubFlusher{})

	err := m.Run(context.Background(), 10*time.Millisecond, func([]domain.EnrichedConnection) {
		t.Fatal("sink must not run")
	})
	assert.ErrorIs(t, err, probe.ErrToolUnavailable)
}
