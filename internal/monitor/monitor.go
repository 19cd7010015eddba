// Package monitor drives the refresh loop: one full
// read→parse→resolve→classify pass per cycle, then a configurable pause.
// No connection record from one cycle is carried into the next.
package monitor

import (
	"context"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"connwatch/internal/classify"
	"connwatch/internal/domain"
	"connwatch/internal/probe"
)

// Snapshotter captures raw connection tables. Implemented by probe.Reader.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]probe.Capture, error)
}

// GeoResolver resolves one IP. Implemented by geo.Engine.
type GeoResolver interface {
	Resolve(ctx context.Context, ip netip.Addr) domain.GeoInfo
}

// Flusher persists the geo cache. Implemented by cache.Store.
type Flusher interface {
	Flush() error
}

// Monitor owns one monitoring session.
type Monitor struct {
	reader          Snapshotter
	parser          *probe.Parser
	engine          GeoResolver
	cache           Flusher
	logger          zerolog.Logger
	operatorCountry string
	maxConcurrent   int
	flushInterval   time.Duration
}

// New wires a monitor. operatorCountry is fixed for the session: detected or
// overridden once at startup and treated as read-only thereafter.
func New(logger zerolog.Logger, reader Snapshotter, parser *probe.Parser, engine GeoResolver,
	cache Flusher, operatorCountry string, maxConcurrent int, flushInterval time.Duration) *Monitor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Monitor{
		reader:          reader,
		parser:          parser,
		engine:          engine,
		cache:           cache,
		logger:          logger,
		operatorCountry: operatorCountry,
		maxConcurrent:   maxConcurrent,
		flushInterval:   flushInterval,
	}
}

// RunOnce performs a single pass and returns the enriched, classified
// records. probe.ErrToolUnavailable propagates so the caller can decide
// whether a replay file makes the session viable.
func (m *Monitor) RunOnce(ctx context.Context) ([]domain.EnrichedConnection, error) {
	captures, err := m.reader.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var records []domain.ConnectionRecord
	for _, c := range captures {
		records = append(records, m.parser.Parse(c)...)
	}

	return m.enrich(ctx, records), nil
}

// ReplayFile parses a saved connection dump instead of probing the host.
func (m *Monitor) ReplayFile(ctx context.Context, path string) ([]domain.EnrichedConnection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	records := m.parser.Parse(probe.Capture{
		Dialect:  probe.DialectReplay,
		Protocol: domain.ProtoTCP,
		Output:   string(data),
	})
	return m.enrich(ctx, records), nil
}

// enrich resolves each distinct remote IP once — concurrently, bounded —
// then classifies every record against the session's operator country.
func (m *Monitor) enrich(ctx context.Context, records []domain.ConnectionRecord) []domain.EnrichedConnection {
	distinct := make(map[netip.Addr]struct{})
	for _, rec := range records {
		distinct[rec.RemoteIP()] = struct{}{}
	}

	var mu sync.Mutex
	resolved := make(map[netip.Addr]domain.GeoInfo, len(distinct))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxConcurrent)
	for ip := range distinct {
		ip := ip
		g.Go(func() error {
			info := m.engine.Resolve(gctx, ip)
			mu.Lock()
			resolved[ip] = info
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	enriched := make([]domain.EnrichedConnection, 0, len(records))
	for _, rec := range records {
		info := resolved[rec.RemoteIP()]
		enriched = append(enriched, domain.EnrichedConnection{
			ConnectionRecord: rec,
			Geo:              info,
			Classification:   classify.Classify(rec, info, m.operatorCountry),
		})
	}
	return enriched
}

// Run loops until the context is cancelled, handing each cycle's output to
// sink. Cancellation is honored between cycles, and the cache is flushed on
// every exit path.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, sink func([]domain.EnrichedConnection)) error {
	defer func() {
		if err := m.cache.Flush(); err != nil {
			m.logger.Err(err).Msg("Cache flush on shutdown failed")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := time.NewTicker(m.flushInterval)
	defer flush.Stop()

	first := true
	for {
		conns, err := m.RunOnce(ctx)
		if err != nil {
			// A session that cannot produce a single cycle is not viable;
			// transient failures later on only warn.
			if first {
				return err
			}
			m.logger.Warn().Err(err).Msg("Refresh cycle failed")
		} else {
			sink(conns)
		}
		first = false

		waiting := true
		for waiting {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-flush.C:
				if err := m.cache.Flush(); err != nil {
					m.logger.Err(err).Msg("Periodic cache flush failed")
				}
			case <-ticker.C:
				waiting = false
			}
		}
	}
}
