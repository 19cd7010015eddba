// Package geo resolves remote IP addresses to location and ownership
// metadata through an ordered chain of sources: persisted cache, local
// MaxMind database, builtin curated ranges, online lookup services, and a
// private-range heuristic as the final fallback.
package geo

import (
	"context"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"connwatch/internal/domain"
)

// Resolver is one stage of the resolution chain. A nil result with a nil
// error is a miss; errors are absorbed by the engine and the next stage is
// tried.
type Resolver interface {
	Name() string
	TryResolve(ctx context.Context, ip netip.Addr) (*domain.GeoInfo, error)
}

// CacheStore is the subset of the cache the engine needs. The cache is
// consulted before any resolver and successful resolutions are written back.
type CacheStore interface {
	Get(ip string) (domain.GeoInfo, bool)
	Put(info domain.GeoInfo)
}

// Engine runs the resolution chain. Resolve never fails: exhausting all
// sources yields a GeoInfo with country "Unknown" rather than an error, so
// connection display never blocks on missing enrichment.
type Engine struct {
	cache  CacheStore
	chain  []Resolver
	logger zerolog.Logger
}

// NewEngine creates an engine over the given chain, in order.
func NewEngine(logger zerolog.Logger, cache CacheStore, chain ...Resolver) *Engine {
	return &Engine{cache: cache, chain: chain, logger: logger}
}

// Resolve maps an IP to geo metadata. A fresh cache entry short-circuits the
// whole chain; this is the dominant steady-state path. Heuristic results are
// returned but never written back to the cache.
func (e *Engine) Resolve(ctx context.Context, ip netip.Addr) domain.GeoInfo {
	key := ip.Unmap().String()

	if info, ok := e.cache.Get(key); ok {
		return info
	}

	for _, r := range e.chain {
		info, err := r.TryResolve(ctx, ip)
		if err != nil {
			e.logger.Debug().Err(err).Str("resolver", r.Name()).Str("ip", key).Msg("Geo source failed")
			continue
		}
		if info == nil {
			continue
		}

		info.IP = key
		if info.ResolvedAt.IsZero() {
			info.ResolvedAt = time.Now()
		}
		if info.Country == "" {
			info.Country = domain.UnknownCountry
		}
		if info.Source != domain.SourceHeuristic {
			e.cache.Put(*info)
		}
		return *info
	}

	return domain.GeoInfo{
		IP:         key,
		Country:    domain.UnknownCountry,
		Source:     domain.SourceHeuristic,
		ResolvedAt: time.Now(),
	}
}
