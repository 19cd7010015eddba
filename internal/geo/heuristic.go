package geo

import (
	"context"
	"net/netip"

	"connwatch/internal/domain"
)

// PrivateNetwork is the country value reported for private and reserved
// ranges when no authoritative source applies.
const PrivateNetwork = "Private Network"

// IsPrivateOrReserved reports whether an address belongs to a range reserved
// for local or internal networking (RFC1918, loopback, link-local,
// multicast, unspecified).
func IsPrivateOrReserved(ip netip.Addr) bool {
	addr := ip.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// HeuristicResolver is the last stage of the chain: private and reserved
// ranges get a fixed label with no network cost. Results are never cached.
type HeuristicResolver struct{}

func (HeuristicResolver) Name() string { return "heuristic" }

func (HeuristicResolver) TryResolve(_ context.Context, ip netip.Addr) (*domain.GeoInfo, error) {
	if !IsPrivateOrReserved(ip) {
		return nil, nil
	}
	return &domain.GeoInfo{
		Country: PrivateNetwork,
		Source:  domain.SourceHeuristic,
	}, nil
}
