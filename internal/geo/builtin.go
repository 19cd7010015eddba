package geo

import (
	"context"
	"encoding/binary"
	"net/netip"

	"github.com/google/btree"

	"connwatch/internal/domain"
)

// BuiltinDB is a small curated table of well-known cloud, CDN and DNS
// provider ranges. It covers common destinations with zero network cost and
// sits between the local database and the online services in the chain.
// IPv4 only; IPv6 addresses miss and fall through.
type BuiltinDB struct {
	tree *btree.BTree
}

type rangeItem struct {
	start, end uint32
	city       string
	country    string
	org        string
}

// Less orders ranges by start; a point probe with start == end compares
// equal to any range containing it, which is what makes tree.Get work as a
// containment lookup.
func (r rangeItem) Less(other btree.Item) bool {
	o := other.(rangeItem)
	return r.start < o.start && r.end < o.end
}

// NewBuiltinDB builds the range index.
func NewBuiltinDB() *BuiltinDB {
	tree := btree.New(2)
	for _, r := range curatedRanges {
		tree.ReplaceOrInsert(r)
	}
	return &BuiltinDB{tree: tree}
}

func (db *BuiltinDB) Name() string { return "builtin-db" }

func (db *BuiltinDB) TryResolve(_ context.Context, ip netip.Addr) (*domain.GeoInfo, error) {
	addr := ip.Unmap()
	if !addr.Is4() {
		return nil, nil
	}

	v4 := addr.As4()
	point := binary.BigEndian.Uint32(v4[:])

	found := db.tree.Get(rangeItem{start: point, end: point})
	if found == nil {
		return nil, nil
	}

	r := found.(rangeItem)
	return &domain.GeoInfo{
		City:    r.city,
		Country: r.country,
		Org:     r.org,
		Source:  domain.SourceBuiltinDB,
	}, nil
}

func mustRange(start, end, city, country, org string) rangeItem {
	s := netip.MustParseAddr(start).As4()
	e := netip.MustParseAddr(end).As4()
	return rangeItem{
		start:   binary.BigEndian.Uint32(s[:]),
		end:     binary.BigEndian.Uint32(e[:]),
		city:    city,
		country: country,
		org:     org,
	}
}

// curatedRanges lists major providers and public DNS resolvers.
var curatedRanges = []rangeItem{
	// Google
	mustRange("8.8.8.0", "8.8.8.255", "Mountain View", "United States", "Google LLC"),
	mustRange("8.8.4.0", "8.8.4.255", "Mountain View", "United States", "Google LLC"),
	mustRange("142.250.0.0", "142.251.255.255", "Mountain View", "United States", "Google LLC"),
	mustRange("172.217.0.0", "172.217.255.255", "Mountain View", "United States", "Google LLC"),
	mustRange("216.58.192.0", "216.58.223.255", "Mountain View", "United States", "Google LLC"),

	// Cloudflare
	mustRange("1.0.0.0", "1.0.0.255", "San Francisco", "United States", "Cloudflare Inc"),
	mustRange("1.1.1.0", "1.1.1.255", "San Francisco", "United States", "Cloudflare Inc"),
	mustRange("104.16.0.0", "104.31.255.255", "San Francisco", "United States", "Cloudflare Inc"),

	// Amazon AWS
	mustRange("13.32.0.0", "13.35.255.255", "Seattle", "United States", "Amazon CloudFront"),
	mustRange("52.0.0.0", "52.255.255.255", "Seattle", "United States", "Amazon.com Inc"),
	mustRange("54.144.0.0", "54.255.255.255", "Seattle", "United States", "Amazon.com Inc"),

	// Microsoft
	mustRange("13.64.0.0", "13.107.255.255", "Redmond", "United States", "Microsoft Corporation"),
	mustRange("20.0.0.0", "20.255.255.255", "Redmond", "United States", "Microsoft Corporation"),
	mustRange("40.0.0.0", "40.255.255.255", "Redmond", "United States", "Microsoft Corporation"),

	// Meta
	mustRange("31.13.24.0", "31.13.127.255", "Menlo Park", "United States", "Meta Platforms Inc"),
	mustRange("157.240.0.0", "157.240.255.255", "Menlo Park", "United States", "Meta Platforms Inc"),
	mustRange("173.252.64.0", "173.252.127.255", "Menlo Park", "United States", "Meta Platforms Inc"),

	// GitHub
	mustRange("140.82.112.0", "140.82.127.255", "San Francisco", "United States", "GitHub Inc"),
	mustRange("185.199.108.0", "185.199.111.255", "San Francisco", "United States", "GitHub Inc"),

	// Hetzner
	mustRange("46.4.0.0", "46.4.255.255", "Falkenstein", "Germany", "Hetzner Online GmbH"),
	mustRange("78.46.0.0", "78.47.255.255", "Falkenstein", "Germany", "Hetzner Online GmbH"),
	mustRange("88.99.0.0", "88.99.255.255", "Falkenstein", "Germany", "Hetzner Online GmbH"),

	// DigitalOcean
	mustRange("104.131.0.0", "104.131.255.255", "New York", "United States", "DigitalOcean LLC"),
	mustRange("159.89.0.0", "159.89.255.255", "New York", "United States", "DigitalOcean LLC"),
	mustRange("185.70.40.0", "185.70.43.255", "Amsterdam", "Netherlands", "DigitalOcean LLC"),

	// OVH
	mustRange("51.68.0.0", "51.68.255.255", "Roubaix", "France", "OVH SAS"),
	mustRange("54.36.0.0", "54.39.255.255", "Roubaix", "France", "OVH SAS"),

	// Linode
	mustRange("45.33.0.0", "45.33.255.255", "Fremont", "United States", "Linode LLC"),
	mustRange("50.116.0.0", "50.116.255.255", "Fremont", "United States", "Linode LLC"),

	// Public DNS
	mustRange("9.9.9.0", "9.9.9.255", "Berkeley", "United States", "Quad9 DNS"),
	mustRange("149.112.112.0", "149.112.112.255", "Berkeley", "United States", "Quad9 DNS"),
	mustRange("208.67.220.0", "208.67.220.255", "San Francisco", "United States", "OpenDNS"),
	mustRange("208.67.222.0", "208.67.222.255", "San Francisco", "United States", "OpenDNS"),
}
