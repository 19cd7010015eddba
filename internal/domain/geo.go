package domain

import "time"

// Source tags where a geo resolution originated.
type Source string

const (
	SourceLocalDB   Source = "LOCAL_DB"   // MaxMind database on disk
	SourceBuiltinDB Source = "BUILTIN_DB" // curated well-known ranges
	SourceOnlineAPI Source = "ONLINE_API" // HTTP lookup service
	SourceCache     Source = "CACHE"      // persisted entry with no recorded origin
	SourceHeuristic Source = "HEURISTIC"  // private/reserved-range fallback, never cached
)

// UnknownCountry is the value used when no source could resolve a country.
// Country is always populated so classification never branches on missing data.
const UnknownCountry = "Unknown"

// GeoInfo is the location and ownership metadata resolved for one IP address.
type GeoInfo struct {
	IP         string    `json:"ip"`
	City       string    `json:"city,omitempty"`
	Country    string    `json:"country"`
	Org        string    `json:"org,omitempty"` // autonomous-system organization
	Source     Source    `json:"source"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// CacheStats summarizes the persisted geo cache contents.
type CacheStats struct {
	Total    int            `json:"total"`
	BySource map[Source]int `json:"by_source"`
	Oldest   time.Time      `json:"oldest,omitzero"`
	Newest   time.Time      `json:"newest,omitzero"`
}
