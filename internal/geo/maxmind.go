package geo

import (
	"context"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"

	"connwatch/internal/domain"
)

// LocalDB resolves against MaxMind City and ASN databases on disk. It is
// the most accurate and fastest network-independent source. Either database
// may be absent; absence degrades gracefully, never errors.
type LocalDB struct {
	city   *geoip2.Reader
	asn    *geoip2.Reader
	logger zerolog.Logger
}

// OpenLocalDB opens whichever of the two databases exist. Returns nil when
// neither could be opened so the caller can leave this stage out of the
// chain entirely.
func OpenLocalDB(logger zerolog.Logger, cityPath, asnPath string) *LocalDB {
	db := &LocalDB{logger: logger}

	if cityPath != "" {
		r, err := geoip2.Open(cityPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cityPath).Msg("City database unavailable")
		} else {
			db.city = r
		}
	}
	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", asnPath).Msg("ASN database unavailable")
		} else {
			db.asn = r
		}
	}

	if db.city == nil && db.asn == nil {
		return nil
	}
	return db
}

func (db *LocalDB) Name() string { return "local-db" }

// TryResolve performs the binary-indexed range lookup. An address absent
// from the City database is a miss so the chain continues.
func (db *LocalDB) TryResolve(_ context.Context, ip netip.Addr) (*domain.GeoInfo, error) {
	netIP := net.IP(ip.Unmap().AsSlice())

	info := &domain.GeoInfo{Source: domain.SourceLocalDB}

	if db.city != nil {
		rec, err := db.city.City(netIP)
		if err != nil {
			return nil, err
		}
		info.Country = rec.Country.Names["en"]
		info.City = rec.City.Names["en"]
	}

	if db.asn != nil {
		if rec, err := db.asn.ASN(netIP); err == nil {
			info.Org = rec.AutonomousSystemOrganization
		}
	}

	if info.Country == "" && info.Org == "" {
		return nil, nil
	}
	return info, nil
}

// Close closes the underlying database readers.
func (db *LocalDB) Close() {
	if db.city != nil {
		db.city.Close()
	}
	if db.asn != nil {
		db.asn.Close()
	}
}
