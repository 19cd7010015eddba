// Package classify tags connections as domestic or foreign relative to the
// operator's own country.
package classify

import (
	"strings"

	"connwatch/internal/domain"
	"connwatch/internal/geo"
)

// Classify applies the classification rule: private and reserved remote
// addresses are always domestic regardless of geo data; otherwise the
// resolved country is compared case-insensitively against the operator
// country. An unknown country classifies domestic — a false "foreign" is
// more disruptive to the operator than a false "domestic".
func Classify(rec domain.ConnectionRecord, info domain.GeoInfo, operatorCountry string) domain.Classification {
	if geo.IsPrivateOrReserved(rec.RemoteIP()) {
		return domain.Domestic
	}

	if info.Country == domain.UnknownCountry || info.Country == "" {
		return domain.Domestic
	}

	if strings.EqualFold(info.Country, operatorCountry) {
		return domain.Domestic
	}
	return domain.Foreign
}
