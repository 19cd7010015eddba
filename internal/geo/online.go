package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"connwatch/internal/domain"
)

const maxResponseBytes = 1 << 20

// Service is one online lookup endpoint with its own URL shape and
// field-name mapping.
type Service struct {
	Name  string
	URL   func(ip string) string
	Parse func(body []byte) (domain.GeoInfo, bool)
}

// ipAPIResponse is the ip-api.com JSON shape. The "as" field carries the
// ASN organization; "org" is a fallback.
type ipAPIResponse struct {
	Status  string `json:"status"`
	City    string `json:"city"`
	Country string `json:"country"`
	Org     string `json:"org"`
	AS      string `json:"as"`
}

// ipInfoResponse is the ipinfo.io JSON shape. Country is an ISO code.
type ipInfoResponse struct {
	City    string `json:"city"`
	Country string `json:"country"`
	Org     string `json:"org"`
}

// DefaultServices returns the lookup services in preference order.
func DefaultServices() []Service {
	return []Service{
		{
			Name: "ip-api.com",
			URL: func(ip string) string {
				return fmt.Sprintf("http://ip-api.com/json/%s?fields=status,city,country,org,as", ip)
			},
			Parse: func(body []byte) (domain.GeoInfo, bool) {
				var r ipAPIResponse
				if err := json.Unmarshal(body, &r); err != nil || r.Status != "success" || r.Country == "" {
					return domain.GeoInfo{}, false
				}
				org := r.AS
				if org == "" {
					org = r.Org
				}
				return domain.GeoInfo{City: r.City, Country: r.Country, Org: org}, true
			},
		},
		{
			Name: "ipinfo.io",
			URL: func(ip string) string {
				return fmt.Sprintf("https://ipinfo.io/%s/json", ip)
			},
			Parse: func(body []byte) (domain.GeoInfo, bool) {
				var r ipInfoResponse
				if err := json.Unmarshal(body, &r); err != nil || r.Country == "" {
					return domain.GeoInfo{}, false
				}
				return domain.GeoInfo{City: r.City, Country: r.Country, Org: r.Org}, true
			},
		},
	}
}

// OnlineResolver tries each lookup service in turn with a short timeout.
// All failures (timeout, malformed response, HTTP error) are swallowed and
// the next service is tried. Calls are gated by a token bucket: when tokens
// are exhausted the resolver reports a miss immediately rather than queuing,
// keeping the refresh loop's latency bounded.
type OnlineResolver struct {
	services []Service
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewOnlineResolver creates the resolver. With no explicit services the
// default set is used.
func NewOnlineResolver(logger zerolog.Logger, timeout time.Duration, limiter *rate.Limiter, services ...Service) *OnlineResolver {
	if len(services) == 0 {
		services = DefaultServices()
	}
	return &OnlineResolver{
		services: services,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		logger:   logger,
	}
}

// NewRateLimiter builds the token bucket gating online calls: at most n
// calls per rolling window, with a burst of n.
func NewRateLimiter(n int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

func (o *OnlineResolver) Name() string { return "online" }

func (o *OnlineResolver) TryResolve(ctx context.Context, ip netip.Addr) (*domain.GeoInfo, error) {
	if o.limiter != nil && !o.limiter.Allow() {
		o.logger.Debug().Str("ip", ip.String()).Msg("Online lookup rate limit exhausted")
		return nil, nil
	}

	key := ip.Unmap().String()
	for _, svc := range o.services {
		info, err := o.query(ctx, svc, key)
		if err != nil {
			o.logger.Debug().Err(err).Str("service", svc.Name).Str("ip", key).Msg("Online lookup failed")
			continue
		}
		return info, nil
	}
	return nil, nil
}

func (o *OnlineResolver) query(ctx context.Context, svc Service, ip string) (*domain.GeoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL(ip), nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", svc.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	info, ok := svc.Parse(body)
	if !ok {
		return nil, fmt.Errorf("%s returned unusable response", svc.Name)
	}

	info.Source = domain.SourceOnlineAPI
	return &info, nil
}

// DetectCountry resolves the operator's own country by asking the primary
// lookup service about the caller's public address. Used once per session;
// an explicit override in config bypasses this entirely.
func DetectCountry(ctx context.Context, timeout time.Duration) (string, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://ip-api.com/json/?fields=status,country", nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("self-lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	var r ipAPIResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", err
	}
	if r.Status != "success" || r.Country == "" {
		return "", fmt.Errorf("self-lookup failed")
	}
	return r.Country, nil
}
