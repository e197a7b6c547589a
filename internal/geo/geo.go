// Package geo resolves visitor IP addresses to coarse location and network
// data. Every failure degrades to "unknown": Service.Resolve returns nil rather
// than an error, and callers must not treat nil as suspicious.
package geo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clinic-ops/sentinel/internal/netguard"
)

// ErrNoData is returned by resolvers that have nothing for an address.
var ErrNoData = errors.New("geo: no data for address")

// Record is the enrichment result for one IP.
type Record struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	HasCoords   bool    `json:"has_coords"`
	ISP         string  `json:"isp"`
	Timezone    string  `json:"timezone"`
	PostalCode  string  `json:"postal"`

	// Nil when the provider does not report the attribute.
	Proxy *bool `json:"proxy,omitempty"`
	VPN   *bool `json:"vpn,omitempty"`
	Tor   *bool `json:"tor,omitempty"`

	Source string `json:"source"`
}

// Resolver looks up a single address. An empty ip asks the provider to
// resolve the caller's own address, where supported.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*Record, error)
}

// Service wraps a Resolver with a deadline and the fail-open policy.
type Service struct {
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a geolocation service. A nil resolver yields a service
// that always reports unknown.
func NewService(resolver Resolver, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{resolver: resolver, timeout: timeout, logger: logger}
}

// Resolve returns the record for ip, or nil when the address is private, the
// provider fails, or the lookup exceeds the configured timeout.
func (s *Service) Resolve(ctx context.Context, ip string) *Record {
	if s == nil || s.resolver == nil {
		return nil
	}
	if !netguard.Routable(ip) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.resolver.Lookup(ctx, netguard.NormalizeIP(ip))
	if err != nil {
		s.logger.Warn("geo lookup failed", "ip", ip, "err", err)
		return nil
	}
	return rec
}

// ChainResolver tries each resolver in order and returns the first success.
type ChainResolver []Resolver

// WithFallback puts the online provider first, since only it reports proxy,
// VPN and Tor use, and answers from offline when online fails.
func WithFallback(online, offline Resolver) ChainResolver {
	return ChainResolver{online, offline}
}

// Lookup implements Resolver.
func (c ChainResolver) Lookup(ctx context.Context, ip string) (*Record, error) {
	var errs []error
	for _, r := range c {
		rec, err := r.Lookup(ctx, ip)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err == nil {
			err = ErrNoData
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrNoData
	}
	return nil, errors.Join(errs...)
}
