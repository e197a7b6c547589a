package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultProviderURL = "https://ipapi.co"
	maxResponseLen     = 64 << 10
)

// HTTPResolver queries an ipapi-style JSON endpoint:
// GET {base}/{ip}/json/ or GET {base}/json/ for the caller's own address.
type HTTPResolver struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPResolver creates a provider client. baseURL defaults to ipapi.co.
func NewHTTPResolver(baseURL, apiKey string, timeout time.Duration) *HTTPResolver {
	if baseURL == "" {
		baseURL = defaultProviderURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// providerResponse is the provider's JSON document.
type providerResponse struct {
	IP          string   `json:"ip"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	Country     string   `json:"country"`
	CountryName string   `json:"country_name"`
	CountryCode string   `json:"country_code"`
	Postal      string   `json:"postal"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Timezone    string   `json:"timezone"`
	Org         string   `json:"org"`
	ISP         string   `json:"isp"`
	Security    *struct {
		Proxy *bool `json:"proxy"`
		VPN   *bool `json:"vpn"`
		Tor   *bool `json:"tor"`
	} `json:"security"`

	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// Lookup implements Resolver.
func (c *HTTPResolver) Lookup(ctx context.Context, ip string) (*Record, error) {
	endpoint := c.baseURL + "/json/"
	if ip != "" {
		endpoint = c.baseURL + "/" + url.PathEscape(ip) + "/json/"
	}
	if c.apiKey != "" {
		endpoint += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("geo: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))
	if err != nil {
		return nil, fmt.Errorf("geo: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geo: provider returned status %d", resp.StatusCode)
	}

	var pr providerResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("geo: decode response: %w", err)
	}
	if pr.Error {
		return nil, fmt.Errorf("geo: provider error: %s", pr.Reason)
	}

	rec := &Record{
		IP:          pr.IP,
		Country:     pr.CountryName,
		CountryCode: pr.CountryCode,
		Region:      pr.Region,
		City:        pr.City,
		ISP:         pr.Org,
		Timezone:    pr.Timezone,
		PostalCode:  pr.Postal,
		Source:      "http",
	}
	if rec.Country == "" {
		rec.Country = pr.Country
	}
	if rec.ISP == "" {
		rec.ISP = pr.ISP
	}
	if pr.Latitude != nil && pr.Longitude != nil {
		rec.Latitude, rec.Longitude, rec.HasCoords = *pr.Latitude, *pr.Longitude, true
	}
	if pr.Security != nil {
		rec.Proxy, rec.VPN, rec.Tor = pr.Security.Proxy, pr.Security.VPN, pr.Security.Tor
	}
	if rec.IP == "" {
		rec.IP = ip
	}
	return rec, nil
}
