package geo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubResolver struct {
	rec   *Record
	err   error
	calls int
	delay time.Duration
}

func (s *stubResolver) Lookup(ctx context.Context, ip string) (*Record, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.rec, s.err
}

func TestHTTPResolverParsesProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/8.8.8.8/json/" {
			t.Errorf("path=%q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"ip": "8.8.8.8",
			"city": "Mountain View",
			"region": "California",
			"country_name": "United States",
			"country_code": "US",
			"postal": "94043",
			"latitude": 37.42,
			"longitude": -122.08,
			"timezone": "America/Los_Angeles",
			"org": "GOOGLE",
			"security": {"proxy": false, "vpn": true, "tor": false}
		}`)
	}))
	defer srv.Close()

	rec, err := NewHTTPResolver(srv.URL, "", time.Second).Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.City != "Mountain View" || rec.Country != "United States" || rec.ISP != "GOOGLE" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timezone != "America/Los_Angeles" || !rec.HasCoords {
		t.Fatalf("timezone=%q coords=%v", rec.Timezone, rec.HasCoords)
	}
	if rec.VPN == nil || !*rec.VPN {
		t.Fatalf("vpn not decoded: %+v", rec.VPN)
	}
	if rec.Proxy == nil || *rec.Proxy {
		t.Fatalf("proxy not decoded: %+v", rec.Proxy)
	}
}

func TestHTTPResolverWithoutSecurityBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ip":"1.1.1.1","country_name":"Australia","timezone":"Australia/Sydney"}`)
	}))
	defer srv.Close()

	rec, err := NewHTTPResolver(srv.URL, "", time.Second).Lookup(context.Background(), "1.1.1.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Proxy != nil || rec.VPN != nil || rec.Tor != nil {
		t.Fatalf("absent security block must stay unknown: %+v", rec)
	}
	if rec.HasCoords {
		t.Fatalf("coords should be absent")
	}
}

func TestHTTPResolverProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": true, "reason": "RateLimited"}`)
	}))
	defer srv.Close()

	if _, err := NewHTTPResolver(srv.URL, "", time.Second).Lookup(context.Background(), "1.1.1.1"); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestHTTPResolverStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewHTTPResolver(srv.URL, "", time.Second).Lookup(context.Background(), "1.1.1.1"); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestServiceResolveSkipsPrivate(t *testing.T) {
	stub := &stubResolver{rec: &Record{Country: "X"}}
	svc := NewService(stub, time.Second, testLogger())

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "::1", "", "garbage"} {
		if rec := svc.Resolve(context.Background(), ip); rec != nil {
			t.Fatalf("Resolve(%q) = %+v, want nil", ip, rec)
		}
	}
	if stub.calls != 0 {
		t.Fatalf("resolver called %d times for private addresses", stub.calls)
	}
}

func TestServiceResolveFailsOpen(t *testing.T) {
	svc := NewService(&stubResolver{err: errors.New("boom")}, time.Second, testLogger())
	if rec := svc.Resolve(context.Background(), "8.8.8.8"); rec != nil {
		t.Fatalf("got %+v, want nil on error", rec)
	}

	var nilSvc *Service
	if rec := nilSvc.Resolve(context.Background(), "8.8.8.8"); rec != nil {
		t.Fatalf("nil service must resolve to nil")
	}
}

func TestServiceResolveTimeout(t *testing.T) {
	stub := &stubResolver{rec: &Record{Country: "X"}, delay: time.Second}
	svc := NewService(stub, 20*time.Millisecond, testLogger())

	start := time.Now()
	if rec := svc.Resolve(context.Background(), "8.8.8.8"); rec != nil {
		t.Fatalf("got %+v, want nil after timeout", rec)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout not applied, took %s", elapsed)
	}
}

func TestChainResolver(t *testing.T) {
	first := &stubResolver{err: errors.New("down")}
	second := &stubResolver{rec: &Record{Country: "Germany", Source: "maxmind"}}
	third := &stubResolver{rec: &Record{Country: "never"}}

	rec, err := ChainResolver{first, second, third}.Lookup(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Country != "Germany" {
		t.Fatalf("country=%q want Germany", rec.Country)
	}
	if third.calls != 0 {
		t.Fatalf("chain continued after success")
	}

	_, err = ChainResolver{first, &stubResolver{}}.Lookup(context.Background(), "8.8.8.8")
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("err=%v want ErrNoData in chain", err)
	}
}

func TestWithFallbackPrefersOnlineSecurityData(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"ip":"185.220.101.1","country_name":"Germany","security":{"proxy":false,"vpn":false,"tor":true}}`)
	}))
	defer srv.Close()

	offline := &stubResolver{rec: &Record{Country: "Germany", Source: "maxmind"}}
	chain := WithFallback(NewHTTPResolver(srv.URL, "", time.Second), offline)

	rec, err := chain.Lookup(context.Background(), "185.220.101.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Tor == nil || !*rec.Tor {
		t.Fatalf("tor flag from online provider lost: %+v", rec)
	}
	if offline.calls != 0 {
		t.Fatalf("offline consulted while online answered")
	}

	down.Store(true)
	rec, err = chain.Lookup(context.Background(), "185.220.101.1")
	if err != nil || rec.Source != "maxmind" {
		t.Fatalf("fallback rec=%+v err=%v", rec, err)
	}
}

func TestCheckTimezoneMatch(t *testing.T) {
	tests := []struct {
		ip, device string
		want       TimezoneCheck
	}{
		{"", "", TimezoneCheck{Match: true}},
		{"Europe/Berlin", "", TimezoneCheck{Match: true}},
		{"", "Europe/Berlin", TimezoneCheck{Match: true}},
		{"Europe/Berlin", "Europe/Berlin", TimezoneCheck{Match: true}},
		{"Europe/Berlin", "America/New_York", TimezoneCheck{Match: false, Suspicious: true}},
	}
	for _, tt := range tests {
		if got := CheckTimezoneMatch(tt.ip, tt.device); got != tt.want {
			t.Fatalf("CheckTimezoneMatch(%q, %q) = %+v want %+v", tt.ip, tt.device, got, tt.want)
		}
	}
}
