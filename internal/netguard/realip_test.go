package netguard

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRealIP(t *testing.T) {
	trusted, err := ParseTrusted([]string{"10.0.0.0/8", "2001:db8::7"})
	if err != nil {
		t.Fatalf("ParseTrusted: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"trusted proxy", "10.1.2.3:4000", "198.51.100.23", "198.51.100.23"},
		{"trusted ipv6 proxy", "[2001:db8::7]:4000", "198.51.100.24", "198.51.100.24"},
		{"direct client forging header", "203.0.113.9:5000", "192.0.2.1", "203.0.113.9:5000"},
		{"direct client without header", "203.0.113.9:5000", "", "203.0.113.9:5000"},
	}
	for _, tt := range tests {
		var gotAddr, gotHeader string
		h := RealIP(trusted)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			gotAddr = r.RemoteAddr
			gotHeader = r.Header.Get("X-Forwarded-For") + r.Header.Get("X-Real-IP")
		}))
		req := httptest.NewRequest(http.MethodGet, "/v1/track/sessions", nil)
		req.RemoteAddr = tt.remoteAddr
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
			req.Header.Set("X-Real-IP", tt.forwarded)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)

		if gotAddr != tt.want {
			t.Fatalf("%s: RemoteAddr=%q want %q", tt.name, gotAddr, tt.want)
		}
		if tt.want == tt.remoteAddr && gotHeader != "" {
			t.Fatalf("%s: forwarding headers leaked downstream: %q", tt.name, gotHeader)
		}
	}
}

func TestParseTrustedRejectsGarbage(t *testing.T) {
	for _, in := range []string{"proxy.internal", "10.0.0.0/33"} {
		if _, err := ParseTrusted([]string{in}); err == nil {
			t.Fatalf("ParseTrusted(%q) accepted", in)
		}
	}
	nets, err := ParseTrusted(nil)
	if err != nil || len(nets) != 0 {
		t.Fatalf("empty list: nets=%v err=%v", nets, err)
	}
}
