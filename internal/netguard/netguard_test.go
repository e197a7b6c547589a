package netguard

import "testing"

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.9":        "203.0.113.9",
		"203.0.113.9:443":    "203.0.113.9",
		"[2001:db8::1]:8080": "2001:db8::1",
		" 2001:DB8::1 ":      "2001:db8::1",
		"example.com":        "",
		"":                   "",
	}
	for in, want := range cases {
		if got := NormalizeIP(in); got != want {
			t.Errorf("NormalizeIP(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRoutable(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "::1", "fd00::1", "garbage"} {
		if Routable(ip) {
			t.Errorf("%s should not be routable", ip)
		}
	}
	for _, ip := range []string{"8.8.8.8", "2001:4860:4860::8888"} {
		if !Routable(ip) {
			t.Errorf("%s should be routable", ip)
		}
	}
}
