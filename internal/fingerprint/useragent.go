package fingerprint

import (
	"regexp"
	"strings"
)

// Browser describes what a User-Agent string claims.
type Browser struct {
	Name       string `json:"browser"`
	Version    string `json:"browser_version"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
}

var (
	edgePattern    = regexp.MustCompile(`Edg/(\d+)`)
	operaPattern   = regexp.MustCompile(`OPR/(\d+)`)
	chromePattern  = regexp.MustCompile(`Chrome/(\d+)`)
	firefoxPattern = regexp.MustCompile(`Firefox/(\d+)`)
	safariPattern  = regexp.MustCompile(`Version/(\d+).*Safari/`)
)

// ParseUserAgent extracts browser, version, OS and device type. Unknown parts
// are left empty.
func ParseUserAgent(ua string) Browser {
	var b Browser

	switch {
	case edgePattern.MatchString(ua):
		b.Name, b.Version = "Edge", edgePattern.FindStringSubmatch(ua)[1]
	case operaPattern.MatchString(ua):
		b.Name, b.Version = "Opera", operaPattern.FindStringSubmatch(ua)[1]
	case chromePattern.MatchString(ua):
		b.Name, b.Version = "Chrome", chromePattern.FindStringSubmatch(ua)[1]
	case firefoxPattern.MatchString(ua):
		b.Name, b.Version = "Firefox", firefoxPattern.FindStringSubmatch(ua)[1]
	case safariPattern.MatchString(ua):
		b.Name, b.Version = "Safari", safariPattern.FindStringSubmatch(ua)[1]
	}

	// Order matters: Android UAs contain "Linux", iOS UAs contain "Mac OS X".
	switch {
	case strings.Contains(ua, "Windows"):
		b.OS = "Windows"
	case strings.Contains(ua, "Android"):
		b.OS = "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		b.OS = "iOS"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		b.OS = "macOS"
	case strings.Contains(ua, "CrOS"):
		b.OS = "ChromeOS"
	case strings.Contains(ua, "Linux"):
		b.OS = "Linux"
	}

	switch {
	case ua == "":
	case strings.Contains(ua, "iPad"), strings.Contains(ua, "Tablet"):
		b.DeviceType = "tablet"
	case strings.Contains(ua, "Mobile"), strings.Contains(ua, "Android"), strings.Contains(ua, "iPhone"):
		b.DeviceType = "mobile"
	default:
		b.DeviceType = "desktop"
	}
	return b
}
