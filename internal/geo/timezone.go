package geo

import "strings"

// TimezoneCheck is the result of comparing the IP's timezone with the
// device's own.
type TimezoneCheck struct {
	Match      bool `json:"match"`
	Suspicious bool `json:"suspicious"`
}

// CheckTimezoneMatch compares IANA zone names. Missing data on either side
// is given the benefit of the doubt.
func CheckTimezoneMatch(ipTimezone, deviceTimezone string) TimezoneCheck {
	ipTimezone = strings.TrimSpace(ipTimezone)
	deviceTimezone = strings.TrimSpace(deviceTimezone)
	if ipTimezone == "" || deviceTimezone == "" {
		return TimezoneCheck{Match: true}
	}
	match := strings.EqualFold(ipTimezone, deviceTimezone)
	return TimezoneCheck{Match: match, Suspicious: !match}
}
