package tracker

import "github.com/clinic-ops/sentinel/internal/fingerprint"

// StartPayload is the JSON body a page submits when a session begins. The IP
// address never comes from the payload.
type StartPayload struct {
	SessionID           string             `json:"session_id"`
	UserAgent           string             `json:"user_agent"`
	Language            string             `json:"language"`
	DeviceTimezone      string             `json:"device_timezone"`
	LocalHour           *int               `json:"local_hour"`
	StorageQuota        int64              `json:"storage_quota"`
	Probes              fingerprint.Probes `json:"probes"`
	IsEmployee          bool               `json:"is_employee"`
	EmployeeID          string             `json:"employee_id"`
	FailedLoginAttempts int                `json:"failed_login_attempts"`
}

// Request converts the payload into a StartRequest for ip. An empty payload
// user agent falls back to fallbackUA, the transport's header value.
func (p StartPayload) Request(ip, fallbackUA string) StartRequest {
	ua := p.UserAgent
	if ua == "" {
		ua = fallbackUA
	}
	return StartRequest{
		SessionID:           p.SessionID,
		IPAddress:           ip,
		UserAgent:           ua,
		Language:            p.Language,
		DeviceTimezone:      p.DeviceTimezone,
		LocalHour:           p.LocalHour,
		StorageQuota:        p.StorageQuota,
		Probes:              p.Probes,
		IsEmployee:          p.IsEmployee,
		EmployeeID:          p.EmployeeID,
		FailedLoginAttempts: p.FailedLoginAttempts,
	}
}

// InputEvent is one batched input observation.
type InputEvent struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// StartResult is returned to the page after Start.
type StartResult struct {
	SessionID       string   `json:"session_id"`
	Fingerprint     string   `json:"fingerprint"`
	RiskScore       int      `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	SuspiciousFlags []string `json:"suspicious_flags"`
}

// ObserveAll applies a batch in order. It stops at the first error and
// reports how many events were accepted.
func (s *Session) ObserveAll(events []InputEvent) (int, error) {
	for i, ev := range events {
		if err := s.Observe(ev.Kind, ev.Count); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// Result summarizes the session's current assessment.
func (s *Session) Result() (StartResult, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return StartResult{}, err
	}
	flags := snap.SuspiciousFlags
	if flags == nil {
		flags = []string{}
	}
	return StartResult{
		SessionID:       snap.SessionID,
		Fingerprint:     snap.Fingerprint,
		RiskScore:       snap.RiskScore,
		RiskLevel:       string(snap.RiskLevel),
		SuspiciousFlags: flags,
	}, nil
}
