package tls

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestAllowCertOnlyConfiguredDomains(t *testing.T) {
	cm := NewCertManager(Options{Domains: []string{"Risk.Clinic.example", " "}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := cm.allowCert(context.Background(), "risk.clinic.example"); err != nil {
		t.Fatalf("configured domain rejected: %v", err)
	}
	if err := cm.allowCert(context.Background(), "evil.example"); err == nil {
		t.Fatalf("unknown domain allowed")
	}
	if len(cm.list) != 1 {
		t.Fatalf("domains=%v want 1", cm.list)
	}
}
