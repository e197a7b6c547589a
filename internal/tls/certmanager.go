package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caddyserver/certmagic"
)

// Options configures automatic certificates.
type Options struct {
	Domains    []string
	Email      string
	Production bool
	StorageDir string
}

// CertManager manages automatic TLS certificates via certmagic for a fixed
// set of configured domains.
type CertManager struct {
	domains map[string]struct{}
	list    []string
	logger  *slog.Logger
	cfg     *certmagic.Config
}

// NewCertManager creates a CertManager. Certificates are only issued for
// names in opts.Domains.
func NewCertManager(opts Options, logger *slog.Logger) *CertManager {
	certmagic.DefaultACME.Email = opts.Email
	certmagic.DefaultACME.Agreed = true

	if !opts.Production {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}
	if opts.StorageDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: opts.StorageDir}
	}

	cfg := certmagic.NewDefault()
	cm := &CertManager{domains: make(map[string]struct{}), logger: logger, cfg: cfg}
	for _, d := range opts.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		cm.domains[d] = struct{}{}
		cm.list = append(cm.list, d)
	}

	cfg.OnDemand = &certmagic.OnDemandConfig{
		DecisionFunc: cm.allowCert,
	}

	return cm
}

// allowCert is the on-demand decision function.
func (cm *CertManager) allowCert(_ context.Context, name string) error {
	if _, ok := cm.domains[strings.ToLower(name)]; !ok {
		return fmt.Errorf("unknown domain: %s", name)
	}
	return nil
}

// Server builds an HTTPS server for handler using certmagic's TLS
// configuration, after obtaining certificates for the configured domains.
func (cm *CertManager) Server(ctx context.Context, addr string, handler http.Handler) (*http.Server, error) {
	cm.logger.Info("starting TLS server", "domains", cm.list)

	if len(cm.list) > 0 {
		if err := cm.cfg.ManageSync(ctx, cm.list); err != nil {
			return nil, fmt.Errorf("manage known domains: %w", err)
		}
	}
	if addr == "" {
		addr = fmt.Sprintf(":%d", certmagic.HTTPSPort)
	}

	tlsCfg := cm.cfg.TLSConfig()
	tlsCfg.NextProtos = append([]string{"h2", "http/1.1"}, tlsCfg.NextProtos...)
	tlsCfg.MinVersion = tls.VersionTLS12

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// TLSConfig returns the certmagic config for use with custom listeners.
func (cm *CertManager) TLSConfig() *certmagic.Config {
	return cm.cfg
}
