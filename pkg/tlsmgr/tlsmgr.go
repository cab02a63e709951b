// Package tlsmgr is the TLS materializer: an in-memory hostname->certificate
// cache warmed from disk on boot, an ACME HTTP-01 challenge store, an
// Issue/renew path that shells out to an external ACME client binary, and the
// SNI bundle the HTTPS listener's tls.Config consults.
//
// The ACME client is invoked as a subprocess (certbot's CLI contract)
// deliberately, not linked in-process: portreeve treats certificate issuance
// as an external collaborator the same way it treats the admin REST facade.
package tlsmgr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/apperr"
	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/metrics"
)

const (
	renewalInterval  = 12 * time.Hour
	renewalThreshold = 30 * 24 * time.Hour
	fallbackValidity = 90 * 24 * time.Hour
)

// Config points the materializer at its on-disk layout and the ACME client.
type Config struct {
	LetsEncryptDir string // "<letsencrypt-dir>/<hostname>/{fullchain,privkey}.pem"
	WebrootDir     string // "<webroot>/.well-known/acme-challenge/<token>"
	ACMEClientPath string // e.g. "/usr/bin/certbot"
	Email          string // CERTBOT_EMAIL; falls back to admin@<hostname> per-issue
	Staging        bool   // NODE_ENV != "production"
}

// entry is the runtime cache record for one hostname.
type entry struct {
	hostname  string
	certFile  string
	keyFile   string
	expiresAt time.Time
	cert      tls.Certificate
}

// Manager owns the certificate cache and the pending-challenge map.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	challengeMu sync.RWMutex
	challenges  map[string]string // token -> key authorization

	stopCh chan struct{}
}

// New constructs a Manager. Call LoadAll to warm the cache from disk.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     log.WithComponent("tlsmgr"),
		entries:    make(map[string]*entry),
		challenges: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// LoadAll attempts to load a cert/key pair for every hostname in hostnames.
// Misses are tolerated: that hostname simply won't be in the SNI bundle.
func (m *Manager) LoadAll(hostnames []string) {
	for _, h := range hostnames {
		if err := m.load(h); err != nil {
			m.logger.Warn().Str("hostname", h).Err(err).Msg("no certificate on disk for domain")
		}
	}
}

func (m *Manager) load(hostname string) error {
	certPath := filepath.Join(m.cfg.LetsEncryptDir, hostname, "fullchain.pem")
	keyPath := filepath.Join(m.cfg.LetsEncryptDir, hostname, "privkey.pem")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}

	expiresAt := parseExpiry(certPath)

	m.mu.Lock()
	m.entries[hostname] = &entry{
		hostname:  hostname,
		certFile:  certPath,
		keyFile:   keyPath,
		expiresAt: expiresAt,
		cert:      cert,
	}
	m.mu.Unlock()

	metrics.CertExpirySeconds.WithLabelValues(hostname).Set(time.Until(expiresAt).Seconds())
	return nil
}

// parseExpiry reads notAfter from the leaf certificate's PEM, falling back to
// now+90 days if the file can't be read or parsed.
func parseExpiry(certPath string) time.Time {
	fallback := time.Now().Add(fallbackValidity)
	data, err := os.ReadFile(certPath)
	if err != nil {
		return fallback
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return fallback
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fallback
	}
	return cert.NotAfter
}

// Lookup implements ingress.CertStore.
func (m *Manager) Lookup(hostname string) (tls.Certificate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[hostname]
	if !ok {
		return tls.Certificate{}, false
	}
	return e.cert, true
}

// KeyAuth implements ingress.ChallengeResolver.
func (m *Manager) KeyAuth(token string) (string, bool) {
	m.challengeMu.RLock()
	defer m.challengeMu.RUnlock()
	keyAuth, ok := m.challenges[token]
	return keyAuth, ok
}

// SetChallenge records a pending HTTP-01 challenge.
func (m *Manager) SetChallenge(token, keyAuth string) {
	m.challengeMu.Lock()
	m.challenges[token] = keyAuth
	m.challengeMu.Unlock()
}

// ClearChallenge removes a challenge on success or timeout.
func (m *Manager) ClearChallenge(token string) {
	m.challengeMu.Lock()
	delete(m.challenges, token)
	m.challengeMu.Unlock()
}

// Issue requests a new certificate for hostname via the external ACME
// client and adds it to the cache on success.
func (m *Manager) Issue(ctx context.Context, hostname string) error {
	challengeDir := filepath.Join(m.cfg.WebrootDir, ".well-known", "acme-challenge")
	if err := os.MkdirAll(challengeDir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindSslIssuanceFailed, "create webroot challenge directory", err)
	}

	email := m.cfg.Email
	if email == "" {
		email = "admin@" + hostname
	}

	args := []string{
		"certonly",
		"--webroot", "-w", m.cfg.WebrootDir,
		"-d", hostname,
		"--non-interactive", "--agree-tos",
		"--email", email,
	}
	if m.cfg.Staging {
		args = append(args, "--staging")
	}

	cmd := exec.CommandContext(ctx, m.cfg.ACMEClientPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		metrics.CertIssuanceTotal.WithLabelValues("failure").Inc()
		return apperr.Wrap(apperr.KindSslIssuanceFailed, fmt.Sprintf("acme client: %s", string(output)), err)
	}

	if err := m.load(hostname); err != nil {
		metrics.CertIssuanceTotal.WithLabelValues("failure").Inc()
		return apperr.Wrap(apperr.KindSslIssuanceFailed, "load issued certificate", err)
	}

	metrics.CertIssuanceTotal.WithLabelValues("success").Inc()
	m.logger.Info().Str("hostname", hostname).Msg("certificate issued")
	return nil
}

// renew invokes certbot's renew subcommand scoped to one hostname.
func (m *Manager) renew(ctx context.Context, hostname string) error {
	cmd := exec.CommandContext(ctx, m.cfg.ACMEClientPath, "renew", "--cert-name", hostname, "--non-interactive")
	output, err := cmd.CombinedOutput()
	if err != nil {
		metrics.CertRenewalTotal.WithLabelValues("failure").Inc()
		return apperr.Wrap(apperr.KindSslIssuanceFailed, fmt.Sprintf("acme renew: %s", string(output)), err)
	}
	if err := m.load(hostname); err != nil {
		metrics.CertRenewalTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.CertRenewalTotal.WithLabelValues("success").Inc()
	return nil
}

// RunRenewalLoop scans the cache every 12 hours and renews entries within 30
// days of expiry. It blocks until ctx is cancelled or Shutdown is called.
func (m *Manager) RunRenewalLoop(ctx context.Context) {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.renewDue(ctx)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) renewDue(ctx context.Context) {
	m.mu.RLock()
	due := make([]string, 0)
	now := time.Now()
	for hostname, e := range m.entries {
		if e.expiresAt.Sub(now) < renewalThreshold {
			due = append(due, hostname)
		}
	}
	m.mu.RUnlock()

	for _, hostname := range due {
		if err := m.renew(ctx, hostname); err != nil {
			m.logger.Error().Str("hostname", hostname).Err(err).Msg("certificate renewal failed, will retry next tick")
			continue
		}
		m.logger.Info().Str("hostname", hostname).Msg("certificate renewed")
	}
}

// Shutdown stops the renewal loop.
func (m *Manager) Shutdown() {
	close(m.stopCh)
}

// Hostnames returns every hostname currently holding a loaded certificate,
// for building the HTTPS listener's SNI bundle.
func (m *Manager) Hostnames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for h := range m.entries {
		out = append(out, h)
	}
	return out
}
