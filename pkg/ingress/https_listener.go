package ingress

import (
	"crypto/tls"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/log"
)

// CertBundle is a loaded certificate/key pair ready for tls.Config.
type CertBundle struct {
	Hostname string
	Cert     tls.Certificate
}

// CertStore is the read side of pkg/tlsmgr's in-memory cache that the HTTPS
// listener consults on every TLS handshake.
type CertStore interface {
	Lookup(hostname string) (tls.Certificate, bool)
}

// SNIResolver implements tls.Config.GetCertificate against a CertStore,
// re-reading the store on every handshake so certificate issuance/renewal
// take effect without restarting the listener.
type SNIResolver struct {
	mu     sync.RWMutex
	store  CertStore
	logger zerolog.Logger
}

// NewSNIResolver builds an SNIResolver backed by store.
func NewSNIResolver(store CertStore) *SNIResolver {
	return &SNIResolver{store: store, logger: log.WithComponent("ingress.tls")}
}

// SetStore atomically swaps the backing CertStore; later handshakes resolve
// against the new store.
func (s *SNIResolver) SetStore(store CertStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
}

// GetCertificate is a tls.Config.GetCertificate callback: it resolves the
// handshake's SNI hostname against the current CertStore.
func (s *SNIResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()

	hostname := normalizeHost(hello.ServerName)
	if store == nil {
		return nil, errNoCertStore
	}
	cert, ok := store.Lookup(hostname)
	if !ok {
		s.logger.Warn().Str("hostname", hostname).Msg("no certificate for SNI hostname")
		return nil, errNoCertificate
	}
	return &cert, nil
}

// TLSConfig returns a tls.Config wired to GetCertificate, restricted to
// TLS 1.2+ and a modern AEAD cipher suite set.
func (s *SNIResolver) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errNoCertStore   sentinelError = "ingress: no certificate store configured"
	errNoCertificate sentinelError = "ingress: no certificate for hostname"
)
