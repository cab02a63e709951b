package ingress

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCertStore struct {
	certs map[string]tls.Certificate
}

func (f *fakeCertStore) Lookup(hostname string) (tls.Certificate, bool) {
	c, ok := f.certs[hostname]
	return c, ok
}

func TestSNIResolverResolvesKnownHostname(t *testing.T) {
	store := &fakeCertStore{certs: map[string]tls.Certificate{"a.test": {}}}
	resolver := NewSNIResolver(store)

	cert, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "A.Test"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestSNIResolverUnknownHostnameErrors(t *testing.T) {
	store := &fakeCertStore{certs: map[string]tls.Certificate{}}
	resolver := NewSNIResolver(store)

	_, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.test"})
	assert.ErrorIs(t, err, errNoCertificate)
}

func TestSNIResolverNilStoreErrors(t *testing.T) {
	resolver := &SNIResolver{}

	_, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.test"})
	assert.ErrorIs(t, err, errNoCertStore)
}

func TestSNIResolverSetStoreSwapsAtomically(t *testing.T) {
	first := &fakeCertStore{certs: map[string]tls.Certificate{"a.test": {}}}
	resolver := NewSNIResolver(first)

	second := &fakeCertStore{certs: map[string]tls.Certificate{"b.test": {}}}
	resolver.SetStore(second)

	_, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.test"})
	assert.ErrorIs(t, err, errNoCertificate)

	cert, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "b.test"})
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestTLSConfigSetsMinVersionAndCipherSuites(t *testing.T) {
	resolver := NewSNIResolver(&fakeCertStore{})
	cfg := resolver.TLSConfig()

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotEmpty(t, cfg.CipherSuites)
	assert.NotNil(t, cfg.GetCertificate)
}
