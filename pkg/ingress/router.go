// Package ingress implements portreeve's request path: the HTTPS listener's
// host-based router and reverse proxy, the HTTP listener's ACME-challenge/
// redirect handling, and the SNI certificate bundle the two share.
package ingress

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/metrics"
	"github.com/cuemby/portreeve/pkg/supervisor"
)

// Router resolves an inbound request's Host header to a backend Unix socket
// and proxies the request end-to-end. Failures map to status codes: no
// domain -> 404, no project -> 502, no running handle -> 503, dial/upstream
// failure -> 502.
type Router struct {
	domains    *metastore.Domains
	projects   *metastore.Projects
	supervisor *supervisor.Supervisor
	logger     zerolog.Logger
}

// NewRouter builds a Router over the given collections and supervisor.
func NewRouter(domains *metastore.Domains, projects *metastore.Projects, sup *supervisor.Supervisor) *Router {
	return &Router{
		domains:    domains,
		projects:   projects,
		supervisor: sup,
		logger:     log.WithComponent("ingress.router"),
	}
}

// ServeHTTP is the HTTPS (and HTTP, post-redirect) listener's handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := normalizeHost(r.Host)
	timer := metrics.NewTimer()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.RouterRequestsTotal.WithLabelValues(host, fmt.Sprintf("%d", rec.status)).Inc()
		timer.ObserveDurationVec(metrics.RouterRequestDuration, host)
	}()

	dom, ok := rt.domains.GetByHostname(host)
	if !ok {
		http.Error(rec, "no such domain", http.StatusNotFound)
		return
	}

	proj, ok := rt.projects.Get(dom.ProjectID)
	if !ok {
		rt.logger.Warn().Str("hostname", host).Str("project_id", dom.ProjectID.String()).Msg("domain references missing project")
		http.Error(rec, "upstream project missing", http.StatusBadGateway)
		return
	}

	handle, ok := rt.supervisor.Handle(proj.ID)
	if !ok {
		http.Error(rec, "upstream not running", http.StatusServiceUnavailable)
		return
	}

	proxy := newSocketProxy(handle.SocketPath, r, rt.logger)
	proxy.ServeHTTP(rec, r)
}

// statusRecorder captures the status code written through it so ServeHTTP
// can label the request-count metric after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying ResponseWriter so websocket
// upgrades proxied through httputil.ReverseProxy keep working.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijackable
	}
	return hijacker.Hijack()
}

var errNotHijackable = fmt.Errorf("ingress: underlying ResponseWriter does not support hijacking")

// newSocketProxy builds a one-shot reverse proxy dialing socketPath. One-shot
// construction keeps each request's forwarded-header computation local; each
// request also gets its own transport, so backend connections are not reused
// across requests.
func newSocketProxy(socketPath string, inbound *http.Request, logger zerolog.Logger) *httputil.ReverseProxy {
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}

	clientIP := forwardedFor(inbound)
	scheme := "http"
	if inbound.TLS != nil {
		scheme = "https"
	}
	host := inbound.Host

	return &httputil.ReverseProxy{
		Transport: transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = "backend.sock"
			req.Header.Set("X-Forwarded-For", clientIP)
			req.Header.Set("X-Forwarded-Host", host)
			req.Header.Set("X-Forwarded-Proto", scheme)
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Transfer-Encoding")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().Err(err).Str("socket", socketPath).Msg("proxy error")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

// forwardedFor computes the X-Forwarded-For value per spec: the leftmost hop
// of an inbound X-Forwarded-For if present, else the direct peer, else
// "unknown".
func forwardedFor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if leftmost := strings.TrimSpace(parts[0]); leftmost != "" {
			return leftmost
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
