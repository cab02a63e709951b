// Package ingress is portreeve's request path: a host-based Router that
// resolves an inbound hostname to a project's Unix socket and reverse-proxies
// the request, an HTTPListener on port 80 that answers ACME HTTP-01
// challenges and redirects everything else to HTTPS, and an SNIResolver that
// the HTTPS listener's tls.Config consults on every handshake.
//
// Routing is a single lookup chain: hostname -> Domain -> Project ->
// supervisor Handle. Each stage's absence maps to a distinct status code
// (404 no domain, 502 no project or dial failure, 503 no running handle) so
// operators can tell a misconfigured domain from a crashed backend from the
// network path between portreeve and the backend.
package ingress
