// Package metrics exposes portreeve's Prometheus instrumentation: supervisor
// restart/health counters, router request/status counters, and TLS
// issuance/renewal counters, plus the generic HealthChecker/Timer helpers
// used to build the admin listener's /health, /ready and /metrics endpoints.
//
// All metrics are registered at package init and exposed via Handler() on
// the admin listener.
package metrics
