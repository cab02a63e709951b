// Package health provides the HTTP health checker the supervisor polls over
// each project's Unix socket, plus the consecutive-failure/success accounting
// (Status, Config) that turns a stream of individual check results into a
// healthy/unhealthy verdict.
//
// A single unhealthy observation never by itself restarts a project; only a
// child process exit does. Unhealthy status is recorded and surfaced through
// the admin API so operators can see it.
package health
