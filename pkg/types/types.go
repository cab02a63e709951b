// Package types holds the record shapes shared across portreeve's metadata store,
// supervisor and router. These are the strongly-typed views that pkg/codec's
// Object values decode into.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Domain is a hostname routed to a Project.
//
// Invariant: at any moment the hostname->domain index held by pkg/metastore is a
// bijection over the set of live domains.
type Domain struct {
	ID        uuid.UUID `json:"id"`
	Hostname  string    `json:"hostname"`
	ProjectID uuid.UUID `json:"project_id"`
	SSL       bool      `json:"ssl_enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectStatus is the supervisor-owned lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectStopped  ProjectStatus = "stopped"
	ProjectStarting ProjectStatus = "starting"
	ProjectRunning  ProjectStatus = "running"
	ProjectError    ProjectStatus = "error"
)

// Project is a deployed backend binary.
//
// Invariant: status transitions are serialized by the supervisor; pid is present
// iff status is starting or running.
type Project struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	BinaryPath string        `json:"binary_path"`
	SocketPath string        `json:"socket_path"`
	Status     ProjectStatus `json:"status"`
	PID        int           `json:"pid,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// CertificateEntry mirrors the on-disk cert/key pair for one hostname.
type CertificateEntry struct {
	Hostname  string
	CertFile  string
	KeyFile   string
	ExpiresAt time.Time
}

// PendingChallenge is an ACME HTTP-01 challenge awaiting validation.
type PendingChallenge struct {
	Token     string
	KeyAuth   string
	Hostname  string
	CreatedAt time.Time
}
