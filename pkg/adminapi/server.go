// Package adminapi is portreeve's administrative REST facade: a thin JSON/CRUD
// surface over the Domain and Project metadata collections, the supervisor's
// process table, and the TLS materializer's issuance path. Every request
// carries an X-API-Key header checked with a constant-time compare; every
// response is the same envelope, {"success":bool,"data"?:T,"error"?:string}.
//
// Routing is net/http's own ServeMux with Go 1.22's method/path-parameter
// patterns ("POST /api/processes/{id}/start"): the surface is documented as
// out-of-scope glue, not a specified subsystem, so it gets no router
// dependency beyond the standard library.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/apperr"
	"github.com/cuemby/portreeve/pkg/events"
	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/supervisor"
	"github.com/cuemby/portreeve/pkg/tlsmgr"
	"github.com/cuemby/portreeve/pkg/types"
)

// maxUploadBytes bounds a project binary upload; large enough for any
// reasonable static binary, small enough to not let a client stall the
// server buffering an unbounded multipart body.
const maxUploadBytes = 512 << 20

// Server is the admin REST facade. It holds no state of its own; the event
// backlog GET /api/events serves lives in the broker it was built with.
type Server struct {
	apiKey      string
	domains     *metastore.Domains
	projects    *metastore.Projects
	supervisor  *supervisor.Supervisor
	tls         *tlsmgr.Manager
	broker      *events.Broker
	projectsDir string
	logger      zerolog.Logger
}

// Config bundles Server's collaborators.
type Config struct {
	APIKey      string
	Domains     *metastore.Domains
	Projects    *metastore.Projects
	Supervisor  *supervisor.Supervisor
	TLS         *tlsmgr.Manager
	Broker      *events.Broker
	ProjectsDir string
}

// NewServer builds the admin API's handler tree. Call Handler to mount it.
func NewServer(cfg Config) *Server {
	s := &Server{
		apiKey:      cfg.APIKey,
		domains:     cfg.Domains,
		projects:    cfg.Projects,
		supervisor:  cfg.Supervisor,
		tls:         cfg.TLS,
		broker:      cfg.Broker,
		projectsDir: cfg.ProjectsDir,
		logger:      log.WithComponent("adminapi"),
	}
	return s
}

// Handler returns the mux, wrapped in the API-key auth middleware. /api/health
// is exempt so liveness probes don't need the key.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/domains", s.handleListDomains)
	mux.HandleFunc("POST /api/domains", s.handleCreateDomain)
	mux.HandleFunc("GET /api/domains/{id}", s.handleGetDomain)
	mux.HandleFunc("PUT /api/domains/{id}", s.handleUpdateDomain)
	mux.HandleFunc("DELETE /api/domains/{id}", s.handleDeleteDomain)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)

	mux.HandleFunc("GET /api/processes", s.handleListProcesses)
	mux.HandleFunc("POST /api/processes/{id}/start", s.handleProcessStart)
	mux.HandleFunc("POST /api/processes/{id}/stop", s.handleProcessStop)
	mux.HandleFunc("POST /api/processes/{id}/restart", s.handleProcessRestart)

	mux.HandleFunc("POST /api/ssl/{hostname}/generate", s.handleSSLGenerate)

	mux.HandleFunc("GET /api/events", s.handleListEvents)

	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("X-API-Key"))
		want := []byte(s.apiKey)
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "bad api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope is the response shape every endpoint writes.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// writeErr maps an error to a status via apperr, with the metastore and
// supervisor not-found sentinels special-cased to 404 and the
// already-running/not-running sentinels to 409, since those packages return
// plain sentinel errors rather than *apperr.Error.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, metastore.ErrNotFound), errors.Is(err, supervisor.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, apperr.Status(err), err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- domains ---

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.domains.List())
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	dom, ok := s.domains.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	writeJSON(w, http.StatusOK, dom)
}

type domainRequest struct {
	Hostname  string `json:"hostname"`
	ProjectID string `json:"project_id"`
	SSL       bool   `json:"ssl_enabled"`
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !validHostname(req.Hostname) {
		writeError(w, http.StatusBadRequest, "hostname must be a valid ASCII DNS-like name")
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project_id")
		return
	}
	if _, ok := s.domains.GetByHostname(req.Hostname); ok {
		writeError(w, http.StatusConflict, "hostname already routed")
		return
	}
	dom, err := s.domains.Create(types.Domain{Hostname: req.Hostname, ProjectID: projectID, SSL: req.SSL})
	if err != nil {
		writeErr(w, err)
		return
	}
	s.broker.Publish(&events.Event{
		Type:     events.EventDomainCreated,
		Message:  fmt.Sprintf("domain %s created", dom.Hostname),
		Metadata: map[string]string{"id": dom.ID.String()},
	})
	writeJSON(w, http.StatusCreated, dom)
}

func (s *Server) handleUpdateDomain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, ok := s.domains.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	var req domainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	updated := *existing
	if req.Hostname != "" {
		if !validHostname(req.Hostname) {
			writeError(w, http.StatusBadRequest, "hostname must be a valid ASCII DNS-like name")
			return
		}
		updated.Hostname = req.Hostname
	}
	if req.ProjectID != "" {
		projectID, err := uuid.Parse(req.ProjectID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid project_id")
			return
		}
		updated.ProjectID = projectID
	}
	updated.SSL = req.SSL
	dom, err := s.domains.Update(updated)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dom)
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.domains.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	s.broker.Publish(&events.Event{
		Type:     events.EventDomainDeleted,
		Message:  "domain deleted",
		Metadata: map[string]string{"id": id.String()},
	})
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

// --- projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.projects.List())
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	proj, ok := s.projects.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

// handleCreateProject accepts multipart/form-data with fields "name" and
// "binary" per spec, writes the uploaded binary to <projects-dir>/<id> with
// mode 0755, and persists the project record.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	name := r.FormValue("name")
	if !validProjectName(name) {
		writeError(w, http.StatusBadRequest, "name must be 1-63 bytes, starting with a letter or digit, and otherwise alphanumeric, '_' or '-'")
		return
	}
	file, _, err := r.FormFile("binary")
	if err != nil {
		writeError(w, http.StatusBadRequest, "binary file is required")
		return
	}
	defer file.Close()

	id := uuid.New()
	binaryPath := filepath.Join(s.projectsDir, id.String())
	if err := os.MkdirAll(s.projectsDir, 0o755); err != nil {
		writeErr(w, apperr.Wrap(apperr.KindInternal, "create projects dir", err))
		return
	}
	out, err := os.OpenFile(binaryPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.KindInternal, "create binary file", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeErr(w, apperr.Wrap(apperr.KindInternal, "write binary file", err))
		return
	}
	out.Close()

	proj, err := s.projects.Create(types.Project{
		ID:         id,
		Name:       name,
		BinaryPath: binaryPath,
		SocketPath: filepath.Join(filepath.Dir(s.projectsDir), "sockets", id.String()+".sock"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, running := s.supervisor.Handle(id); running {
		writeError(w, http.StatusConflict, "stop the project before deleting it")
		return
	}
	if err := s.projects.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

// --- processes ---

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Handles())
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.supervisor.Start(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "started"})
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.supervisor.Stop(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "stopped"})
}

func (s *Server) handleProcessRestart(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.supervisor.Restart(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "restarted"})
}

// --- ssl ---

// handleSSLGenerate issues a certificate for hostname, then flips the
// matching domain's ssl_enabled bit so the domain record agrees with the
// certificate cache. SNI lookups see the certificate as soon as Issue has
// loaded it into that cache.
func (s *Server) handleSSLGenerate(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	if hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if err := s.tls.Issue(r.Context(), hostname); err != nil {
		writeErr(w, err)
		return
	}
	if dom, ok := s.domains.GetByHostname(hostname); ok && !dom.SSL {
		updated := *dom
		updated.SSL = true
		if _, err := s.domains.Update(updated); err != nil {
			s.logger.Error().Err(err).Str("hostname", hostname).Msg("issued certificate but failed to flip domain ssl_enabled")
		}
	}
	s.broker.Publish(&events.Event{
		Type:     events.EventCertificateIssued,
		Message:  fmt.Sprintf("certificate issued for %s", hostname),
		Metadata: map[string]string{"hostname": hostname},
	})
	writeJSON(w, http.StatusOK, map[string]string{"hostname": hostname, "status": "issued"})
}

// --- events ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.History())
}
