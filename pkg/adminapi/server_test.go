package adminapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portreeve/pkg/events"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/supervisor"
	"github.com/cuemby/portreeve/pkg/tlsmgr"
	"github.com/cuemby/portreeve/pkg/types"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) (*Server, *metastore.Domains, *metastore.Projects) {
	t.Helper()
	dir := t.TempDir()

	domains, err := metastore.OpenDomains(filepath.Join(dir, "domains.db"))
	require.NoError(t, err)
	t.Cleanup(func() { domains.Close() })

	projects, err := metastore.OpenProjects(filepath.Join(dir, "projects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { projects.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sup := supervisor.New(supervisor.DefaultConfig(), projects, broker)
	t.Cleanup(sup.Shutdown)

	tlsm := tlsmgr.New(tlsmgr.Config{
		LetsEncryptDir: filepath.Join(dir, "letsencrypt"),
		WebrootDir:     filepath.Join(dir, "webroot"),
		ACMEClientPath: filepath.Join(dir, "no-such-acme-client"),
	})

	srv := NewServer(Config{
		APIKey:      testAPIKey,
		Domains:     domains,
		Projects:    projects,
		Supervisor:  sup,
		TLS:         tlsm,
		Broker:      broker,
		ProjectsDir: filepath.Join(dir, "projects"),
	})
	return srv, domains, projects
}

func doRequest(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthRequiresNoAPIKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOtherRoutesRejectMissingAPIKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/domains", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndGetDomain(t *testing.T) {
	srv, _, projects := newTestServer(t)
	h := srv.Handler()

	proj, err := projects.Create(types.Project{Name: "web"})
	require.NoError(t, err)

	body, _ := json.Marshal(domainRequest{Hostname: "a.test", ProjectID: proj.ID.String(), SSL: true})
	w := doRequest(t, h, http.MethodPost, "/api/domains", bytes.NewBuffer(body), "application/json")
	require.Equal(t, http.StatusCreated, w.Code)

	var created envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.True(t, created.Success)

	w2 := doRequest(t, h, http.MethodGet, "/api/domains", nil, "")
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestCreateDomainRejectsDuplicateHostname(t *testing.T) {
	srv, _, projects := newTestServer(t)
	h := srv.Handler()

	proj, err := projects.Create(types.Project{Name: "web"})
	require.NoError(t, err)

	body, _ := json.Marshal(domainRequest{Hostname: "dup.test", ProjectID: proj.ID.String()})
	w := doRequest(t, h, http.MethodPost, "/api/domains", bytes.NewBuffer(body), "application/json")
	require.Equal(t, http.StatusCreated, w.Code)

	w2 := doRequest(t, h, http.MethodPost, "/api/domains", bytes.NewBuffer(body), "application/json")
	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestCreateDomainRejectsInvalidHostname(t *testing.T) {
	srv, _, projects := newTestServer(t)
	h := srv.Handler()

	proj, err := projects.Create(types.Project{Name: "web"})
	require.NoError(t, err)

	body, _ := json.Marshal(domainRequest{Hostname: "-not valid-", ProjectID: proj.ID.String()})
	w := doRequest(t, h, http.MethodPost, "/api/domains", bytes.NewBuffer(body), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDomainMissingReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodGet, "/api/domains/00000000-0000-0000-0000-000000000000", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteDomainMissingReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodDelete, "/api/domains/00000000-0000-0000-0000-000000000000", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProjectUploadsBinary(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "echo"))
	part, err := mw.CreateFormFile("binary", "echo")
	require.NoError(t, err)
	_, err = part.Write([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := doRequest(t, h, http.MethodPost, "/api/projects", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateProjectRejectsInvalidName(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "-bad name!"))
	part, err := mw.CreateFormFile("binary", "echo")
	require.NoError(t, err)
	_, err = part.Write([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := doRequest(t, h, http.MethodPost, "/api/projects", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessStartOnUnknownProjectReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodPost, "/api/processes/00000000-0000-0000-0000-000000000000/start", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessStopOnUnknownProjectReturns409(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodPost, "/api/processes/00000000-0000-0000-0000-000000000000/stop", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProcessRestartOnUnknownProjectReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodPost, "/api/processes/00000000-0000-0000-0000-000000000000/restart", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSSLGenerateFailsWithoutACMEClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodPost, "/api/ssl/a.test/generate", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListEventsStartsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	w := doRequest(t, h, http.MethodGet, "/api/events", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
