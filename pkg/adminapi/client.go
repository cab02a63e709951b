package adminapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/portreeve/pkg/types"
)

// Client is a small HTTP client over the admin REST surface, used by the
// apply command so a human operator and a manifest both go through the same
// door.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client talking to baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body io.Reader, contentType string) (*envelope, int, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("adminapi: decode response: %w", err)
	}
	if !env.Success {
		return &env, resp.StatusCode, fmt.Errorf("adminapi: %s", env.Error)
	}
	return &env, resp.StatusCode, nil
}

// ListProjects returns every known project.
func (c *Client) ListProjects() ([]types.Project, error) {
	env, _, err := c.do(http.MethodGet, "/api/projects", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeProjects(env.Data)
}

// ListDomains returns every known domain.
func (c *Client) ListDomains() ([]types.Domain, error) {
	env, _, err := c.do(http.MethodGet, "/api/domains", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeDomains(env.Data)
}

// CreateProject uploads binaryPath as a new project named name.
func (c *Client) CreateProject(name, binaryPath string) (*types.Project, error) {
	file, err := os.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("adminapi: open binary: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", name); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("binary", filepath.Base(binaryPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	env, _, err := c.do(http.MethodPost, "/api/projects", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return decodeProject(env.Data)
}

// CreateDomain routes hostname to projectID.
func (c *Client) CreateDomain(hostname string, projectID string, ssl bool) (*types.Domain, error) {
	body, err := json.Marshal(domainRequest{Hostname: hostname, ProjectID: projectID, SSL: ssl})
	if err != nil {
		return nil, err
	}
	env, _, err := c.do(http.MethodPost, "/api/domains", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	return decodeDomain(env.Data)
}

// UpdateDomain repoints an existing domain at projectID.
func (c *Client) UpdateDomain(id, hostname, projectID string, ssl bool) (*types.Domain, error) {
	body, err := json.Marshal(domainRequest{Hostname: hostname, ProjectID: projectID, SSL: ssl})
	if err != nil {
		return nil, err
	}
	env, _, err := c.do(http.MethodPut, "/api/domains/"+id, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	return decodeDomain(env.Data)
}

// StartProcess starts the project's backend.
func (c *Client) StartProcess(id string) error {
	_, _, err := c.do(http.MethodPost, "/api/processes/"+id+"/start", nil, "")
	return err
}

func decodeProjects(data interface{}) ([]types.Project, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out []types.Project
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeProject(data interface{}) (*types.Project, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out types.Project
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeDomains(data interface{}) ([]types.Domain, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out []types.Domain
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeDomain(data interface{}) (*types.Domain, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out types.Domain
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
