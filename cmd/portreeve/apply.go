package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/portreeve/pkg/adminapi"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a domains/projects manifest",
	Long: `Apply a portreeve manifest from a YAML file.

The file is a stream of one or more documents, each a single resource:

  apiVersion: v1
  kind: Project
  metadata:
    name: api
  spec:
    binaryPath: ./bin/api

  ---
  apiVersion: v1
  kind: Domain
  metadata:
    name: a.example.com
  spec:
    project: api
    ssl: true

Projects are matched by name and created if missing; domains are matched by
hostname and created or repointed. Everything goes through the admin REST API,
the same door a human operator uses.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("admin-addr", "http://localhost:8080", "Admin API address")
	applyCmd.Flags().String("api-key", "", "Admin API key (falls back to ADMIN_API_KEY)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is a single document in a portreeve manifest: one Domain or
// Project, applied through the same admin API a human operator would use.
type Resource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("ADMIN_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("apply: --api-key or ADMIN_API_KEY is required")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	resources, err := decodeResources(data)
	if err != nil {
		return fmt.Errorf("failed to parse manifest: %v", err)
	}

	c := adminapi.NewClient(adminAddr, apiKey)

	// Projects first: domains reference them by name.
	for _, res := range resources {
		if res.Kind != "Project" {
			continue
		}
		if err := applyProject(c, &res); err != nil {
			return err
		}
	}
	for _, res := range resources {
		if res.Kind != "Domain" {
			continue
		}
		if err := applyDomain(c, &res); err != nil {
			return err
		}
	}
	return nil
}

func decodeResources(data []byte) ([]Resource, error) {
	var out []Resource
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var res Resource
		if err := dec.Decode(&res); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if res.Kind == "" {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func applyProject(c *adminapi.Client, resource *Resource) error {
	name := resource.Metadata.Name
	binaryPath := getString(resource.Spec, "binaryPath", "")
	if binaryPath == "" {
		return fmt.Errorf("project %s: spec.binaryPath is required", name)
	}

	existing, err := c.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %v", err)
	}
	for _, p := range existing {
		if p.Name == name {
			fmt.Printf("Project already exists: %s (skipping upload)\n", name)
			return nil
		}
	}

	fmt.Printf("Creating project: %s\n", name)
	proj, err := c.CreateProject(name, binaryPath)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %v", name, err)
	}
	fmt.Printf("Project created: %s (ID: %s)\n", name, proj.ID)

	if getBool(resource.Spec, "start", true) {
		if err := c.StartProcess(proj.ID.String()); err != nil {
			return fmt.Errorf("failed to start project %s: %v", name, err)
		}
		fmt.Printf("Project started: %s\n", name)
	}
	return nil
}

func applyDomain(c *adminapi.Client, resource *Resource) error {
	hostname := resource.Metadata.Name
	projectName := getString(resource.Spec, "project", "")
	ssl := getBool(resource.Spec, "ssl", false)
	if projectName == "" {
		return fmt.Errorf("domain %s: spec.project is required", hostname)
	}

	projects, err := c.ListProjects()
	if err != nil {
		return fmt.Errorf("failed to list projects: %v", err)
	}
	var projectID string
	for _, p := range projects {
		if p.Name == projectName {
			projectID = p.ID.String()
			break
		}
	}
	if projectID == "" {
		return fmt.Errorf("domain %s: project %s not found", hostname, projectName)
	}

	domains, err := c.ListDomains()
	if err != nil {
		return fmt.Errorf("failed to list domains: %v", err)
	}
	for _, d := range domains {
		if d.Hostname == hostname {
			fmt.Printf("Updating domain: %s\n", hostname)
			if _, err := c.UpdateDomain(d.ID.String(), hostname, projectID, ssl); err != nil {
				return fmt.Errorf("failed to update domain %s: %v", hostname, err)
			}
			fmt.Printf("Domain updated: %s -> %s\n", hostname, projectName)
			return nil
		}
	}

	fmt.Printf("Creating domain: %s\n", hostname)
	if _, err := c.CreateDomain(hostname, projectID, ssl); err != nil {
		return fmt.Errorf("failed to create domain %s: %v", hostname, err)
	}
	fmt.Printf("Domain created: %s -> %s\n", hostname, projectName)
	return nil
}

func getString(m map[string]interface{}, key, defaultValue string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getBool(m map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultValue
}
