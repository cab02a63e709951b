// Package config reads portreeve's process configuration from its
// environment, applying the documented defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved set of knobs the serve command needs to boot.
type Config struct {
	HTTPPort            int
	HTTPSPort           int
	AdminPort           int
	AdminAPIKey         string
	DataDir             string
	SocketsDir          string
	CertbotPath         string
	LetsEncryptDir      string
	CertbotEmail        string
	LogLevel            string
	Staging             bool
	HealthCheckInterval time.Duration
	ProcessStartTimeout time.Duration
}

// Load reads Config from the environment. ADMIN_API_KEY is the only
// required variable; everything else falls back to a documented default.
func Load() (Config, error) {
	apiKey := os.Getenv("ADMIN_API_KEY")
	if apiKey == "" {
		return Config{}, fmt.Errorf("config: ADMIN_API_KEY is required")
	}

	dataDir := envOr("DATA_DIR", "/var/lib/portreeve")
	cfg := Config{
		HTTPPort:       envInt("HTTP_PORT", 80),
		HTTPSPort:      envInt("HTTPS_PORT", 443),
		AdminPort:      envInt("ADMIN_PORT", 8080),
		AdminAPIKey:    apiKey,
		DataDir:        dataDir,
		SocketsDir:     envOr("SOCKETS_DIR", dataDir+"/sockets"),
		CertbotPath:    envOr("CERTBOT_PATH", "/usr/bin/certbot"),
		LetsEncryptDir: envOr("LETSENCRYPT_DIR", "/etc/letsencrypt/live"),
		CertbotEmail:   os.Getenv("CERTBOT_EMAIL"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		Staging:        os.Getenv("NODE_ENV") != "production",
		HealthCheckInterval: envMillis("HEALTH_CHECK_INTERVAL", 30*time.Second),
		ProcessStartTimeout: envMillis("PROCESS_START_TIMEOUT", 10*time.Second),
	}
	return cfg, nil
}

// WebrootDir is where the HTTP listener and the ACME client both look for
// pending challenge files.
func (c Config) WebrootDir() string {
	return c.DataDir + "/webroot"
}

// DomainsDBPath is the on-disk path of the domains metadata file.
func (c Config) DomainsDBPath() string {
	return c.DataDir + "/domains.db"
}

// ProjectsDBPath is the on-disk path of the projects metadata file.
func (c Config) ProjectsDBPath() string {
	return c.DataDir + "/projects.db"
}

// ProjectsDir is where uploaded project binaries are stored.
func (c Config) ProjectsDir() string {
	return c.DataDir + "/projects"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
