package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/portreeve/pkg/adminapi"
	"github.com/cuemby/portreeve/pkg/config"
	"github.com/cuemby/portreeve/pkg/events"
	"github.com/cuemby/portreeve/pkg/ingress"
	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/metrics"
	"github.com/cuemby/portreeve/pkg/supervisor"
	"github.com/cuemby/portreeve/pkg/tlsmgr"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "portreeve",
	Short: "portreeve - host-level reverse proxy and process supervisor",
	Long: `portreeve spawns and supervises backend binaries over Unix sockets,
routes HTTP/HTTPS traffic to them by hostname, and manages their TLS
certificates via an external ACME client.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"portreeve version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portreeve daemon",
	Long: `serve boots the metadata store, starts every known project, warms the
TLS certificate cache, and opens the HTTP, HTTPS and admin listeners. It
blocks until SIGTERM or SIGINT.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir, cfg.SocketsDir, cfg.WebrootDir(), cfg.ProjectsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	domains, err := metastore.OpenDomains(cfg.DomainsDBPath())
	if err != nil {
		return fmt.Errorf("open domains store: %w", err)
	}
	defer domains.Close()

	projects, err := metastore.OpenProjects(cfg.ProjectsDBPath())
	if err != nil {
		return fmt.Errorf("open projects store: %w", err)
	}
	defer projects.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	supCfg := supervisor.DefaultConfig()
	supCfg.StartTimeout = cfg.ProcessStartTimeout
	supCfg.HealthInterval = cfg.HealthCheckInterval
	sup := supervisor.New(supCfg, projects, broker)

	tlsCfg := tlsmgr.Config{
		LetsEncryptDir: cfg.LetsEncryptDir,
		WebrootDir:     cfg.WebrootDir(),
		ACMEClientPath: cfg.CertbotPath,
		Email:          cfg.CertbotEmail,
		Staging:        cfg.Staging,
	}
	tlsManager := tlsmgr.New(tlsCfg)

	hostnames := make([]string, 0)
	for _, d := range domains.List() {
		hostnames = append(hostnames, d.Hostname)
	}
	tlsManager.LoadAll(hostnames)

	metrics.RegisterComponent("supervisor", true, "starting")
	metrics.RegisterComponent("router", true, "starting")
	metrics.RegisterComponent("tlsmgr", true, "starting")

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	sup.StartAll(bootCtx)
	bootCancel()

	router := ingress.NewRouter(domains, projects, sup)
	httpListener := ingress.NewHTTPListener(tlsManager, cfg.WebrootDir())
	sniResolver := ingress.NewSNIResolver(tlsManager)

	adminServer := adminapi.NewServer(adminapi.Config{
		APIKey:      cfg.AdminAPIKey,
		Domains:     domains,
		Projects:    projects,
		Supervisor:  sup,
		TLS:         tlsManager,
		Broker:      broker,
		ProjectsDir: cfg.ProjectsDir(),
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())
	mux.Handle("/api/", adminServer.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpListener,
	}
	httpsServer := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.HTTPSPort),
		Handler:   mux,
		TLSConfig: sniResolver.TLSConfig(),
	}
	adminListener := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: adminServer.Handler(),
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("starting HTTP listener")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()
	if len(tlsManager.Hostnames()) > 0 {
		go func() {
			logger.Info().Int("port", cfg.HTTPSPort).Msg("starting HTTPS listener")
			if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	} else {
		logger.Warn().Msg("no certificates loaded, HTTPS listener not started")
	}
	go func() {
		logger.Info().Int("port", cfg.AdminPort).Msg("starting admin listener")
		if err := adminListener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	healthCtx, healthCancel := context.WithCancel(context.Background())
	go sup.RunHealthLoop(healthCtx)
	go tlsManager.RunRenewalLoop(healthCtx)

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			logger.Info().Msg("shutting down")
			healthCancel()
			sup.Shutdown()
			tlsManager.Shutdown()
			sup.StopAll()

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(stopCtx)
			_ = httpsServer.Shutdown(stopCtx)
			_ = adminListener.Shutdown(stopCtx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		shutdown()
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed")
		shutdown()
		return err
	}

	// A second signal is logged and ignored per the documented shutdown
	// contract; the tear-down above already ran to completion.
	go func() {
		for range sigCh {
			logger.Info().Msg("shutdown already in progress, ignoring signal")
		}
	}()

	logger.Info().Msg("shutdown complete")
	return nil
}
