// Package supervisor spawns and supervises portreeve's backend binaries: one
// child process per Project, wired to a Unix socket named in its environment,
// restarted with exponential backoff on crash, and periodically health-checked
// over that same socket.
//
// The supervisor owns the one map of project id -> Handle that is the single
// source of truth for "is this project's process alive right now"; the router
// only ever borrows a Handle by lookup, never holds one across a request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/events"
	"github.com/cuemby/portreeve/pkg/health"
	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/metrics"
	"github.com/cuemby/portreeve/pkg/types"
)

// Errors returned by supervisor operations.
var (
	ErrAlreadyRunning  = errors.New("supervisor: project already has a running handle")
	ErrNotRunning      = errors.New("supervisor: project has no handle")
	ErrProjectNotFound = errors.New("supervisor: project not found")
)

// Config tunes the supervisor's timeouts and restart backoff.
type Config struct {
	StartTimeout       time.Duration // poll budget for the socket to appear
	StopTimeout        time.Duration // grace period between SIGTERM and SIGKILL
	HealthInterval     time.Duration // background health-check cadence
	HealthTimeout      time.Duration // per-probe bound
	RestartBaseDelay   time.Duration // first restart delay after a crash
	RestartMaxDelay    time.Duration // backoff ceiling
	RestartStableAfter time.Duration // running this long resets backoff to base
}

// DefaultConfig matches the documented defaults, plus a bounded exponential
// backoff in place of the unbounded flat 5s restart the source uses: a tight
// crash loop backs off 5s/10s/20s/40s up to a 60s ceiling instead of churning
// forever, resetting once a project has stayed running for 60s.
func DefaultConfig() Config {
	return Config{
		StartTimeout:       10 * time.Second,
		StopTimeout:        5 * time.Second,
		HealthInterval:     30 * time.Second,
		HealthTimeout:      5 * time.Second,
		RestartBaseDelay:   5 * time.Second,
		RestartMaxDelay:    60 * time.Second,
		RestartStableAfter: 60 * time.Second,
	}
}

// healthCheckConfig adapts the supervisor's own timing knobs onto
// health.Config, keeping health.DefaultConfig's consecutive-failure
// threshold so a single flaky probe doesn't flip a project unhealthy.
func (c Config) healthCheckConfig() health.Config {
	hc := health.DefaultConfig()
	hc.Interval = c.HealthInterval
	hc.Timeout = c.HealthTimeout
	hc.StartPeriod = c.StartTimeout
	return hc
}

// Handle is the runtime-only record of a supervised child: never persisted,
// owned exclusively by the supervisor.
type Handle struct {
	ProjectID  uuid.UUID
	PID        int
	SocketPath string
	StartedAt  time.Time

	cmd      *exec.Cmd
	exitCh   chan struct{}
	stopping bool

	mu     sync.RWMutex
	health *health.Status
}

// recordCheck folds a health probe result into the handle's status, applying
// the configured consecutive-failure threshold before flipping unhealthy.
func (h *Handle) recordCheck(result health.Result, cfg health.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Update(result, cfg)
}

func (h *Handle) isHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health.Healthy
}

func (h *Handle) consecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health.ConsecutiveFailures
}

func (h *Handle) inStartPeriod(cfg health.Config) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health.InStartPeriod(cfg)
}

// Info is the admin-facing, read-only snapshot of a Handle.
type Info struct {
	ProjectID  uuid.UUID
	PID        int
	SocketPath string
	StartedAt  time.Time
	Healthy    bool
}

// Supervisor owns every live Handle and the restart backoff state per project.
type Supervisor struct {
	cfg       Config
	healthCfg health.Config
	projects  *metastore.Projects
	broker    *events.Broker
	logger    zerolog.Logger

	mu       sync.Mutex
	handles  map[uuid.UUID]*Handle
	attempts map[uuid.UUID]int

	stopCh       chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs a Supervisor bound to the given Projects collection and
// event broker. Call Start/StartAll to begin supervising.
func New(cfg Config, projects *metastore.Projects, broker *events.Broker) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		healthCfg: cfg.healthCheckConfig(),
		projects:  projects,
		broker:    broker,
		logger:    log.WithComponent("supervisor"),
		handles:   make(map[uuid.UUID]*Handle),
		attempts:  make(map[uuid.UUID]int),
		stopCh:    make(chan struct{}),
	}
}

// RunHealthLoop starts the background health-check ticker. It blocks until
// ctx is cancelled or Shutdown is called, so callers should run it in a
// goroutine.
func (s *Supervisor) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkAll(ctx)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		snapshot = append(snapshot, h)
	}
	s.mu.Unlock()

	for _, h := range snapshot {
		if h.inStartPeriod(s.healthCfg) {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
		checker := health.NewUnixSocketHTTPChecker(h.SocketPath, "/health").WithTimeout(s.cfg.HealthTimeout)
		result := checker.Check(checkCtx)
		cancel()

		h.recordCheck(result, s.healthCfg)
		if h.isHealthy() {
			metrics.HealthChecksTotal.WithLabelValues("healthy").Inc()
			continue
		}

		metrics.HealthChecksTotal.WithLabelValues("unhealthy").Inc()
		failures := h.consecutiveFailures()
		s.logger.Warn().Str("project_id", h.ProjectID.String()).Str("message", result.Message).
			Int("consecutive_failures", failures).Msg("project unhealthy")
		s.broker.Publish(&events.Event{
			Type:    events.EventProjectUnhealthy,
			Message: fmt.Sprintf("project %s: %s (%d consecutive failures)", h.ProjectID, result.Message, failures),
			Metadata: map[string]string{
				"project_id": h.ProjectID.String(),
			},
		})
	}
}

// Start spawns project-id's binary. It fails if a handle already exists.
func (s *Supervisor) Start(ctx context.Context, projectID uuid.UUID) error {
	s.mu.Lock()
	if _, exists := s.handles[projectID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	proj, ok := s.projects.Get(projectID)
	if !ok {
		return ErrProjectNotFound
	}

	proj.Status = types.ProjectStarting
	proj.PID = 0
	if _, err := s.projects.Update(*proj); err != nil {
		return fmt.Errorf("supervisor: mark starting: %w", err)
	}

	os.Remove(proj.SocketPath)

	cmd := exec.Command(proj.BinaryPath)
	cmd.Env = append(os.Environ(),
		"SOCKET_PATH="+proj.SocketPath,
		"PROJECT_ID="+proj.ID.String(),
	)
	procLogger := log.WithProject(proj.ID.String())
	cmd.Stdout = &logWriter{logger: procLogger, stream: "stdout"}
	cmd.Stderr = &logWriter{logger: procLogger, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		proj.Status = types.ProjectError
		_, _ = s.projects.Update(*proj)
		return fmt.Errorf("supervisor: spawn %s: %w", proj.BinaryPath, err)
	}

	handle := &Handle{
		ProjectID:  projectID,
		PID:        cmd.Process.Pid,
		SocketPath: proj.SocketPath,
		StartedAt:  time.Now(),
		cmd:        cmd,
		exitCh:     make(chan struct{}),
		health:     health.NewStatus(),
	}

	s.mu.Lock()
	s.handles[projectID] = handle
	s.mu.Unlock()

	proj.PID = handle.PID
	if _, err := s.projects.Update(*proj); err != nil {
		s.logger.Warn().Err(err).Str("project_id", projectID.String()).Msg("failed to record pid while starting")
	}

	s.wg.Add(1)
	go s.waitForExit(handle)

	startTimer := metrics.NewTimer()
	deadline := time.Now().Add(s.cfg.StartTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(proj.SocketPath); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if _, err := os.Stat(proj.SocketPath); err != nil {
		s.logger.Warn().Str("project_id", projectID.String()).Msg("socket did not appear within start timeout, leaving starting")
		return nil
	}

	proj.Status = types.ProjectRunning
	proj.PID = handle.PID
	if _, err := s.projects.Update(*proj); err != nil {
		return fmt.Errorf("supervisor: mark running: %w", err)
	}
	startTimer.ObserveDuration(metrics.ProjectStartDuration)
	metrics.ProjectsTotal.WithLabelValues(string(types.ProjectRunning)).Inc()

	s.broker.Publish(&events.Event{
		Type:    events.EventProjectStarted,
		Message: fmt.Sprintf("project %s started, pid %d", projectID, handle.PID),
		Metadata: map[string]string{
			"project_id": projectID.String(),
		},
	})

	s.scheduleBackoffReset(projectID, handle)
	return nil
}

// scheduleBackoffReset resets a project's restart backoff counter once it has
// stayed running (the same handle, uninterrupted) for RestartStableAfter.
func (s *Supervisor) scheduleBackoffReset(projectID uuid.UUID, handle *Handle) {
	time.AfterFunc(s.cfg.RestartStableAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if current, ok := s.handles[projectID]; ok && current == handle {
			s.attempts[projectID] = 0
		}
	})
}

// Stop terminates project-id's process: SIGTERM, then SIGKILL after
// StopTimeout if it hasn't exited.
func (s *Supervisor) Stop(projectID uuid.UUID) error {
	s.mu.Lock()
	handle, ok := s.handles[projectID]
	if ok {
		handle.stopping = true
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	_ = handle.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-handle.exitCh:
	case <-time.After(s.cfg.StopTimeout):
		_ = handle.cmd.Process.Kill()
		<-handle.exitCh
	}

	s.mu.Lock()
	delete(s.handles, projectID)
	s.mu.Unlock()

	os.Remove(handle.SocketPath)

	if proj, ok := s.projects.Get(projectID); ok {
		proj.Status = types.ProjectStopped
		proj.PID = 0
		_, _ = s.projects.Update(*proj)
	}

	s.broker.Publish(&events.Event{
		Type:    events.EventProjectStopped,
		Message: fmt.Sprintf("project %s stopped", projectID),
		Metadata: map[string]string{
			"project_id": projectID.String(),
		},
	})
	return nil
}

// Restart stops project-id if running, then starts it.
func (s *Supervisor) Restart(ctx context.Context, projectID uuid.UUID) error {
	if err := s.Stop(projectID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.Start(ctx, projectID)
}

// StartAll starts every project currently on record. Individual failures are
// logged, not propagated.
func (s *Supervisor) StartAll(ctx context.Context) {
	for _, proj := range s.projects.List() {
		if err := s.Start(ctx, proj.ID); err != nil {
			s.logger.Error().Err(err).Str("project_id", proj.ID.String()).Msg("failed to start project")
		}
	}
}

// StopAll stops every currently-supervised project concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := s.Stop(id); err != nil {
				s.logger.Error().Err(err).Str("project_id", id.String()).Msg("failed to stop project")
			}
		}(id)
	}
	wg.Wait()
}

// Shutdown stops the health-check loop. It does not stop supervised
// processes; call StopAll first if a full teardown is wanted. Safe to call
// more than once.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.stopCh)
	})
}

// Handles returns a snapshot of every currently supervised process.
func (s *Supervisor) Handles() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, Info{
			ProjectID:  h.ProjectID,
			PID:        h.PID,
			SocketPath: h.SocketPath,
			StartedAt:  h.StartedAt,
			Healthy:    h.isHealthy(),
		})
	}
	return out
}

// Handle returns the live handle for project-id, if supervised.
func (s *Supervisor) Handle(projectID uuid.UUID) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[projectID]
	if !ok {
		return Info{}, false
	}
	return Info{
		ProjectID:  h.ProjectID,
		PID:        h.PID,
		SocketPath: h.SocketPath,
		StartedAt:  h.StartedAt,
		Healthy:    h.isHealthy(),
	}, true
}

func (s *Supervisor) waitForExit(handle *Handle) {
	defer s.wg.Done()
	err := handle.cmd.Wait()
	close(handle.exitCh)

	s.mu.Lock()
	stopping := handle.stopping
	if current, ok := s.handles[handle.ProjectID]; ok && current == handle {
		delete(s.handles, handle.ProjectID)
	}
	s.mu.Unlock()

	if stopping {
		return
	}

	s.logger.Warn().Str("project_id", handle.ProjectID.String()).Err(err).Msg("project process exited")
	s.onCrash(handle.ProjectID)
}

func (s *Supervisor) onCrash(projectID uuid.UUID) {
	if proj, ok := s.projects.Get(projectID); ok {
		proj.Status = types.ProjectError
		proj.PID = 0
		_, _ = s.projects.Update(*proj)
	}

	s.broker.Publish(&events.Event{
		Type:    events.EventProjectExited,
		Message: fmt.Sprintf("project %s exited unexpectedly", projectID),
		Metadata: map[string]string{
			"project_id": projectID.String(),
		},
	})

	delay := s.nextRestartDelay(projectID)
	time.AfterFunc(delay, func() {
		s.maybeRestart(projectID)
	})
}

// nextRestartDelay returns the next exponential-backoff delay for
// projectID and advances its attempt counter.
func (s *Supervisor) nextRestartDelay(projectID uuid.UUID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.attempts[projectID]
	delay := s.cfg.RestartBaseDelay << attempt
	if delay > s.cfg.RestartMaxDelay || delay <= 0 {
		delay = s.cfg.RestartMaxDelay
	}
	s.attempts[projectID] = attempt + 1
	return delay
}

func (s *Supervisor) maybeRestart(projectID uuid.UUID) {
	proj, ok := s.projects.Get(projectID)
	if !ok || proj.Status != types.ProjectError {
		// Deleted or manually intervened on since the crash; don't restart.
		return
	}

	s.broker.Publish(&events.Event{
		Type:    events.EventProjectRestarting,
		Message: fmt.Sprintf("restarting project %s", projectID),
		Metadata: map[string]string{
			"project_id": projectID.String(),
		},
	})

	proj.Status = types.ProjectStarting
	if _, err := s.projects.Update(*proj); err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID.String()).Msg("failed to mark project starting before restart")
		return
	}

	metrics.ProjectRestartsTotal.WithLabelValues(proj.Name).Inc()
	if err := s.Start(context.Background(), projectID); err != nil {
		s.logger.Error().Err(err).Str("project_id", projectID.String()).Msg("auto-restart failed")
	}
}

// logWriter adapts a zerolog logger into an io.Writer for a child's
// stdout/stderr pipes.
type logWriter struct {
	logger zerolog.Logger
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Info().Str("stream", w.stream).Msg(string(p))
	return len(p), nil
}
