package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portreeve/pkg/events"
	"github.com/cuemby/portreeve/pkg/health"
	"github.com/cuemby/portreeve/pkg/metastore"
	"github.com/cuemby/portreeve/pkg/types"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *metastore.Projects) {
	t.Helper()
	dir := t.TempDir()
	projects, err := metastore.OpenProjects(filepath.Join(dir, "projects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { projects.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sup := New(cfg, projects, broker)
	t.Cleanup(sup.Shutdown)
	return sup, projects
}

// writeFixtureScript writes an executable shell script standing in for a
// supervised backend binary. "sleep" touches $SOCKET_PATH then blocks, the
// way a well-behaved backend holds its socket open; "crash" touches it and
// exits immediately, simulating a process that dies right after boot.
func writeFixtureScript(t *testing.T, dir, name, behavior string) string {
	t.Helper()
	var body string
	switch behavior {
	case "sleep":
		body = "#!/bin/sh\ntouch \"$SOCKET_PATH\"\nsleep 30\n"
	case "crash":
		body = "#!/bin/sh\ntouch \"$SOCKET_PATH\"\nexit 1\n"
	default:
		t.Fatalf("unknown fixture behavior %q", behavior)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestStartMarksProjectRunning(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	sup, projects := newTestSupervisor(t, cfg)

	bin := writeFixtureScript(t, dir, "web", "sleep")
	proj, err := projects.Create(types.Project{Name: "web", BinaryPath: bin, SocketPath: filepath.Join(dir, "web.sock")})
	require.NoError(t, err)

	require.NoError(t, sup.Start(context.Background(), proj.ID))
	t.Cleanup(func() { _ = sup.Stop(proj.ID) })

	got, ok := projects.Get(proj.ID)
	require.True(t, ok)
	assert.Equal(t, types.ProjectRunning, got.Status)

	info, ok := sup.Handle(proj.ID)
	require.True(t, ok)
	assert.True(t, info.Healthy)
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	sup, projects := newTestSupervisor(t, cfg)

	bin := writeFixtureScript(t, dir, "web", "sleep")
	proj, err := projects.Create(types.Project{Name: "web", BinaryPath: bin, SocketPath: filepath.Join(dir, "web.sock")})
	require.NoError(t, err)

	require.NoError(t, sup.Start(context.Background(), proj.ID))
	t.Cleanup(func() { _ = sup.Stop(proj.ID) })

	assert.ErrorIs(t, sup.Start(context.Background(), proj.ID), ErrAlreadyRunning)
}

func TestStartUnknownProjectReturnsNotFound(t *testing.T) {
	sup, _ := newTestSupervisor(t, DefaultConfig())
	err := sup.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestStopUnknownProjectReturnsNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, DefaultConfig())
	assert.ErrorIs(t, sup.Stop(uuid.New()), ErrNotRunning)
}

func TestRestartOnUnknownProjectReturnsNotFound(t *testing.T) {
	sup, _ := newTestSupervisor(t, DefaultConfig())
	err := sup.Restart(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestCrashSchedulesRestartWithBackoff(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	cfg.RestartBaseDelay = 10 * time.Millisecond
	cfg.RestartMaxDelay = 50 * time.Millisecond
	sup, projects := newTestSupervisor(t, cfg)

	bin := writeFixtureScript(t, dir, "crasher", "crash")
	proj, err := projects.Create(types.Project{Name: "crasher", BinaryPath: bin, SocketPath: filepath.Join(dir, "crasher.sock")})
	require.NoError(t, err)

	require.NoError(t, sup.Start(context.Background(), proj.ID))

	// The fixture dies right after creating its socket; the supervisor should
	// notice the exit and advance the restart-backoff attempt counter.
	assert.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.attempts[proj.ID] > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		got, ok := projects.Get(proj.ID)
		return ok && got.Status != types.ProjectRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNextRestartDelayBacksOffExponentiallyThenCaps(t *testing.T) {
	sup, _ := newTestSupervisor(t, Config{
		RestartBaseDelay: 5 * time.Second,
		RestartMaxDelay:  60 * time.Second,
	})
	id := uuid.New()
	assert.Equal(t, 5*time.Second, sup.nextRestartDelay(id))
	assert.Equal(t, 10*time.Second, sup.nextRestartDelay(id))
	assert.Equal(t, 20*time.Second, sup.nextRestartDelay(id))
	assert.Equal(t, 40*time.Second, sup.nextRestartDelay(id))
	assert.Equal(t, 60*time.Second, sup.nextRestartDelay(id), "delay must cap at RestartMaxDelay")
}

func TestScheduleBackoffResetClearsAttemptsAfterStablePeriod(t *testing.T) {
	sup, _ := newTestSupervisor(t, Config{RestartStableAfter: 15 * time.Millisecond})
	id := uuid.New()

	sup.mu.Lock()
	sup.attempts[id] = 3
	handle := &Handle{ProjectID: id, health: health.NewStatus()}
	sup.handles[id] = handle
	sup.mu.Unlock()

	sup.scheduleBackoffReset(id, handle)

	assert.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.attempts[id] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleBackoffResetSkipsIfHandleReplaced(t *testing.T) {
	sup, _ := newTestSupervisor(t, Config{RestartStableAfter: 15 * time.Millisecond})
	id := uuid.New()

	sup.mu.Lock()
	sup.attempts[id] = 3
	original := &Handle{ProjectID: id, health: health.NewStatus()}
	sup.handles[id] = original
	sup.mu.Unlock()

	sup.scheduleBackoffReset(id, original)

	// A restart installs a new Handle before the reset fires; the stale
	// timer must not clear the new handle's attempt count.
	sup.mu.Lock()
	sup.handles[id] = &Handle{ProjectID: id, health: health.NewStatus()}
	sup.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	sup.mu.Lock()
	defer sup.mu.Unlock()
	assert.Equal(t, 3, sup.attempts[id])
}

func TestStopAllAndShutdownAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	sup, projects := newTestSupervisor(t, DefaultConfig())

	bin := writeFixtureScript(t, dir, "web", "sleep")
	proj, err := projects.Create(types.Project{Name: "web", BinaryPath: bin, SocketPath: filepath.Join(dir, "web.sock")})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background(), proj.ID))

	sup.StopAll()
	assert.Empty(t, sup.Handles())
	assert.NotPanics(t, func() { sup.StopAll() })

	assert.NotPanics(t, func() { sup.Shutdown() })
	assert.NotPanics(t, func() { sup.Shutdown() })
}
