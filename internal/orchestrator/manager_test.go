package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kansup/kansup/internal/common/config"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/events/bus"
	"github.com/kansup/kansup/internal/orchestrator/portpool"
	"github.com/kansup/kansup/internal/orchestrator/store"
)

// buildFakeAgent compiles the package's fake agent fixture and returns its
// path, mirroring the teacher's own build-a-fixture-binary test harness.
func buildFakeAgent(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "fakeagent")
	cmd := exec.Command("go", "build", "-o", binary, "./testdata/fakeagent")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to build fakeagent fixture: %v\n%s", err, out)
	}
	return binary
}

func newTestManager(t *testing.T, agentCommand string) *Manager {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ports := portpool.New(48000, 20)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{}
	cfg.Orchestrator.StartupTimeoutSeconds = 10
	cfg.Orchestrator.HealthCheckIntervalMs = 200
	cfg.Orchestrator.IdleTimeoutMinutes = 1
	cfg.Orchestrator.RestartDelayMs = 50
	cfg.Orchestrator.MaxRestartAttempts = 2
	cfg.Agent.Command = agentCommand
	cfg.Agent.WorkspaceFlag = "--workspace"
	cfg.Agent.RequestTimeoutMs = 2000

	return New(cfg, st, ports, eventBus, logger.Default())
}

func TestCreateInstance_BecomesRunning(t *testing.T) {
	binary := buildFakeAgent(t)
	m := newTestManager(t, binary)

	workDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	inst, err := m.CreateInstance(ctx, CreateRequest{TopicID: 1, WorkDir: workDir})
	require.NoError(t, err)
	require.NotNil(t, inst)

	info := inst.Info()
	assert.Equal(t, store.StateRunning, info.State)
	assert.NotZero(t, info.Port)
	assert.NotZero(t, info.PID)

	require.NoError(t, m.StopInstance(ctx, inst.ID))

	_, found := m.Get(inst.ID)
	assert.False(t, found)
}

func TestGetOrCreate_ReusesExistingInstance(t *testing.T) {
	binary := buildFakeAgent(t)
	m := newTestManager(t, binary)

	workDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 7, WorkDir: workDir})
	require.NoError(t, err)

	second, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 7, WorkDir: workDir})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.NoError(t, m.StopInstance(ctx, first.ID))
}

func TestGetOrCreate_WorkDirMismatchReplacesInstance(t *testing.T) {
	binary := buildFakeAgent(t)
	m := newTestManager(t, binary)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 9, WorkDir: t.TempDir()})
	require.NoError(t, err)

	newWorkDir := t.TempDir()
	second, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 9, WorkDir: newWorkDir})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, newWorkDir, second.WorkDir)

	_, found := m.Get(first.ID)
	assert.False(t, found, "stale instance should have been stopped and removed")

	bound, ok := m.GetByTopic(9)
	require.True(t, ok)
	assert.Equal(t, second.ID, bound.ID)

	require.NoError(t, m.StopInstance(ctx, second.ID))
}

func TestGetOrCreate_CrashedInstanceIsRestarted(t *testing.T) {
	binary := buildFakeAgent(t)
	m := newTestManager(t, binary)

	workDir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 11, WorkDir: workDir})
	require.NoError(t, err)
	first.setState(store.StateCrashed)

	second, err := m.GetOrCreate(ctx, CreateRequest{TopicID: 11, WorkDir: workDir})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, store.StateRunning, second.Info().State)

	_, found := m.Get(first.ID)
	assert.False(t, found)

	require.NoError(t, m.StopInstance(ctx, second.ID))
}

func TestCreateInstance_UnhealthyAgentReturnsError(t *testing.T) {
	m := newTestManager(t, "/bin/false")
	m.cfg.Orchestrator.StartupTimeoutSeconds = 1

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.CreateInstance(ctx, CreateRequest{TopicID: 2, WorkDir: t.TempDir()})
	assert.Error(t, err)

	status := m.ports.Status()
	assert.Equal(t, 0, status.Allocated)
}

func TestShutdown_StopsAllInstances(t *testing.T) {
	binary := buildFakeAgent(t)
	m := newTestManager(t, binary)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := m.CreateInstance(ctx, CreateRequest{TopicID: 1, WorkDir: t.TempDir()})
	require.NoError(t, err)
	_, err = m.CreateInstance(ctx, CreateRequest{TopicID: 2, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.List())
}

func TestRecover_MarksStaleRunningInstancesCrashed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	require.NoError(t, st.Upsert(&store.Record{
		InstanceID: "stale-1",
		TopicID:    1,
		Port:       48123,
		WorkDir:    "/tmp",
		State:      store.StateRunning,
	}))
	require.NoError(t, st.UpsertPortAllocation(48123, "stale-1"))
	require.NoError(t, st.Close())

	st, err = store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ports := portpool.New(48100, 50)
	cfg := &config.Config{}
	cfg.Agent.Command = "/bin/true"
	m := New(cfg, st, ports, nil, logger.Default())

	require.NoError(t, m.Recover(context.Background()))

	rec, err := st.Get("stale-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StateCrashed, rec.State)

	status := ports.Status()
	assert.Equal(t, 1, status.Allocated)
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("go"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
