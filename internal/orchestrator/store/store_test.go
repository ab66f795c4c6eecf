package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)

	rec := &Record{
		InstanceID: "inst-1",
		TopicID:    42,
		Port:       41000,
		WorkDir:    "/proj/a",
		State:      StateStarting,
	}
	require.NoError(t, s.Upsert(rec))

	got, err := s.Get("inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42, got.TopicID)
	assert.Equal(t, StateStarting, got.State)

	rec.State = StateRunning
	rec.SessionID = "sess-1"
	require.NoError(t, s.Upsert(rec))

	got, err = s.Get("inst-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestGetByTopic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Record{InstanceID: "inst-1", TopicID: 7, Port: 9000, WorkDir: "/w", State: StateRunning}))

	got, err := s.GetByTopic(7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inst-1", got.InstanceID)

	none, err := s.GetByTopic(999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestListByState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Record{InstanceID: "a", TopicID: 1, Port: 1, WorkDir: "/w", State: StateRunning}))
	require.NoError(t, s.Upsert(&Record{InstanceID: "b", TopicID: 2, Port: 2, WorkDir: "/w", State: StateCrashed}))
	require.NoError(t, s.Upsert(&Record{InstanceID: "c", TopicID: 3, Port: 3, WorkDir: "/w", State: StateRunning}))

	running, err := s.ListByState(StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestMarkStaleAsCrashed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Record{InstanceID: "a", TopicID: 1, Port: 1, WorkDir: "/w", State: StateRunning}))
	require.NoError(t, s.Upsert(&Record{InstanceID: "b", TopicID: 2, Port: 2, WorkDir: "/w", State: StateStopped}))

	n, err := s.MarkStaleAsCrashed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, _ := s.Get("a")
	assert.Equal(t, StateCrashed, a.State)
	b, _ := s.Get("b")
	assert.Equal(t, StateStopped, b.State)
}

func TestIncrementRestartCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Record{InstanceID: "a", TopicID: 1, Port: 1, WorkDir: "/w", State: StateCrashed}))

	n, err := s.IncrementRestartCount("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementRestartCount("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPortAllocationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Record{InstanceID: "a", TopicID: 1, Port: 9100, WorkDir: "/w", State: StateRunning}))
	require.NoError(t, s.UpsertPortAllocation(9100, "a"))

	allocs, err := s.ListPortAllocations()
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, 9100, allocs[0].Port)

	require.NoError(t, s.DeletePortAllocation(9100))
	allocs, err = s.ListPortAllocations()
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestEnvRoundTrip(t *testing.T) {
	env := map[string]string{"FOO": "bar"}
	encoded := EncodeEnv(env)
	decoded := DecodeEnv(encoded)
	assert.Equal(t, env, decoded)

	assert.Equal(t, "{}", EncodeEnv(nil))
	assert.Nil(t, DecodeEnv(""))
}
