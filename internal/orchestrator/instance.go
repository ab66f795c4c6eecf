package orchestrator

import (
	"os/exec"
	"sync"
	"time"

	"github.com/kansup/kansup/internal/orchestrator/store"
)

// Instance is the in-memory, running counterpart of a store.Record: one
// supervised agent subprocess, owning one port.
type Instance struct {
	mu sync.Mutex

	ID             string
	TopicID        int
	WorkDir        string
	Port           int
	Env            map[string]string
	State          store.State
	PID            int
	StartedAt      time.Time
	LastActivityAt time.Time
	RestartCount   int
	LastError      string
	SessionID      string

	cmd          *exec.Cmd
	stopHealth   chan struct{}
	stopIdle     chan struct{}
	idleTimeout  time.Duration
	exited       chan struct{}
}

// Info is the read-only snapshot returned to callers outside the manager.
type Info struct {
	ID             string
	TopicID        int
	WorkDir        string
	Port           int
	State          store.State
	PID            int
	StartedAt      time.Time
	LastActivityAt time.Time
	RestartCount   int
	LastError      string
	SessionID      string
}

// Info returns a point-in-time snapshot safe to hand outside the lock.
func (inst *Instance) Info() Info {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Info{
		ID:             inst.ID,
		TopicID:        inst.TopicID,
		WorkDir:        inst.WorkDir,
		Port:           inst.Port,
		State:          inst.State,
		PID:            inst.PID,
		StartedAt:      inst.StartedAt,
		LastActivityAt: inst.LastActivityAt,
		RestartCount:   inst.RestartCount,
		LastError:      inst.LastError,
		SessionID:      inst.SessionID,
	}
}

func (inst *Instance) setState(s store.State) {
	inst.mu.Lock()
	inst.State = s
	inst.mu.Unlock()
}

func (inst *Instance) getState() store.State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State
}

func (inst *Instance) recordActivity() {
	inst.mu.Lock()
	inst.LastActivityAt = time.Now()
	inst.mu.Unlock()
}

func (inst *Instance) bindSession(sessionID string) {
	inst.mu.Lock()
	inst.SessionID = sessionID
	inst.mu.Unlock()
}
