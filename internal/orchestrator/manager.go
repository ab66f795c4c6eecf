// Package orchestrator owns the lifecycle of locally-spawned agent
// subprocesses: one Instance per chat topic, supervised from spawn through
// health checks, idle timeout, crash/restart, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kansup/kansup/internal/common/appctx"
	"github.com/kansup/kansup/internal/common/config"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/events"
	"github.com/kansup/kansup/internal/events/bus"
	"github.com/kansup/kansup/internal/orchestrator/portpool"
	"github.com/kansup/kansup/internal/orchestrator/store"
)

// ErrNotFound is returned when an operation references an unknown instance.
var ErrNotFound = fmt.Errorf("orchestrator: instance not found")

// CreateRequest describes a new instance to spawn.
type CreateRequest struct {
	TopicID int
	WorkDir string
	Env     map[string]string
}

// Manager owns every running Instance. All mutating operations acquire the
// same mutex, so they serialize exactly as a single control goroutine would;
// long-running I/O (process spawn, health polling, HTTP) happens outside the
// lock in per-instance goroutines that report back through Manager methods.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*Instance // by instance ID
	byTopic   map[int]string       // topic ID -> instance ID

	ports *portpool.Pool
	store *store.Store
	bus   bus.EventBus
	cfg   *config.Config
	log   *logger.Logger

	stopCh chan struct{} // closed by Shutdown; lets background goroutines detach cleanly
}

// New builds a Manager. ports must already be sized per cfg.Orchestrator.
func New(cfg *config.Config, st *store.Store, ports *portpool.Pool, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		byTopic:   make(map[int]string),
		ports:     ports,
		store:     st,
		bus:       eventBus,
		cfg:       cfg,
		log:       log,
		stopCh:    make(chan struct{}),
	}
}

// GetOrCreate returns the existing instance for topicID if it can still
// serve req, or spawns a new one. An existing instance is reused only when
// its working directory still matches; a mismatch means the topic has been
// re-linked to a different project, so the old instance is stopped and a
// fresh one started in its place. A crashed or failed instance gets one
// restart attempt rather than being handed back as-is; a starting instance
// is waited on rather than raced with a second spawn for the same topic.
func (m *Manager) GetOrCreate(ctx context.Context, req CreateRequest) (*Instance, error) {
	m.mu.Lock()
	id, ok := m.byTopic[req.TopicID]
	var inst *Instance
	if ok {
		inst = m.instances[id]
	}
	m.mu.Unlock()

	if !ok || inst == nil {
		return m.CreateInstance(ctx, req)
	}

	if inst.WorkDir != req.WorkDir {
		m.log.WithInstanceID(inst.ID).Info("topic re-linked to a different workDir, replacing instance",
			zap.String("oldWorkDir", inst.WorkDir), zap.String("newWorkDir", req.WorkDir))
		if err := m.StopInstance(ctx, inst.ID); err != nil && err != ErrNotFound {
			return nil, fmt.Errorf("orchestrator: stop instance for topic re-link: %w", err)
		}
		return m.CreateInstance(ctx, req)
	}

	switch inst.getState() {
	case store.StateCrashed, store.StateFailed:
		m.log.WithInstanceID(inst.ID).Info("reusing crashed/failed instance, attempting restart")
		restarted, err := m.RestartInstance(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: restart crashed instance: %w", err)
		}
		return restarted, nil
	case store.StateStarting:
		if err := m.waitHealthy(ctx, inst); err != nil {
			return nil, fmt.Errorf("orchestrator: instance failed to become healthy: %w", err)
		}
		return inst, nil
	default:
		return inst, nil
	}
}

// CreateInstance allocates a port, registers the instance, and spawns its
// agent subprocess, waiting for it to report healthy before returning.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	id := uuid.NewString()

	inst := &Instance{
		ID:             id,
		TopicID:        req.TopicID,
		WorkDir:        req.WorkDir,
		Env:            req.Env,
		State:          store.StateStarting,
		LastActivityAt: time.Now(),
	}

	// A listen-retry loop covers the case where Allocate hands back a port
	// that is free in our bookkeeping but still held by some other local
	// process (e.g. a just-killed previous instance not yet released by the
	// kernel).
	const maxPortAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port, err := m.ports.Allocate(id)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: allocate port: %w", err)
		}
		inst.Port = port

		m.mu.Lock()
		m.instances[id] = inst
		m.byTopic[req.TopicID] = id
		m.mu.Unlock()

		if err := m.spawn(inst); err != nil {
			m.ports.MarkUnavailable(port)
			m.removeFromMaps(id, req.TopicID)
			lastErr = err
			continue
		}

		if err := m.waitHealthy(ctx, inst); err != nil {
			terminate(inst)
			m.ports.MarkUnavailable(port)
			m.removeFromMaps(id, req.TopicID)
			lastErr = err
			continue
		}

		inst.setState(store.StateRunning)
		m.persist(inst)
		m.publishInstanceEvent(events.InstanceReady, inst)

		go m.runHealthLoop(inst)
		go m.runIdleWatchdog(inst)

		return inst, nil
	}

	m.publishPortExhausted(req.TopicID)
	return nil, fmt.Errorf("orchestrator: failed to start instance after %d attempts: %w", maxPortAttempts, lastErr)
}

func (m *Manager) removeFromMaps(id string, topicID int) {
	m.mu.Lock()
	delete(m.instances, id)
	if m.byTopic[topicID] == id {
		delete(m.byTopic, topicID)
	}
	m.mu.Unlock()
}

// StopInstance gracefully stops one instance: it removes it from the live
// map, then SIGTERM, grace period, SIGKILL, then releases its port. The store record
// is kept (state=stopped) for history; callers that also want it gone call
// RemoveInstance.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	if ok {
		delete(m.instances, instanceID)
		if m.byTopic[inst.TopicID] == instanceID {
			delete(m.byTopic, inst.TopicID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	inst.setState(store.StateStopping)
	stopHealthAndIdle(inst)
	terminate(inst)
	inst.setState(store.StateStopped)

	m.ports.ReleaseByInstance(instanceID)
	m.persist(inst)
	m.publishInstanceEvent(events.InstanceStopped, inst)
	return nil
}

// RemoveInstance stops the instance if running and deletes its store record.
func (m *Manager) RemoveInstance(ctx context.Context, instanceID string) error {
	if err := m.StopInstance(ctx, instanceID); err != nil && err != ErrNotFound {
		return err
	}
	return m.store.Delete(instanceID)
}

// RestartInstance stops then recreates an instance bound to the same topic
// and working directory.
func (m *Manager) RestartInstance(ctx context.Context, instanceID string) (*Instance, error) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	topicID, workDir, env := inst.TopicID, inst.WorkDir, inst.Env

	if err := m.StopInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return m.CreateInstance(ctx, CreateRequest{TopicID: topicID, WorkDir: workDir, Env: env})
}

// maybeRestart is invoked after a crash; it waits a backoff proportional to
// the restart count and recreates the instance, unless the attempt budget is
// exhausted, in which case the instance is left crashed/failed for an
// operator to inspect.
func (m *Manager) maybeRestart(inst *Instance) {
	inst.mu.Lock()
	inst.RestartCount++
	count := inst.RestartCount
	topicID, workDir, env := inst.TopicID, inst.WorkDir, inst.Env
	inst.mu.Unlock()

	m.persist(inst)

	if count > m.cfg.Orchestrator.MaxRestartAttempts {
		inst.setState(store.StateFailed)
		m.persist(inst)
		m.publishInstanceEvent(events.InstanceFailed, inst)
		m.log.WithInstanceID(inst.ID).Error("instance exhausted restart attempts", zap.Int("restartCount", count))
		return
	}

	m.ports.ReleaseByInstance(inst.ID)
	m.removeFromMaps(inst.ID, topicID)

	delay := m.cfg.Orchestrator.RestartDelay() * time.Duration(count)
	m.log.WithInstanceID(inst.ID).Info("scheduling instance restart", zap.Duration("delay", delay), zap.Int("attempt", count))

	go func() {
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}

		ctx, cancel := appctx.Detached(context.Background(), m.stopCh, m.cfg.Orchestrator.StartupTimeout())
		defer cancel()
		newInst, err := m.CreateInstance(ctx, CreateRequest{TopicID: topicID, WorkDir: workDir, Env: env})
		if err != nil {
			m.log.WithInstanceID(inst.ID).Error("restart attempt failed", zap.Error(err))
			return
		}
		// Carry the crash count over so the attempt budget spans successive restarts.
		newInst.mu.Lock()
		newInst.RestartCount = count
		newInst.mu.Unlock()
		m.persist(newInst)
	}()
}

// RecordActivity stamps LastActivityAt, resetting the idle watchdog.
func (m *Manager) RecordActivity(instanceID string) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if ok {
		inst.recordActivity()
	}
}

// BindSession associates an agent session ID with an instance once the agent
// reports it, so later routing can look instances up by session.
func (m *Manager) BindSession(instanceID, sessionID string) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if ok {
		inst.bindSession(sessionID)
		m.persist(inst)
	}
}

// Get returns a snapshot of one instance.
func (m *Manager) Get(instanceID string) (Info, bool) {
	m.mu.Lock()
	inst, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return inst.Info(), true
}

// GetByTopic returns a snapshot of the instance bound to a topic, if any.
func (m *Manager) GetByTopic(topicID int) (Info, bool) {
	m.mu.Lock()
	id, ok := m.byTopic[topicID]
	if !ok {
		m.mu.Unlock()
		return Info{}, false
	}
	inst := m.instances[id]
	m.mu.Unlock()
	return inst.Info(), true
}

// List returns a snapshot of every live instance.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Info())
	}
	return out
}

// Recover is called once at startup: it marks any instance left "running"
// or mid-transition in the store (from a prior process that died without
// cleanup) as crashed, reserves each persisted port allocation in the pool
// under the instance ID that held it, and then deletes the persisted row.
// It does not restart the crashed instances, and nothing in Recover
// releases the reserved ports.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.store.MarkStaleAsCrashed()
	if err != nil {
		return fmt.Errorf("orchestrator: mark stale instances: %w", err)
	}
	if n > 0 {
		m.log.Info("marked stale instances as crashed on recovery", zap.Int("count", n))
	}

	allocations, err := m.store.ListPortAllocations()
	if err != nil {
		return fmt.Errorf("orchestrator: list port allocations: %w", err)
	}
	for _, a := range allocations {
		if err := m.ports.Reserve(a.Port, a.InstanceID); err != nil {
			m.log.Warn("failed to reserve recovered port allocation", zap.Int("port", a.Port), zap.Error(err))
		}
		_ = m.store.DeletePortAllocation(a.Port)
	}

	return nil
}

// Shutdown stops every live instance in parallel and waits for all of them
// to finish tearing down. StopInstance does not abort on ctx, so an expired
// ctx does not end the wait early.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.StopInstance(gctx, id)
		})
	}
	return g.Wait()
}

func (m *Manager) persist(inst *Instance) {
	info := inst.Info()
	rec := &store.Record{
		InstanceID:     info.ID,
		TopicID:        info.TopicID,
		Port:           info.Port,
		WorkDir:        info.WorkDir,
		SessionID:      info.SessionID,
		State:          info.State,
		PID:            info.PID,
		RestartCount:   info.RestartCount,
		LastError:      info.LastError,
		LastActivityAt: &info.LastActivityAt,
	}
	if !info.StartedAt.IsZero() {
		rec.StartedAt = &info.StartedAt
	}
	if env := inst.Env; env != nil {
		rec.EnvJSON = store.EncodeEnv(env)
	}
	if err := m.store.Upsert(rec); err != nil {
		m.log.WithInstanceID(info.ID).Error("failed to persist instance record", zap.Error(err))
	}
}

func (m *Manager) publishInstanceEvent(eventType string, inst *Instance) {
	if m.bus == nil {
		return
	}
	info := inst.Info()
	subject := events.BuildInstanceSubject(eventType, info.ID)
	evt := bus.NewEvent(eventType, "orchestrator", map[string]interface{}{
		"instanceId": info.ID,
		"topicId":    info.TopicID,
		"state":      string(info.State),
	})
	if err := m.bus.Publish(context.Background(), subject, evt); err != nil {
		m.log.Warn("failed to publish instance event", zap.String("subject", subject), zap.Error(err))
	}
}

func (m *Manager) publishPortExhausted(topicID int) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(events.PortExhausted, "orchestrator", map[string]interface{}{"topicId": topicID})
	if err := m.bus.Publish(context.Background(), events.PortExhausted, evt); err != nil {
		m.log.Warn("failed to publish port-exhausted event", zap.Error(err))
	}
}
