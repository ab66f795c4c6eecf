package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/common/appctx"
	"github.com/kansup/kansup/internal/common/constants"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/events"
	"github.com/kansup/kansup/internal/orchestrator/store"
)

// spawn execs the configured agent command bound to port and workDir, wiring
// stdout/stderr into the supervisor's logger at debug level. It does not
// block for the process to become healthy; callers poll waitHealthy.
func (m *Manager) spawn(inst *Instance) error {
	log := m.log.WithInstanceID(inst.ID)

	args := append([]string{}, m.cfg.Agent.ExtraArgs...)
	args = append(args, "--port", strconv.Itoa(inst.Port), m.cfg.Agent.WorkspaceFlag, inst.WorkDir)

	cmd := exec.Command(m.cfg.Agent.Command, args...)
	cmd.Dir = inst.WorkDir
	cmd.Env = os.Environ()
	for k, v := range inst.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("orchestrator: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("orchestrator: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("orchestrator: start agent process: %w", err)
	}

	inst.mu.Lock()
	inst.cmd = cmd
	inst.PID = cmd.Process.Pid
	inst.StartedAt = time.Now()
	inst.exited = make(chan struct{})
	exited := inst.exited
	inst.mu.Unlock()

	go streamLines(stdout, log, "stdout")
	go streamLines(stderr, log, "stderr")

	go func() {
		waitErr := cmd.Wait()
		close(exited)
		m.onProcessExit(inst, waitErr)
	}()

	log.Info("agent process spawned", zap.Int("port", inst.Port), zap.Int("pid", inst.PID))
	return nil
}

// streamLines forwards a subprocess pipe's lines into the debug log, one
// field-tagged entry per line, until the pipe is closed.
func streamLines(r io.Reader, log *logger.Logger, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug(scanner.Text(), zap.String("stream", stream))
	}
}

// waitHealthy polls GET /session on the instance's agent endpoint until it
// answers or the startup timeout elapses.
func (m *Manager) waitHealthy(ctx context.Context, inst *Instance) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Orchestrator.StartupTimeout())
	defer cancel()

	client := agentclient.New(baseURL(inst.Port), m.cfg.Agent.RequestTimeout(), 0)
	ticker := time.NewTicker(constants.HealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.exited:
			return fmt.Errorf("orchestrator: agent process exited before becoming healthy")
		case <-ctx.Done():
			return fmt.Errorf("orchestrator: timed out waiting for agent to become healthy: %w", ctx.Err())
		case <-ticker.C:
			if _, err := client.ListSessions(ctx); err == nil {
				return nil
			}
		}
	}
}

// onProcessExit is invoked from the process-reaper goroutine once the agent
// subprocess has exited. A clean exit while the instance was stopping is
// expected; any other exit is a crash.
func (m *Manager) onProcessExit(inst *Instance, waitErr error) {
	state := inst.getState()
	if state == store.StateStopping || state == store.StateStopped {
		return
	}

	log := m.log.WithInstanceID(inst.ID)
	if waitErr != nil {
		inst.mu.Lock()
		inst.LastError = waitErr.Error()
		inst.mu.Unlock()
	}
	log.Warn("agent process exited unexpectedly", zap.Error(waitErr))

	inst.setState(store.StateCrashed)
	m.persist(inst)
	m.publishInstanceEvent(events.InstanceCrashed, inst)

	m.maybeRestart(inst)
}

// stopHealthAndIdle cancels the background health-poll and idle-watchdog
// goroutines for an instance, if running.
func stopHealthAndIdle(inst *Instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.stopHealth != nil {
		close(inst.stopHealth)
		inst.stopHealth = nil
	}
	if inst.stopIdle != nil {
		close(inst.stopIdle)
		inst.stopIdle = nil
	}
}

// runHealthLoop periodically checks a running instance's health endpoint;
// repeated failures mark the instance crashed so maybeRestart can take over.
func (m *Manager) runHealthLoop(inst *Instance) {
	inst.mu.Lock()
	stop := make(chan struct{})
	inst.stopHealth = stop
	inst.mu.Unlock()

	client := agentclient.New(baseURL(inst.Port), m.cfg.Agent.RequestTimeout(), 1)
	ticker := time.NewTicker(m.cfg.Orchestrator.HealthCheckInterval())
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Agent.RequestTimeout())
			_, err := client.Health(ctx)
			cancel()
			if err != nil {
				consecutiveFailures++
			} else {
				consecutiveFailures = 0
			}
			if consecutiveFailures >= 3 {
				m.log.WithInstanceID(inst.ID).Warn("agent health checks failing, marking crashed")
				inst.setState(store.StateCrashed)
				m.persist(inst)
				m.publishInstanceEvent(events.InstanceCrashed, inst)
				m.maybeRestart(inst)
				return
			}
		}
	}
}

// runIdleWatchdog stops an instance that has had no recorded activity for
// longer than the configured idle timeout.
func (m *Manager) runIdleWatchdog(inst *Instance) {
	inst.mu.Lock()
	stop := make(chan struct{})
	inst.stopIdle = stop
	timeout := inst.idleTimeout
	inst.mu.Unlock()
	if timeout <= 0 {
		timeout = m.cfg.Orchestrator.IdleTimeout()
	}

	interval := timeout / 4
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			inst.mu.Lock()
			idleFor := time.Since(inst.LastActivityAt)
			inst.mu.Unlock()
			if idleFor >= timeout {
				m.log.WithInstanceID(inst.ID).Info("instance idle timeout reached")
				m.publishInstanceEvent(events.InstanceIdleTimeout, inst)
				stopCtx, cancel := appctx.DetachedWithValues(context.Background(), m.stopCh, constants.StopGracePeriod+2*time.Second)
				_ = m.StopInstance(stopCtx, inst.ID)
				cancel()
				return
			}
		}
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL if
// the process has not exited within the grace period.
func terminate(inst *Instance) {
	inst.mu.Lock()
	cmd := inst.cmd
	exited := inst.exited
	inst.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	if exited == nil {
		return
	}

	select {
	case <-exited:
		return
	case <-time.After(constants.StopGracePeriod):
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
	}
}

func baseURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
