// Package discovery finds coding-agent processes that were started outside
// this supervisor (for example a developer's own TUI session) so the
// router can attach to them instead of spawning a redundant managed
// instance. No process-enumeration library appears anywhere in the example
// pack, so this walks /proc directly, the same primitive-building posture
// the teacher takes for port allocation and process-group signaling.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/common/logger"
)

const defaultCacheTTL = 10 * time.Second

// Candidate is one discovered agent process.
type Candidate struct {
	PID       int
	Port      int
	WorkDir   string
	IsTUI     bool
	Sessions  []agentclient.Session
}

// Scanner locates agent processes by binary name and probes candidate
// ports for a live HTTP endpoint rooted at the process's working
// directory.
type Scanner struct {
	binaryName  string
	portRange   [2]int
	log         *logger.Logger
	reqTimeout  time.Duration

	mu       sync.Mutex
	cached   []Candidate
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewScanner builds a Scanner that matches processes named binaryName and
// probes ports in [portFrom, portTo] for a responding agent.
func NewScanner(binaryName string, portFrom, portTo int, reqTimeout time.Duration, log *logger.Logger) *Scanner {
	return &Scanner{
		binaryName: binaryName,
		portRange:  [2]int{portFrom, portTo},
		log:        log,
		reqTimeout: reqTimeout,
		cacheTTL:   defaultCacheTTL,
	}
}

// Scan returns every live agent process found, using a short-lived cache to
// avoid re-probing the whole port range on every router lookup.
func (s *Scanner) Scan(ctx context.Context) []Candidate {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		cached := append([]Candidate(nil), s.cached...)
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	procs := s.matchingProcesses()
	var found []Candidate

	for _, p := range procs {
		port, ok := s.probePort(ctx, p.workDir)
		if !ok {
			continue
		}
		sessions, isTUI := s.probeSessions(ctx, port, p.workDir)
		found = append(found, Candidate{
			PID:      p.pid,
			Port:     port,
			WorkDir:  p.workDir,
			IsTUI:    isTUI,
			Sessions: sessions,
		})
	}

	s.mu.Lock()
	s.cached = found
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return found
}

// ForWorkDir returns the candidate whose WorkDir matches dir, if any.
func (s *Scanner) ForWorkDir(ctx context.Context, dir string) (Candidate, bool) {
	for _, c := range s.Scan(ctx) {
		if c.WorkDir == dir {
			return c, true
		}
	}
	return Candidate{}, false
}

type procInfo struct {
	pid     int
	workDir string
}

// matchingProcesses walks /proc, reading cmdline and cwd for every numeric
// PID directory, and returns those whose argv[0] basename matches the
// configured binary name.
func (s *Scanner) matchingProcesses() []procInfo {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		s.log.Debug("discovery: cannot read /proc, skipping process scan", zap.Error(err))
		return nil
	}

	var procs []procInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		cmdlineBytes, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil || len(cmdlineBytes) == 0 {
			continue
		}
		argv := strings.Split(strings.TrimRight(string(cmdlineBytes), "\x00"), "\x00")
		if len(argv) == 0 {
			continue
		}
		if filepath.Base(argv[0]) != s.binaryName {
			continue
		}

		cwd, err := os.Readlink(filepath.Join("/proc", e.Name(), "cwd"))
		if err != nil {
			continue
		}

		procs = append(procs, procInfo{pid: pid, workDir: cwd})
	}
	return procs
}

// probePort tries every port in the configured range looking for an agent
// whose /session endpoint reports workDir, returning the first match.
func (s *Scanner) probePort(ctx context.Context, workDir string) (int, bool) {
	for port := s.portRange[0]; port <= s.portRange[1]; port++ {
		client := agentclient.New(baseURL(port), s.reqTimeout, 0)
		probeCtx, cancel := context.WithTimeout(ctx, s.reqTimeout)
		sessions, err := client.ListSessions(probeCtx)
		cancel()
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if sess.Directory == workDir {
				return port, true
			}
		}
	}
	return 0, false
}

// probeSessions fetches the session list for port and reports whether the
// process looks like an interactive TUI session (no sessions bound to
// workDir yet, meaning it's idle and awaiting a terminal user) versus an
// already-active headless instance.
func (s *Scanner) probeSessions(ctx context.Context, port int, workDir string) ([]agentclient.Session, bool) {
	client := agentclient.New(baseURL(port), s.reqTimeout, 0)
	probeCtx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()

	sessions, err := client.ListSessions(probeCtx)
	if err != nil {
		return nil, false
	}

	isTUI := len(sessions) == 0
	return sessions, isTUI
}

// IsPortAlive reports whether port answers a health probe within the
// scanner's request timeout.
func (s *Scanner) IsPortAlive(ctx context.Context, port int) bool {
	client := agentclient.New(baseURL(port), s.reqTimeout, 0)
	probeCtx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()
	_, err := client.Health(probeCtx)
	return err == nil
}

// IsSessionAlive reports whether sessionID still exists on the agent at
// port.
func (s *Scanner) IsSessionAlive(ctx context.Context, port int, sessionID string) bool {
	client := agentclient.New(baseURL(port), s.reqTimeout, 0)
	probeCtx, cancel := context.WithTimeout(ctx, s.reqTimeout)
	defer cancel()
	_, err := client.GetSession(probeCtx, sessionID)
	return err == nil
}

func baseURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}
