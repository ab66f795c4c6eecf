// Package router decides, for every inbound chat message, which agent
// session should receive it: an externally-discovered process, an
// already-known session, or a freshly spawned managed instance.
package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/common/constants"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/discovery"
	"github.com/kansup/kansup/internal/orchestrator"
	"github.com/kansup/kansup/internal/streaming"
	"github.com/kansup/kansup/internal/topic"
)

// Router binds inbound chat messages to agent sessions, preferring
// already-live sessions (external or managed) over spawning new instances.
type Router struct {
	topics   *topic.Store
	manager  *orchestrator.Manager
	scanner  *discovery.Scanner
	bridge   *streaming.Bridge
	log      *logger.Logger
	waitFor  time.Duration
}

// New builds a Router.
func New(topics *topic.Store, manager *orchestrator.Manager, scanner *discovery.Scanner, bridge *streaming.Bridge, log *logger.Logger) *Router {
	return &Router{
		topics:  topics,
		manager: manager,
		scanner: scanner,
		bridge:  bridge,
		log:     log,
		waitFor: constants.ReconnectSendTimeout,
	}
}

// Route handles one inbound message: it resolves the destination session,
// forwards the text, records activity, and returns the sessionID used.
func (r *Router) Route(ctx context.Context, msg *chatplatform.InboundMessage) (string, error) {
	mapping, err := r.topics.GetMapping(msg.Chat.ChatID, msg.Chat.TopicID)
	if err != nil {
		return "", fmt.Errorf("router: lookup mapping: %w", err)
	}
	if mapping == nil {
		return "", fmt.Errorf("router: no mapping bound to chat %d topic %d", msg.Chat.ChatID, msg.Chat.TopicID)
	}

	sessionID, port, err := r.resolveSession(ctx, mapping)
	if err != nil {
		return "", err
	}

	client := agentclient.New(fmt.Sprintf("http://127.0.0.1:%d", port), constants.HTTPRequestTimeout, 1)
	if err := client.SendAsync(ctx, sessionID, msg.Text, agentclient.SendOpts{}); err != nil {
		return "", fmt.Errorf("router: forward message to session %s: %w", sessionID, err)
	}

	r.bridge.RecordUserMessage(sessionID, msg.Text)
	if inst, ok := r.manager.GetByTopic(mapping.TopicID); ok {
		r.manager.RecordActivity(inst.ID)
	}
	_ = r.topics.RecordMessage(msg.Chat.ChatID, msg.Chat.TopicID)

	return sessionID, nil
}

// resolveSession implements the precedence order: an already-bound
// external session (reconnecting it if it went stale), then a
// newly-discovered external process matching the mapping's workDir, then a
// managed instance obtained via getOrCreate.
func (r *Router) resolveSession(ctx context.Context, mapping *topic.Mapping) (sessionID string, port int, err error) {
	if mapping.SessionID != "" {
		if inst, ok := r.findManagedBySession(mapping.SessionID); ok {
			return mapping.SessionID, inst.Port, nil
		}

		if cand, ok := r.scanner.ForWorkDir(ctx, mapping.WorkDir); ok {
			if r.scanner.IsSessionAlive(ctx, cand.Port, mapping.SessionID) {
				return mapping.SessionID, cand.Port, nil
			}
			if reattached, ok := r.reconnect(ctx, cand, mapping); ok {
				return reattached, cand.Port, nil
			}
		}
	}

	if cand, ok := r.scanner.ForWorkDir(ctx, mapping.WorkDir); ok && cand.IsTUI {
		if len(cand.Sessions) > 0 {
			sid := cand.Sessions[0].ID
			_ = r.topics.UpdateSession(mapping.ChatID, mapping.TopicID, sid)
			return sid, cand.Port, nil
		}
	}

	inst, err := r.manager.GetOrCreate(ctx, orchestrator.CreateRequest{
		TopicID: mapping.TopicID,
		WorkDir: mapping.WorkDir,
	})
	if err != nil {
		return "", 0, fmt.Errorf("router: obtain managed instance: %w", err)
	}

	sid, err := r.waitForSession(ctx, inst)
	if err != nil {
		return "", 0, err
	}
	if mapping.SessionID != sid {
		_ = r.topics.UpdateSession(mapping.ChatID, mapping.TopicID, sid)
	}
	return sid, inst.Info().Port, nil
}

// waitForSession blocks until inst is running with a bound sessionID, up to
// the router's configured wait budget; the supervisor binds sessionID
// asynchronously once the agent reports its sessions, not at health-pass
// time.
func (r *Router) waitForSession(ctx context.Context, inst *orchestrator.Instance) (string, error) {
	deadline := time.Now().Add(r.waitFor)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		info := inst.Info()
		if info.SessionID != "" {
			return info.SessionID, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("router: timed out waiting for instance %s to bind a session", inst.ID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// reconnect re-attaches to a rediscovered external session after a probe
// failure: it checks the candidate's port once and, if it answers, returns
// the candidate session whose directory matches the mapping's workDir.
func (r *Router) reconnect(ctx context.Context, cand discovery.Candidate, mapping *topic.Mapping) (string, bool) {
	reconnectCtx, cancel := context.WithTimeout(ctx, constants.ReconnectSendTimeout)
	defer cancel()

	if r.scanner.IsPortAlive(reconnectCtx, cand.Port) {
		for _, sess := range cand.Sessions {
			if sess.Directory == mapping.WorkDir {
				r.log.Info("router: reconnected to external session", zap.String("session", sess.ID))
				return sess.ID, true
			}
		}
	}
	return "", false
}

func (r *Router) findManagedBySession(sessionID string) (orchestrator.Info, bool) {
	for _, inst := range r.manager.List() {
		if inst.SessionID == sessionID {
			return inst, true
		}
	}
	return orchestrator.Info{}, false
}
