// Package controlplane implements the chat-facing command surface: slash
// commands typed into a topic that manage the topic's own instance
// (new/status/streaming) plus chat-wide commands (list/connect/disconnect).
package controlplane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/orchestrator"
	"github.com/kansup/kansup/internal/streaming"
	"github.com/kansup/kansup/internal/topic"
)

// ControlPlane dispatches recognized chat commands and leaves everything
// else for the router to forward as a normal agent prompt.
type ControlPlane struct {
	platform     chatplatform.Platform
	topics       *topic.Store
	manager      *orchestrator.Manager
	bridge       *streaming.Bridge
	projectsRoot string
	log          *logger.Logger
}

// New builds a ControlPlane. projectsRoot is the directory whose immediate
// subdirectories are offered by /projects as candidate workDirs.
func New(platform chatplatform.Platform, topics *topic.Store, manager *orchestrator.Manager, bridge *streaming.Bridge, projectsRoot string, log *logger.Logger) *ControlPlane {
	return &ControlPlane{
		platform:     platform,
		topics:       topics,
		manager:      manager,
		bridge:       bridge,
		projectsRoot: projectsRoot,
		log:          log,
	}
}

// IsCommand reports whether text should be handled by the control plane
// rather than forwarded to an agent session.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Handle dispatches one command message. It returns an error only for
// conditions the caller should log; user-facing problems are reported by
// sending a chat message and returning nil.
func (cp *ControlPlane) Handle(ctx context.Context, msg *chatplatform.InboundMessage) error {
	fields := strings.Fields(strings.TrimSpace(msg.Text))
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/list":
		return cp.handleList(ctx, msg.Chat)
	case "/new":
		return cp.handleNew(ctx, msg.Chat, args)
	case "/connect":
		return cp.handleConnect(ctx, msg.Chat, args)
	case "/disconnect":
		return cp.handleDisconnect(ctx, msg.Chat)
	case "/status":
		return cp.handleStatus(ctx, msg.Chat)
	case "/streaming":
		return cp.handleStreaming(ctx, msg.Chat, args)
	case "/projects":
		return cp.handleProjects(ctx, msg.Chat)
	default:
		return cp.reply(ctx, msg.Chat, "Unknown command: "+cmd)
	}
}

func (cp *ControlPlane) handleList(ctx context.Context, chat chatplatform.Chat) error {
	mappings, err := cp.topics.ListActive()
	if err != nil {
		return fmt.Errorf("controlplane: list mappings: %w", err)
	}
	if len(mappings) == 0 {
		return cp.reply(ctx, chat, "No active topics.")
	}

	var b strings.Builder
	b.WriteString("Active topics:\n")
	for _, m := range mappings {
		state := "unbound"
		if inst, ok := cp.manager.GetByTopic(m.TopicID); ok {
			state = string(inst.State)
		}
		fmt.Fprintf(&b, "• #%d %s — %s (%s)\n", m.TopicID, m.TopicName, m.WorkDir, state)
	}
	return cp.reply(ctx, chat, b.String())
}

func (cp *ControlPlane) handleNew(ctx context.Context, chat chatplatform.Chat, args []string) error {
	if len(args) == 0 {
		return cp.reply(ctx, chat, "Usage: /new <project-directory>")
	}
	workDir := cp.resolveProjectDir(args[0])
	if _, err := os.Stat(workDir); err != nil {
		return cp.reply(ctx, chat, "No such project directory: "+workDir)
	}

	if existing, err := cp.topics.GetMapping(chat.ChatID, chat.TopicID); err != nil {
		return fmt.Errorf("controlplane: lookup mapping: %w", err)
	} else if existing != nil {
		return cp.reply(ctx, chat, "This topic is already linked to "+existing.WorkDir)
	}

	if err := cp.topics.CreateMapping(&topic.Mapping{
		ChatID:  chat.ChatID,
		TopicID: chat.TopicID,
		WorkDir: workDir,
	}); err != nil {
		return fmt.Errorf("controlplane: create mapping: %w", err)
	}
	_ = cp.topics.AppendEvent(&topic.Event{ChatID: chat.ChatID, TopicID: chat.TopicID, Type: topic.EventCreated})

	inst, err := cp.manager.GetOrCreate(ctx, orchestrator.CreateRequest{TopicID: chat.TopicID, WorkDir: workDir})
	if err != nil {
		return cp.reply(ctx, chat, "Failed to start agent: "+err.Error())
	}
	return cp.reply(ctx, chat, fmt.Sprintf("Linked to %s (instance %s starting)", workDir, inst.ID))
}

func (cp *ControlPlane) handleConnect(ctx context.Context, chat chatplatform.Chat, args []string) error {
	if len(args) == 0 {
		return cp.reply(ctx, chat, "Usage: /connect <project-directory>")
	}
	workDir := cp.resolveProjectDir(args[0])

	mapping, err := cp.topics.GetMapping(chat.ChatID, chat.TopicID)
	if err != nil {
		return fmt.Errorf("controlplane: lookup mapping: %w", err)
	}
	if mapping == nil {
		if err := cp.topics.CreateMapping(&topic.Mapping{ChatID: chat.ChatID, TopicID: chat.TopicID, WorkDir: workDir}); err != nil {
			return fmt.Errorf("controlplane: create mapping: %w", err)
		}
	} else {
		if err := cp.topics.UpdateWorkDir(chat.ChatID, chat.TopicID, workDir); err != nil {
			return fmt.Errorf("controlplane: update workdir: %w", err)
		}
	}
	_ = cp.topics.AppendEvent(&topic.Event{ChatID: chat.ChatID, TopicID: chat.TopicID, Type: topic.EventLinked})
	return cp.reply(ctx, chat, "Connected to "+workDir)
}

func (cp *ControlPlane) handleDisconnect(ctx context.Context, chat chatplatform.Chat) error {
	mapping, err := cp.topics.GetMapping(chat.ChatID, chat.TopicID)
	if err != nil {
		return fmt.Errorf("controlplane: lookup mapping: %w", err)
	}
	if mapping == nil {
		return cp.reply(ctx, chat, "This topic isn't connected to anything.")
	}

	if inst, ok := cp.manager.GetByTopic(chat.TopicID); ok {
		if err := cp.manager.StopInstance(ctx, inst.ID); err != nil {
			cp.log.Warn("controlplane: failed to stop instance on disconnect", zap.String("instance", inst.ID), zap.Error(err))
		}
		cp.bridge.Unbind(inst.SessionID)
	}
	if err := cp.topics.UpdateStatus(chat.ChatID, chat.TopicID, topic.StatusClosed); err != nil {
		return fmt.Errorf("controlplane: close mapping: %w", err)
	}
	_ = cp.topics.AppendEvent(&topic.Event{ChatID: chat.ChatID, TopicID: chat.TopicID, Type: topic.EventClosed})
	return cp.reply(ctx, chat, "Disconnected.")
}

func (cp *ControlPlane) handleStatus(ctx context.Context, chat chatplatform.Chat) error {
	mapping, err := cp.topics.GetMapping(chat.ChatID, chat.TopicID)
	if err != nil {
		return fmt.Errorf("controlplane: lookup mapping: %w", err)
	}
	if mapping == nil {
		return cp.reply(ctx, chat, "This topic isn't connected to a project.")
	}

	stats, err := cp.topics.GetStats(chat.ChatID, chat.TopicID)
	if err != nil {
		return fmt.Errorf("controlplane: load stats: %w", err)
	}

	state := "unbound"
	if inst, ok := cp.manager.GetByTopic(chat.TopicID); ok {
		state = string(inst.State)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nState: %s\nStreaming: %v\n", mapping.WorkDir, state, mapping.StreamingEnabled)
	if stats != nil {
		fmt.Fprintf(&b, "Messages: %d\nTool calls: %d\nErrors: %d\n", stats.MessageCount, stats.ToolCalls, stats.ErrorCount)
	}
	return cp.reply(ctx, chat, b.String())
}

func (cp *ControlPlane) handleStreaming(ctx context.Context, chat chatplatform.Chat, args []string) error {
	mapping, err := cp.topics.GetMapping(chat.ChatID, chat.TopicID)
	if err != nil {
		return fmt.Errorf("controlplane: lookup mapping: %w", err)
	}
	if mapping == nil {
		return cp.reply(ctx, chat, "This topic isn't connected to a project.")
	}

	enabled := !mapping.StreamingEnabled
	if len(args) > 0 {
		enabled = strings.EqualFold(args[0], "on")
	}

	if err := cp.topics.UpdateStreaming(chat.ChatID, chat.TopicID, enabled); err != nil {
		return fmt.Errorf("controlplane: update streaming: %w", err)
	}
	if mapping.SessionID != "" {
		cp.bridge.SetStreaming(mapping.SessionID, enabled)
	}
	state := "off"
	if enabled {
		state = "on"
	}
	return cp.reply(ctx, chat, "Streaming is now "+state)
}

func (cp *ControlPlane) handleProjects(ctx context.Context, chat chatplatform.Chat) error {
	if cp.projectsRoot == "" {
		return cp.reply(ctx, chat, "No projects root configured.")
	}
	entries, err := os.ReadDir(cp.projectsRoot)
	if err != nil {
		return fmt.Errorf("controlplane: list projects root: %w", err)
	}

	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "• %s\n", e.Name())
		}
	}
	return cp.reply(ctx, chat, b.String())
}

// HandleCallbackQuery dispatches an inline-keyboard button press, mainly
// used for permission prompts the streaming bridge posted.
func (cp *ControlPlane) HandleCallbackQuery(ctx context.Context, cq *chatplatform.CallbackQuery) error {
	parts := strings.SplitN(cq.Data, ":", 3)
	if len(parts) != 3 || parts[0] != "perm" {
		return cp.platform.AnswerCallbackQuery(ctx, cq.ID, "")
	}
	permissionID, choice := parts[1], parts[2]

	pending, ok := cp.bridge.PendingPermissionFor(permissionID)
	if !ok {
		return cp.platform.AnswerCallbackQuery(ctx, cq.ID, "This prompt has expired.")
	}

	inst, ok := cp.instanceForSession(pending.SessionID)
	if !ok {
		return cp.platform.AnswerCallbackQuery(ctx, cq.ID, "Agent instance is no longer available.")
	}

	client := agentclient.New(fmt.Sprintf("http://127.0.0.1:%d", inst.Port), 10*time.Second, 1)
	if err := client.RespondToPermission(ctx, pending.SessionID, permissionID, agentclient.PermissionResponse(choice)); err != nil {
		cp.log.Warn("controlplane: failed to post permission response", zap.String("permission", permissionID), zap.Error(err))
		return cp.platform.AnswerCallbackQuery(ctx, cq.ID, "Failed to record your choice.")
	}

	cp.bridge.ClearPendingPermission(permissionID)
	if err := cp.platform.EditMessageText(ctx, pending.Chat, pending.MessageID, streaming.PermissionOutcomeText(choice), chatplatform.SendOptions{}); err != nil {
		cp.log.Warn("controlplane: failed to edit permission prompt with outcome", zap.String("permission", permissionID), zap.Error(err))
	}
	return cp.platform.AnswerCallbackQuery(ctx, cq.ID, "Recorded: "+choice)
}

func (cp *ControlPlane) instanceForSession(sessionID string) (orchestrator.Info, bool) {
	for _, inst := range cp.manager.List() {
		if inst.SessionID == sessionID {
			return inst, true
		}
	}
	return orchestrator.Info{}, false
}

func (cp *ControlPlane) resolveProjectDir(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	if cp.projectsRoot == "" {
		return name
	}
	return filepath.Join(cp.projectsRoot, name)
}

func (cp *ControlPlane) reply(ctx context.Context, chat chatplatform.Chat, text string) error {
	_, err := cp.platform.SendMessage(ctx, chat, text, chatplatform.SendOptions{})
	return err
}
