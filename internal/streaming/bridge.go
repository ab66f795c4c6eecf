// Package streaming bridges one agent's SSE event stream to chat messages:
// it renders tool activity and assistant text as a live-edited "progress
// bubble", throttles edits to stay under the platform's rate limits, and
// surfaces permission prompts as inline-keyboard messages.
package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/common/logger"
)

const (
	streamingInterval    = 3000 * time.Millisecond
	nonStreamingInterval = 2000 * time.Millisecond
	maxCacheEntries      = 100
	trimToEntries        = 50
	maxMessageRunes      = 3800
)

// sessionBinding binds one agent session to its chat destination.
type sessionBinding struct {
	chat      chatplatform.Chat
	streaming bool
}

// bubble is the live-edited progress message for one in-flight turn.
type bubble struct {
	mu sync.Mutex

	chat      chatplatform.Chat
	messageID int

	text          strings.Builder
	toolLines     []string
	limiter       *rate.Limiter
	pendingSend   bool
	dirty         bool
	done          bool
	suppressUntil time.Time // edits withheld until this time after a rate-limit signal
}

// Bridge owns the session/message state for one agent endpoint's event
// stream and relays it onto a chatplatform.Platform.
type Bridge struct {
	platform chatplatform.Platform
	log      *logger.Logger

	mu           sync.Mutex
	sessions     map[string]*sessionBinding
	bubbles      map[string]*bubble           // sessionID -> active bubble
	messageRoles map[string]string            // "sessionID\x00messageID" -> "user"|"assistant", bounded
	sentUserMessages map[string]struct{}      // "sessionID\x00normalizedText" deposited by RecordUserMessage, bounded
	pendingPerms map[string]PendingPermission // permissionID -> pending
}

type PendingPermission struct {
	SessionID string
	Chat      chatplatform.Chat
	MessageID int
}

// NewBridge creates a Bridge that relays onto platform.
func NewBridge(platform chatplatform.Platform, log *logger.Logger) *Bridge {
	return &Bridge{
		platform:         platform,
		log:              log,
		sessions:         make(map[string]*sessionBinding),
		bubbles:          make(map[string]*bubble),
		messageRoles:     make(map[string]string),
		sentUserMessages: make(map[string]struct{}),
		pendingPerms:     make(map[string]PendingPermission),
	}
}

// SetPlatform attaches the chat surface a Bridge constructed without one
// (via NewBridge(nil, ...)) should relay onto. Call before handling any
// events.
func (b *Bridge) SetPlatform(platform chatplatform.Platform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platform = platform
}

// BindSession associates sessionID with chat and its streaming preference.
func (b *Bridge) BindSession(sessionID string, chat chatplatform.Chat, streamingEnabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &sessionBinding{chat: chat, streaming: streamingEnabled}
}

// SetStreaming toggles streaming mode for sessionID.
func (b *Bridge) SetStreaming(sessionID string, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		s.streaming = enabled
	}
}

// Unbind drops all state for sessionID (called on instance stop/crash).
func (b *Bridge) Unbind(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
	delete(b.bubbles, sessionID)
}

// RecordUserMessage marks (sessionID, text) as forwarded to the agent on
// behalf of a chat user, so the corresponding user-role message.part.updated
// echo (if any) is suppressed instead of being mirrored back into the
// progress bubble.
func (b *Bridge) RecordUserMessage(sessionID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentUserMessages[echoKey(sessionID, text)] = struct{}{}
	trimSet(b.sentUserMessages)
}

// isOwnEcho reports whether (sessionID, text) was previously deposited by
// RecordUserMessage, consuming the entry so a second identical user message
// later in the same session is not silently suppressed too.
func (b *Bridge) isOwnEcho(sessionID, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := echoKey(sessionID, text)
	_, ok := b.sentUserMessages[key]
	if ok {
		delete(b.sentUserMessages, key)
	}
	return ok
}

// recordMessageRole remembers the role reported for one agent-side message
// id, so a later message.part.updated for the same id that omits its own
// role can still be classified.
func (b *Bridge) recordMessageRole(sessionID, messageID, role string) {
	if messageID == "" || role == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageRoles[roleKey(sessionID, messageID)] = role
	trimMap(b.messageRoles)
}

func (b *Bridge) lookupMessageRole(sessionID, messageID string) string {
	if messageID == "" {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messageRoles[roleKey(sessionID, messageID)]
}

func trimSet(m map[string]struct{}) {
	if len(m) <= maxCacheEntries {
		return
	}
	// Drop entries in Go's randomized map iteration order until
	// trimToEntries remain; which entries go does not depend on their age.
	excess := len(m) - trimToEntries
	for k := range m {
		if excess <= 0 {
			break
		}
		delete(m, k)
		excess--
	}
}

func trimMap(m map[string]string) {
	if len(m) <= maxCacheEntries {
		return
	}
	excess := len(m) - trimToEntries
	for k := range m {
		if excess <= 0 {
			break
		}
		delete(m, k)
		excess--
	}
}

func echoKey(sessionID, text string) string {
	return sessionID + "\x00" + normalizeText(text)
}

func roleKey(sessionID, messageID string) string {
	return sessionID + "\x00" + messageID
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// eventRole extracts the message role ("user"|"assistant") from wherever the
// agent's event payload places it.
func eventRole(evt agentclient.Event) string {
	if role, ok := evt.Properties["role"].(string); ok && role != "" {
		return role
	}
	if msg, ok := evt.Properties["message"].(map[string]interface{}); ok {
		if role, ok := msg["role"].(string); ok {
			return role
		}
	}
	if part, ok := evt.Properties["part"].(map[string]interface{}); ok {
		if role, ok := part["role"].(string); ok {
			return role
		}
	}
	return ""
}

// eventMessageID extracts the agent-side message id from wherever the event
// payload places it, for cross-event role lookups.
func eventMessageID(evt agentclient.Event) string {
	for _, key := range []string{"messageId", "messageID", "id"} {
		if v, ok := evt.Properties[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	if msg, ok := evt.Properties["message"].(map[string]interface{}); ok {
		for _, key := range []string{"id", "messageId"} {
			if v, ok := msg[key]; ok {
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}

// HandleAgentEvent dispatches one parsed SSE event from the agent for
// sessionID.
func (b *Bridge) HandleAgentEvent(ctx context.Context, sessionID string, evt agentclient.Event) {
	b.mu.Lock()
	binding, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	switch evt.Type {
	case "message.part.updated", "message.updated":
		b.handleMessageUpdate(ctx, sessionID, binding, evt, evt.Type)
	case "tool.execute":
		b.handleToolExecute(ctx, sessionID, binding, evt)
	case "tool.result":
		b.handleToolResult(ctx, sessionID, binding, evt)
	case "session.idle":
		b.finalize(ctx, sessionID, binding)
	case "session.error":
		b.handleSessionError(ctx, sessionID, binding, evt)
	case "permission.updated":
		b.handlePermissionUpdated(ctx, sessionID, binding, evt)
	case "permission.replied":
		b.handlePermissionReplied(ctx, sessionID, evt)
	case "session.updated":
		// No chat-visible effect; session metadata changes are not rendered.
	}
}

func (b *Bridge) getOrCreateBubble(sessionID string, chat chatplatform.Chat, streaming bool) *bubble {
	b.mu.Lock()
	defer b.mu.Unlock()
	bub, ok := b.bubbles[sessionID]
	if ok && !bub.done {
		return bub
	}
	interval := nonStreamingInterval
	if streaming {
		interval = streamingInterval
	}
	bub = &bubble{
		chat:    chat,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	b.bubbles[sessionID] = bub
	return bub
}

func (b *Bridge) handleMessageUpdate(ctx context.Context, sessionID string, binding *sessionBinding, evt agentclient.Event, evtType string) {
	role := eventRole(evt)
	messageID := eventMessageID(evt)
	if role != "" {
		b.recordMessageRole(sessionID, messageID, role)
	} else {
		role = b.lookupMessageRole(sessionID, messageID)
	}

	if evtType == "message.updated" {
		// message.updated carries role/metadata only; per-turn text lives on
		// message.part.updated and is handled below.
		return
	}

	text, _ := evt.Properties["text"].(string)
	if text == "" {
		if part, ok := evt.Properties["part"].(map[string]interface{}); ok {
			text, _ = part["text"].(string)
		}
	}
	if text == "" {
		return
	}

	if role == "user" {
		if b.isOwnEcho(sessionID, text) {
			return
		}
		text = "💬 from agent UI: " + text
	}

	bub := b.getOrCreateBubble(sessionID, binding.chat, binding.streaming)
	bub.mu.Lock()
	bub.text.Reset()
	bub.text.WriteString(text)
	bub.dirty = true
	bub.mu.Unlock()

	b.maybeFlush(ctx, sessionID, bub)
}

func (b *Bridge) handleToolExecute(ctx context.Context, sessionID string, binding *sessionBinding, evt agentclient.Event) {
	tool, _ := evt.Properties["tool"].(string)
	if tool == "" {
		tool = "tool"
	}
	bub := b.getOrCreateBubble(sessionID, binding.chat, binding.streaming)
	bub.mu.Lock()
	bub.toolLines = append(bub.toolLines, fmt.Sprintf("⏳ %s", tool))
	bub.dirty = true
	bub.mu.Unlock()

	b.maybeFlush(ctx, sessionID, bub)
}

func (b *Bridge) handleToolResult(ctx context.Context, sessionID string, binding *sessionBinding, evt agentclient.Event) {
	tool, _ := evt.Properties["tool"].(string)
	if tool == "" {
		tool = "tool"
	}
	bub := b.getOrCreateBubble(sessionID, binding.chat, binding.streaming)
	bub.mu.Lock()
	if n := len(bub.toolLines); n > 0 {
		bub.toolLines[n-1] = fmt.Sprintf("✅ %s", tool)
	} else {
		bub.toolLines = append(bub.toolLines, fmt.Sprintf("✅ %s", tool))
	}
	bub.dirty = true
	bub.mu.Unlock()

	b.maybeFlush(ctx, sessionID, bub)
}

func (b *Bridge) handleSessionError(ctx context.Context, sessionID string, binding *sessionBinding, evt agentclient.Event) {
	msg, _ := evt.Properties["message"].(string)
	if msg == "" {
		msg = "the agent reported an error"
	}
	if _, err := b.platform.SendMessage(ctx, binding.chat, "⚠️ "+msg, chatplatform.SendOptions{}); err != nil {
		b.log.Warn("failed to send session error notice", zap.String("session", sessionID), zap.Error(err))
	}
	b.finalize(ctx, sessionID, binding)
}

func (b *Bridge) handlePermissionUpdated(ctx context.Context, sessionID string, binding *sessionBinding, evt agentclient.Event) {
	permissionID, _ := evt.Properties["id"].(string)
	title, _ := evt.Properties["title"].(string)
	if title == "" {
		title = "Approve this action?"
	}
	if permissionID == "" {
		return
	}

	kb := chatplatform.InlineKeyboard{{
		{Text: "Once", CallbackData: "perm:" + permissionID + ":once"},
		{Text: "Always", CallbackData: "perm:" + permissionID + ":always"},
		{Text: "Reject", CallbackData: "perm:" + permissionID + ":reject"},
	}}

	messageID, err := b.platform.SendMessage(ctx, binding.chat, title, chatplatform.SendOptions{ReplyMarkup: kb})
	if err != nil {
		b.log.Warn("failed to send permission prompt", zap.String("session", sessionID), zap.Error(err))
		return
	}

	b.mu.Lock()
	b.pendingPerms[permissionID] = PendingPermission{SessionID: sessionID, Chat: binding.chat, MessageID: messageID}
	b.mu.Unlock()
}

// handlePermissionReplied overwrites a pending permission prompt with its
// outcome when the agent itself reports the reply (e.g. answered from the
// agent's own UI rather than via the chat callback button) and drops the
// pending entry.
func (b *Bridge) handlePermissionReplied(ctx context.Context, sessionID string, evt agentclient.Event) {
	permissionID, _ := evt.Properties["id"].(string)
	if permissionID == "" {
		return
	}
	b.mu.Lock()
	pending, ok := b.pendingPerms[permissionID]
	delete(b.pendingPerms, permissionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	choice, _ := evt.Properties["response"].(string)
	if choice == "" {
		choice, _ = evt.Properties["choice"].(string)
	}
	if err := b.platform.EditMessageText(ctx, pending.Chat, pending.MessageID, PermissionOutcomeText(choice), chatplatform.SendOptions{}); err != nil {
		b.log.Warn("failed to edit permission prompt with outcome", zap.String("session", sessionID), zap.Error(err))
	}
}

// PermissionOutcomeText renders the chat-visible text a permission prompt is
// overwritten with once it has been replied to, from either the callback
// path (controlplane) or an agent-reported permission.replied event.
func PermissionOutcomeText(choice string) string {
	switch agentclient.PermissionResponse(choice) {
	case agentclient.PermissionOnce:
		return "✅ Permission granted (once)."
	case agentclient.PermissionAlways:
		return "✅ Permission granted (always)."
	case agentclient.PermissionReject:
		return "🚫 Permission denied."
	default:
		return "Permission recorded: " + choice
	}
}

// PendingPermissionFor returns the pending permission with the given
// permission ID, if it is still awaiting a reply.
func (b *Bridge) PendingPermissionFor(permissionID string) (PendingPermission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pendingPerms[permissionID]
	return p, ok
}

// ClearPendingPermission removes permissionID once a reply has been posted
// back to the agent.
func (b *Bridge) ClearPendingPermission(permissionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pendingPerms, permissionID)
}

// maybeFlush sends or edits the bubble's message if its rate limiter
// allows, skipping the update otherwise (the next dirty write will retry).
func (b *Bridge) maybeFlush(ctx context.Context, sessionID string, bub *bubble) {
	bub.mu.Lock()
	if bub.pendingSend || !bub.dirty {
		bub.mu.Unlock()
		return
	}
	if !bub.suppressUntil.IsZero() && time.Now().Before(bub.suppressUntil) {
		bub.mu.Unlock()
		return
	}
	if !bub.limiter.Allow() {
		bub.mu.Unlock()
		return
	}
	bub.pendingSend = true
	bub.dirty = false
	rendered := renderBubble(bub)
	chat := bub.chat
	messageID := bub.messageID
	bub.mu.Unlock()

	go b.flush(ctx, sessionID, bub, chat, messageID, rendered)
}

func (b *Bridge) flush(ctx context.Context, sessionID string, bub *bubble, chat chatplatform.Chat, messageID int, rendered string) {
	defer func() {
		bub.mu.Lock()
		bub.pendingSend = false
		bub.mu.Unlock()
	}()

	if messageID == 0 {
		id, err := b.platform.SendMessage(ctx, chat, rendered, chatplatform.SendOptions{ParseMode: "html"})
		if err != nil {
			b.log.Warn("failed to send progress bubble", zap.String("session", sessionID), zap.Error(err))
			return
		}
		bub.mu.Lock()
		bub.messageID = id
		bub.mu.Unlock()
		return
	}

	if err := b.platform.EditMessageText(ctx, chat, messageID, rendered, chatplatform.SendOptions{ParseMode: "html"}); err != nil {
		switch e := err.(type) {
		case *chatplatform.NotModifiedError:
			return
		case *chatplatform.MessageNotFoundError:
			bub.mu.Lock()
			bub.messageID = 0
			bub.dirty = true
			bub.mu.Unlock()
		case *chatplatform.RateLimitError:
			bub.mu.Lock()
			bub.suppressUntil = time.Now().Add(time.Duration(e.RetryAfterSeconds) * time.Second)
			bub.dirty = true
			bub.mu.Unlock()
			b.log.Warn("progress bubble edit rate limited, suppressing further edits",
				zap.String("session", sessionID), zap.Int("retryAfterSeconds", e.RetryAfterSeconds))
		default:
			b.log.Warn("failed to edit progress bubble", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

// finalize flushes the bubble's final state unconditionally (ignoring the
// rate limiter) and marks the session idle; finalization is expected to
// succeed, so it retries transient failures a bounded number of times.
func (b *Bridge) finalize(ctx context.Context, sessionID string, binding *sessionBinding) {
	b.mu.Lock()
	bub, ok := b.bubbles[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	bub.mu.Lock()
	bub.done = true
	rendered := renderBubble(bub)
	chat := bub.chat
	messageID := bub.messageID
	bub.mu.Unlock()

	const maxAttempts = 3
	var lastErr error
	var nextWait time.Duration
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(nextWait)
		}
		nextWait = time.Duration(attempt+1) * 500 * time.Millisecond

		var err error
		if messageID == 0 {
			_, err = b.platform.SendMessage(ctx, chat, rendered, chatplatform.SendOptions{ParseMode: "html"})
		} else {
			err = b.platform.EditMessageText(ctx, chat, messageID, rendered, chatplatform.SendOptions{ParseMode: "html"})
		}

		if err == nil {
			lastErr = nil
			break
		}
		if _, ok := err.(*chatplatform.NotModifiedError); ok {
			lastErr = nil
			break
		}
		if _, ok := err.(*chatplatform.MessageNotFoundError); ok {
			messageID = 0
			lastErr = err
			continue
		}
		if rle, ok := err.(*chatplatform.RateLimitError); ok {
			nextWait = time.Duration(rle.RetryAfterSeconds)*time.Second + 500*time.Millisecond
			lastErr = err
			continue
		}
		lastErr = err
	}

	if lastErr != nil {
		b.log.Warn("failed to finalize progress bubble after retries", zap.String("session", sessionID), zap.Error(lastErr))
	}

	b.mu.Lock()
	delete(b.bubbles, sessionID)
	b.mu.Unlock()
}

// renderBubble composes the tool-activity lines and current assistant text
// into one HTML message, truncated to stay under the platform's length
// limit.
func renderBubble(bub *bubble) string {
	var raw strings.Builder
	for _, line := range bub.toolLines {
		raw.WriteString(line)
		raw.WriteByte('\n')
	}
	if bub.text.Len() > 0 {
		if raw.Len() > 0 {
			raw.WriteByte('\n')
		}
		raw.WriteString(bub.text.String())
	}

	rendered := ToRichText(raw.String())
	return TruncateRichText(rendered, maxMessageRunes)
}
