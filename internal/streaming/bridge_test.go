package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/common/logger"
)

type fakePlatform struct {
	mu     sync.Mutex
	sent   []string
	edited []string
	nextID int

	// editErrQueue lets a test script a sequence of errors returned from
	// successive EditMessageText calls; once exhausted, edits succeed.
	editErrQueue []error
	editCalls    int
}

func (f *fakePlatform) SendMessage(ctx context.Context, chat chatplatform.Chat, text string, opts chatplatform.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, text)
	return f.nextID, nil
}

func (f *fakePlatform) EditMessageText(ctx context.Context, chat chatplatform.Chat, messageID int, text string, opts chatplatform.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	idx := f.editCalls
	f.editCalls++
	if idx < len(f.editErrQueue) {
		return f.editErrQueue[idx]
	}
	return nil
}

func (f *fakePlatform) DeleteMessage(ctx context.Context, chat chatplatform.Chat, messageID int) error {
	return nil
}
func (f *fakePlatform) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	return 0, nil
}
func (f *fakePlatform) DeleteForumTopic(ctx context.Context, chat chatplatform.Chat) error { return nil }
func (f *fakePlatform) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return nil
}
func (f *fakePlatform) Updates() <-chan chatplatform.Update { return nil }
func (f *fakePlatform) Run(ctx context.Context) error        { return nil }
func (f *fakePlatform) Close() error                         { return nil }

func (f *fakePlatform) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edited)
}

func TestBridge_HandleMessageUpdate_SendsBubble(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "message.part.updated",
		Properties: map[string]interface{}{"text": "hello"},
	})

	require.Eventually(t, func() bool {
		platform.mu.Lock()
		defer platform.mu.Unlock()
		return len(platform.sent) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, platform.sent[0], "hello")
}

func TestBridge_Finalize_SendsFinalState(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	binding := &sessionBinding{chat: chat, streaming: false}
	b.mu.Lock()
	b.sessions["sess-1"] = binding
	b.mu.Unlock()

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "message.part.updated",
		Properties: map[string]interface{}{"text": "partial"},
	})
	time.Sleep(50 * time.Millisecond)

	b.finalize(context.Background(), "sess-1", binding)

	b.mu.Lock()
	_, stillTracked := b.bubbles["sess-1"]
	b.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestBridge_PermissionPromptRoundTrip(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "permission.updated",
		Properties: map[string]interface{}{"id": "perm-1", "title": "Run rm -rf?"},
	})

	pending, ok := b.PendingPermissionFor("perm-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", pending.SessionID)

	b.ClearPendingPermission("perm-1")
	_, ok = b.PendingPermissionFor("perm-1")
	assert.False(t, ok)
}

func TestBridge_PermissionReplied_EditsPromptWithOutcome(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "permission.updated",
		Properties: map[string]interface{}{"id": "perm-1", "title": "Run rm -rf?"},
	})
	require.Len(t, platform.sent, 1)

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "permission.replied",
		Properties: map[string]interface{}{"id": "perm-1", "response": "reject"},
	})

	require.Len(t, platform.edited, 1)
	assert.Contains(t, platform.edited[0], "denied")

	_, ok := b.PendingPermissionFor("perm-1")
	assert.False(t, ok, "pending permission should be dropped once replied")
}

func TestBridge_RecordUserMessage_TrimsCache(t *testing.T) {
	b := NewBridge(&fakePlatform{}, logger.Default())
	for i := 0; i < maxCacheEntries+20; i++ {
		b.RecordUserMessage("sess-1", fmt.Sprintf("message %d", i))
	}
	b.mu.Lock()
	n := len(b.sentUserMessages)
	b.mu.Unlock()
	assert.LessOrEqual(t, n, maxCacheEntries)
}

// TestBridge_UserEcho_IsSuppressed exercises the "no echo" requirement: a
// message the router already recorded as forwarded to the agent must not be
// mirrored back into the chat as a user-role message.part.updated echo.
func TestBridge_UserEcho_IsSuppressed(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.RecordUserMessage("sess-1", "do the thing")

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type: "message.part.updated",
		Properties: map[string]interface{}{
			"role": "user",
			"text": "do the thing",
		},
	})

	time.Sleep(50 * time.Millisecond)
	platform.mu.Lock()
	sentCount := len(platform.sent)
	platform.mu.Unlock()
	assert.Equal(t, 0, sentCount, "a message already recorded as sent by the chat user must not be echoed back")
}

// TestBridge_UserEcho_FromAgentUIIsForwarded covers the complementary case: a
// user-role message.part.updated that was NOT deposited via RecordUserMessage
// originated from the agent's own UI and must be surfaced in chat.
func TestBridge_UserEcho_FromAgentUIIsForwarded(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type: "message.part.updated",
		Properties: map[string]interface{}{
			"role": "user",
			"text": "typed straight into the agent UI",
		},
	})

	require.Eventually(t, func() bool {
		platform.mu.Lock()
		defer platform.mu.Unlock()
		return len(platform.sent) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Contains(t, platform.sent[0], "from agent UI")
	assert.Contains(t, platform.sent[0], "typed straight into the agent UI")
}

// TestBridge_RoleFromPrecedingMessageUpdate covers message.updated
// establishing a message's role before a subsequent message.part.updated
// that omits its own role arrives for the same message id.
func TestBridge_RoleFromPrecedingMessageUpdate(t *testing.T) {
	platform := &fakePlatform{}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	b.BindSession("sess-1", chat, false)

	b.RecordUserMessage("sess-1", "hello from chat")

	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "message.updated",
		Properties: map[string]interface{}{"messageId": "m1", "role": "user"},
	})
	b.HandleAgentEvent(context.Background(), "sess-1", agentclient.Event{
		Type:       "message.part.updated",
		Properties: map[string]interface{}{"messageId": "m1", "text": "hello from chat"},
	})

	time.Sleep(50 * time.Millisecond)
	platform.mu.Lock()
	sentCount := len(platform.sent)
	platform.mu.Unlock()
	assert.Equal(t, 0, sentCount, "role resolved from the earlier message.updated event must still suppress the echo")
}

// TestBridge_Flush_RateLimited_SuppressesUntilRetryWindow reproduces a 429
// from the chat platform: the bubble must stop sending edits until the
// advertised retry-after window has passed.
func TestBridge_Flush_RateLimited_SuppressesUntilRetryWindow(t *testing.T) {
	platform := &fakePlatform{
		editErrQueue: []error{&chatplatform.RateLimitError{RetryAfterSeconds: 1}},
	}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	bub := &bubble{chat: chat, messageID: 99, limiter: rateUnlimited()}
	b.mu.Lock()
	b.bubbles["sess-1"] = bub
	b.mu.Unlock()

	bub.mu.Lock()
	bub.dirty = true
	bub.mu.Unlock()
	b.maybeFlush(context.Background(), "sess-1", bub)

	require.Eventually(t, func() bool {
		return platform.editCount() == 1
	}, time.Second, 10*time.Millisecond)

	bub.mu.Lock()
	bub.dirty = true
	suppressed := !bub.suppressUntil.IsZero() && time.Now().Before(bub.suppressUntil)
	bub.mu.Unlock()
	require.True(t, suppressed, "bubble should be suppressed immediately after a rate-limit response")

	b.maybeFlush(context.Background(), "sess-1", bub)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, platform.editCount(), "no further edit should be attempted before the retry-after window elapses")
}

// TestBridge_Finalize_WaitsOutRateLimitThenSucceeds reproduces the
// finalize-path rate-limit scenario: the first edit attempt is rate limited,
// and finalize must wait out the advertised window (plus its cushion) before
// the retry that ultimately succeeds.
func TestBridge_Finalize_WaitsOutRateLimitThenSucceeds(t *testing.T) {
	platform := &fakePlatform{
		editErrQueue: []error{&chatplatform.RateLimitError{RetryAfterSeconds: 1}},
	}
	b := NewBridge(platform, logger.Default())
	chat := chatplatform.Chat{ChatID: 1, TopicID: 2}
	binding := &sessionBinding{chat: chat, streaming: false}
	b.mu.Lock()
	b.sessions["sess-1"] = binding
	b.bubbles["sess-1"] = &bubble{chat: chat, messageID: 42, limiter: rateUnlimited()}
	b.mu.Unlock()

	start := time.Now()
	b.finalize(context.Background(), "sess-1", binding)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 1*time.Second+400*time.Millisecond,
		"finalize must wait at least retryAfter+500ms before its next attempt")
	assert.Equal(t, 2, platform.editCount())

	b.mu.Lock()
	_, stillTracked := b.bubbles["sess-1"]
	b.mu.Unlock()
	assert.False(t, stillTracked)
}

func rateUnlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}
