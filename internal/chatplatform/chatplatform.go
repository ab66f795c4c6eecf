// Package chatplatform declares the abstract chat-surface contract the
// streaming bridge, router, and control plane talk to; concrete adapters
// (telegram) implement it.
package chatplatform

import "context"

// KeyboardButton is one inline-keyboard button: a label plus an opaque
// callback payload echoed back on the Updates stream's CallbackQuery.
type KeyboardButton struct {
	Text         string
	CallbackData string
}

// InlineKeyboard is a 2-D grid of buttons, rows then columns.
type InlineKeyboard [][]KeyboardButton

// SendOptions configures one outbound message.
type SendOptions struct {
	ParseMode     string // "html" or "" for plain text
	ReplyMarkup   InlineKeyboard
	ReplyToID     int
	EditMessageID int // if non-zero, edit this message instead of sending a new one
}

// Chat identifies a destination: a supergroup chat plus, for forum-mode
// groups, a specific topic thread. TopicID is zero for the chat's General
// thread.
type Chat struct {
	ChatID  int64
	TopicID int
}

// RateLimitError is returned by Platform methods when the surface asks the
// caller to back off; RetryAfterSeconds is the advertised wait in seconds.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "chatplatform: rate limited"
}

// NotModifiedError means an edit was a no-op because the content matched
// what's already posted; callers should treat this as success.
type NotModifiedError struct{}

func (e *NotModifiedError) Error() string { return "chatplatform: message not modified" }

// MessageNotFoundError means the referenced message no longer exists
// (likely deleted out of band); callers should send a fresh message.
type MessageNotFoundError struct{}

func (e *MessageNotFoundError) Error() string { return "chatplatform: message not found" }

// Update is one inbound event from the platform's update stream.
type Update struct {
	Kind UpdateKind

	Message       *InboundMessage
	CallbackQuery *CallbackQuery
	TopicEvent    *TopicEvent
}

// UpdateKind discriminates the Update variants.
type UpdateKind string

const (
	UpdateMessage       UpdateKind = "message"
	UpdateEditedMessage UpdateKind = "edited_message"
	UpdateCallbackQuery UpdateKind = "callback_query"
	UpdateTopicEvent    UpdateKind = "topic_event"
)

// InboundMessage is a plain user-authored chat message.
type InboundMessage struct {
	Chat      Chat
	MessageID int
	UserID    int64
	Text      string
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID        string
	Chat      Chat
	MessageID int
	UserID    int64
	Data      string
}

// TopicEventKind enumerates forum-topic service events.
type TopicEventKind string

const (
	TopicEventCreated  TopicEventKind = "forum_topic_created"
	TopicEventClosed   TopicEventKind = "forum_topic_closed"
	TopicEventReopened TopicEventKind = "forum_topic_reopened"
	TopicEventEdited   TopicEventKind = "forum_topic_edited"
)

// TopicEvent is a forum-topic lifecycle notification from the platform.
type TopicEvent struct {
	Chat Chat
	Type TopicEventKind
	Name string
}

// Platform is the abstract chat-surface contract. Concrete adapters (the
// telegram package) implement it against a real API.
type Platform interface {
	// SendMessage posts text into chat/topic, optionally replying to or
	// editing an existing message, and returns the resulting message ID.
	SendMessage(ctx context.Context, chat Chat, text string, opts SendOptions) (int, error)

	// EditMessageText replaces the text (and optionally keyboard) of an
	// existing message.
	EditMessageText(ctx context.Context, chat Chat, messageID int, text string, opts SendOptions) error

	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, chat Chat, messageID int) error

	// CreateForumTopic creates a new forum topic in chatID and returns its
	// topic ID.
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error)

	// DeleteForumTopic removes a forum topic.
	DeleteForumTopic(ctx context.Context, chat Chat) error

	// AnswerCallbackQuery acknowledges a button press, optionally showing a
	// transient toast to the user.
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error

	// Updates returns the channel of inbound updates; closed when the
	// platform connection is torn down.
	Updates() <-chan Update

	// Run starts consuming updates from the platform until ctx is
	// cancelled.
	Run(ctx context.Context) error

	// Close tears down the platform connection.
	Close() error
}
