// Package telegram implements chatplatform.Platform against Telegram's Bot
// API, using forum-topic threads as the per-instance chat surface.
package telegram

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/common/logger"
)

// Bot adapts a long-polling tgbotapi.BotAPI connection to
// chatplatform.Platform.
type Bot struct {
	api *tgbotapi.BotAPI
	log *logger.Logger

	updates chan chatplatform.Update

	mu     sync.Mutex
	closed bool
}

// New dials the Telegram Bot API with token and returns a Bot ready to Run.
func New(token string, log *logger.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot api: %w", err)
	}
	return &Bot{
		api:     api,
		log:     log,
		updates: make(chan chatplatform.Update, 64),
	}, nil
}

func (b *Bot) Updates() <-chan chatplatform.Update { return b.updates }

// Run starts Telegram long-polling and dispatches updates until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "edited_message", "callback_query"}

	updatesChan := b.api.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updatesChan:
			if !ok {
				close(b.updates)
				return nil
			}
			b.dispatch(update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			close(b.updates)
			return nil
		}
	}
}

func (b *Bot) dispatch(update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.ForumTopicCreated != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateTopicEvent,
			TopicEvent: &chatplatform.TopicEvent{
				Chat: chatplatform.Chat{ChatID: update.Message.Chat.ID, TopicID: update.Message.MessageThreadID},
				Type: chatplatform.TopicEventCreated,
				Name: update.Message.ForumTopicCreated.Name,
			},
		})
	case update.Message != nil && update.Message.ForumTopicClosed != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateTopicEvent,
			TopicEvent: &chatplatform.TopicEvent{
				Chat: chatplatform.Chat{ChatID: update.Message.Chat.ID, TopicID: update.Message.MessageThreadID},
				Type: chatplatform.TopicEventClosed,
			},
		})
	case update.Message != nil && update.Message.ForumTopicReopened != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateTopicEvent,
			TopicEvent: &chatplatform.TopicEvent{
				Chat: chatplatform.Chat{ChatID: update.Message.Chat.ID, TopicID: update.Message.MessageThreadID},
				Type: chatplatform.TopicEventReopened,
			},
		})
	case update.Message != nil && update.Message.ForumTopicEdited != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateTopicEvent,
			TopicEvent: &chatplatform.TopicEvent{
				Chat: chatplatform.Chat{ChatID: update.Message.Chat.ID, TopicID: update.Message.MessageThreadID},
				Type: chatplatform.TopicEventEdited,
				Name: update.Message.ForumTopicEdited.Name,
			},
		})
	case update.Message != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateMessage,
			Message: &chatplatform.InboundMessage{
				Chat:      chatplatform.Chat{ChatID: update.Message.Chat.ID, TopicID: update.Message.MessageThreadID},
				MessageID: update.Message.MessageID,
				UserID:    userID(update.Message.From),
				Text:      update.Message.Text,
			},
		})
	case update.EditedMessage != nil:
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateEditedMessage,
			Message: &chatplatform.InboundMessage{
				Chat:      chatplatform.Chat{ChatID: update.EditedMessage.Chat.ID, TopicID: update.EditedMessage.MessageThreadID},
				MessageID: update.EditedMessage.MessageID,
				UserID:    userID(update.EditedMessage.From),
				Text:      update.EditedMessage.Text,
			},
		})
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		chat := chatplatform.Chat{}
		messageID := 0
		if cq.Message != nil {
			chat = chatplatform.Chat{ChatID: cq.Message.Chat.ID, TopicID: cq.Message.MessageThreadID}
			messageID = cq.Message.MessageID
		}
		b.emit(chatplatform.Update{
			Kind: chatplatform.UpdateCallbackQuery,
			CallbackQuery: &chatplatform.CallbackQuery{
				ID:        cq.ID,
				Chat:      chat,
				MessageID: messageID,
				UserID:    userID(cq.From),
				Data:      cq.Data,
			},
		})
	}
}

func userID(u *tgbotapi.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func (b *Bot) emit(u chatplatform.Update) {
	select {
	case b.updates <- u:
	default:
		b.log.Warn("dropping telegram update, subscriber backlogged")
	}
}

func (b *Bot) SendMessage(ctx context.Context, chat chatplatform.Chat, text string, opts chatplatform.SendOptions) (int, error) {
	if opts.EditMessageID != 0 {
		if err := b.EditMessageText(ctx, chat, opts.EditMessageID, text, opts); err != nil {
			return 0, err
		}
		return opts.EditMessageID, nil
	}

	msg := tgbotapi.NewMessage(chat.ChatID, text)
	msg.MessageThreadID = chat.TopicID
	applySendOptions(&msg, opts)

	sent, err := b.api.Send(msg)
	if err != nil {
		if rle, ok := asRetryAfter(err); ok {
			return 0, &chatplatform.RateLimitError{RetryAfterSeconds: rle}
		}
		return 0, fmt.Errorf("telegram: send message: %w", err)
	}
	return sent.MessageID, nil
}

func (b *Bot) EditMessageText(ctx context.Context, chat chatplatform.Chat, messageID int, text string, opts chatplatform.SendOptions) error {
	edit := tgbotapi.NewEditMessageText(chat.ChatID, messageID, text)
	if opts.ParseMode == "html" {
		edit.ParseMode = tgbotapi.ModeHTML
	}
	if len(opts.ReplyMarkup) > 0 {
		markup := toInlineKeyboard(opts.ReplyMarkup)
		edit.ReplyMarkup = &markup
	}

	_, err := b.api.Send(edit)
	if err == nil {
		return nil
	}
	if isNotModified(err) {
		return &chatplatform.NotModifiedError{}
	}
	if isMessageNotFound(err) {
		return &chatplatform.MessageNotFoundError{}
	}
	if rle, ok := asRetryAfter(err); ok {
		return &chatplatform.RateLimitError{RetryAfterSeconds: rle}
	}
	return fmt.Errorf("telegram: edit message: %w", err)
}

func (b *Bot) DeleteMessage(ctx context.Context, chat chatplatform.Chat, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chat.ChatID, messageID)
	if _, err := b.api.Request(del); err != nil {
		if isMessageNotFound(err) {
			return &chatplatform.MessageNotFoundError{}
		}
		return fmt.Errorf("telegram: delete message: %w", err)
	}
	return nil
}

func (b *Bot) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	cfg := tgbotapi.NewForumTopic(chatID, name)
	resp, err := b.api.Request(cfg)
	if err != nil {
		return 0, fmt.Errorf("telegram: create forum topic: %w", err)
	}
	var topic tgbotapi.ForumTopic
	if err := b.decodeResult(resp, &topic); err != nil {
		return 0, fmt.Errorf("telegram: decode create forum topic response: %w", err)
	}
	return topic.MessageThreadID, nil
}

func (b *Bot) DeleteForumTopic(ctx context.Context, chat chatplatform.Chat) error {
	cfg := tgbotapi.NewDeleteForumTopic(chat.ChatID, chat.TopicID)
	if _, err := b.api.Request(cfg); err != nil {
		return fmt.Errorf("telegram: delete forum topic: %w", err)
	}
	return nil
}

func (b *Bot) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := b.api.Request(cb); err != nil {
		return fmt.Errorf("telegram: answer callback query: %w", err)
	}
	return nil
}

func (b *Bot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.api.StopReceivingUpdates()
	return nil
}

func applySendOptions(msg *tgbotapi.MessageConfig, opts chatplatform.SendOptions) {
	if opts.ParseMode == "html" {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	if opts.ReplyToID != 0 {
		msg.ReplyToMessageID = opts.ReplyToID
	}
	if len(opts.ReplyMarkup) > 0 {
		markup := toInlineKeyboard(opts.ReplyMarkup)
		msg.ReplyMarkup = markup
	}
}

func toInlineKeyboard(kb chatplatform.InlineKeyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.CallbackData))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
