package telegram

import (
	"encoding/json"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// decodeResult unmarshals the raw Result payload of an API response into v.
func (b *Bot) decodeResult(resp *tgbotapi.APIResponse, v interface{}) error {
	return json.Unmarshal(resp.Result, v)
}

// asRetryAfter extracts Telegram's "retry after N" backoff hint from a
// 429 error, if present.
func asRetryAfter(err error) (int, bool) {
	tgErr, ok := err.(*tgbotapi.Error)
	if !ok || tgErr.ResponseParameters.RetryAfter == 0 {
		return 0, false
	}
	return tgErr.ResponseParameters.RetryAfter, true
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func isMessageNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "message to edit not found") ||
		strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "MESSAGE_ID_INVALID")
}
