package notify

import (
	"context"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	url    string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a TelegramSender for the bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return newTelegramSender(telegramAPI, token, chatID)
}

func newTelegramSender(base, token, chatID string) *TelegramSender {
	return &TelegramSender{
		url:    strings.TrimRight(base, "/") + "/bot" + token + "/sendMessage",
		chatID: chatID,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Send posts the alert to the chat with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, t.client, "telegram", t.url, map[string]string{
		"chat_id":    t.chatID,
		"text":       "*" + msg.Title + "*\n" + msg.Body,
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
