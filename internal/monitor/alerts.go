// Package monitor delivers human-facing alerts and keeps the in-process
// latency statistics the admin surface reports.
package monitor

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// AlertSink delivers one formatted alert message.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log. Always configured, so an
// engine without Telegram credentials still surfaces alerts somewhere.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Warn().Str("channel", "alert").Msg(message)
	return nil
}

const telegramBaseURL = "https://api.telegram.org"

// TelegramSink posts alerts to a Telegram chat through the Bot API.
type TelegramSink struct {
	http   *resty.Client
	token  string
	chatID string
}

func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		http: resty.New().
			SetBaseURL(telegramBaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		token:  token,
		chatID: chatID,
	}
}

func (s *TelegramSink) Send(message string) error {
	resp, err := s.http.R().
		SetBody(map[string]string{"chat_id": s.chatID, "text": message}).
		Post("/bot" + s.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram send: status %s", resp.Status())
	}
	return nil
}
