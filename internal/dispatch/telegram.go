package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "beanprepared/pkg/logx"
)

// TelegramConfig configures the Telegram fallback provider.
type TelegramConfig struct {
	Token   string
	Timeout time.Duration
}

// Telegram delivers notifications to Telegram chats. Recipient tokens are
// numeric chat ids. Useful for deployments that have no mobile push app
// (e.g. a shared announcement group per category).
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, log: log}, nil
}

// Send delivers the notification text to every recipient chat. Per-chat
// rejections surface as Result{OK: false}; the call itself only errors on
// malformed input.
func (c *Telegram) Send(ctx context.Context, n Notification) (Result, error) {
	if len(n.Recipients) == 0 {
		return Result{}, errors.New("no recipients")
	}

	text := "*" + n.Title + "*\n" + n.Body
	failed := 0
	var lastErr error
	for _, token := range n.Recipients {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		chatID, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
		if err != nil {
			failed++
			lastErr = fmt.Errorf("recipient %q is not a chat id", token)
			continue
		}
		if _, err := c.bot.Send(tele.ChatID(chatID), text, tele.ModeMarkdown); err != nil {
			failed++
			lastErr = err
			c.log.Debug("telegram send rejected", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}

	res := Result{OK: failed == 0, Status: http.StatusOK}
	if failed > 0 {
		res.Status = http.StatusBadGateway
		res.Detail = fmt.Sprintf("%d/%d sends failed: %v", failed, len(n.Recipients), lastErr)
	}
	return res, nil
}
