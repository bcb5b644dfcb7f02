// Package notify mirrors incident notices to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/fallguard/internal/logger"
	"github.com/rewired-gh/fallguard/internal/models"
)

// Commander handles chat commands that act on the pipeline.
type Commander interface {
	ConfirmOk(ctx context.Context) (bool, error)
	SendHelp(ctx context.Context) (models.ConfirmationSession, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands polls for updates from the configured chat and handles
// /ping, /ok and /help. It returns immediately; polling stops when ctx is
// cancelled.
func (c *Client) ListenForCommands(ctx context.Context, cmd Commander) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() && update.Message.Chat.ID == c.chatID {
					c.reply(update.Message.Chat.ID, handleCommand(ctx, cmd, update.Message.Command()))
				}
			}
		}
	}()
}

func handleCommand(ctx context.Context, cmd Commander, command string) string {
	switch command {
	case "ping":
		return "Pong"
	case "ok":
		cancelled, err := cmd.ConfirmOk(ctx)
		switch {
		case err != nil:
			return "Could not cancel: " + err.Error()
		case !cancelled:
			return "No fall countdown is running"
		default:
			return "Countdown cancelled. Glad you're OK"
		}
	case "help":
		s, err := cmd.SendHelp(ctx)
		if err != nil {
			return "Could not request help: " + err.Error()
		}
		return "Sending emergency alert for session " + s.ID
	default:
		return "Unknown command. Try /ok, /help or /ping"
	}
}

func (c *Client) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Warn("Failed to reply to Telegram command: %v", err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// FallDetected announces a new countdown.
func (c *Client) FallDetected(s models.ConfirmationSession) error {
	return c.sendMarkdownV2(formatFallDetected(s))
}

// Cancelled announces that the user confirmed they are OK.
func (c *Client) Cancelled(s models.ConfirmationSession) error {
	return c.sendMarkdownV2(formatCancelled(s))
}

// AlertOutcome reports the result of the emergency alert.
func (c *Client) AlertOutcome(s models.ConfirmationSession, fix *models.LocationFix, r models.AlertResult) error {
	return c.sendMarkdownV2(formatAlertOutcome(s, fix, r))
}

func formatFallDetected(s models.ConfirmationSession) string {
	started := escapeMarkdownV2(s.StartedAt().Format("2006-01-02 15:04:05"))
	magnitude := escapeMarkdownV2(strconv.FormatFloat(s.TriggeringMagnitude, 'f', 2, 64))

	var b strings.Builder
	b.WriteString("⚠️ *Possible fall detected*\n\n")
	fmt.Fprintf(&b, "📅 %s\n", started)
	fmt.Fprintf(&b, "📈 Magnitude: %s\n", magnitude)
	fmt.Fprintf(&b, "⏱ Alert in %ds unless cancelled with /ok\n", s.DurationMs/1000)
	fmt.Fprintf(&b, "`%s`", s.ID)
	return b.String()
}

func formatCancelled(s models.ConfirmationSession) string {
	return fmt.Sprintf("✅ *Cancelled*, user is OK\n`%s`", s.ID)
}

func formatAlertOutcome(s models.ConfirmationSession, fix *models.LocationFix, r models.AlertResult) string {
	var b strings.Builder
	if r.Success {
		b.WriteString("🚨 *Emergency alert sent*\n\n")
	} else {
		b.WriteString("❌ *Emergency alert failed*\n\n")
	}
	if s.Source == models.SourceManual {
		b.WriteString("🆘 Requested manually\n")
	}
	if r.Message != "" {
		fmt.Fprintf(&b, "💬 %s\n", escapeMarkdownV2(r.Message))
	}
	if fix != nil {
		fmt.Fprintf(&b, "📍 [Open in Google Maps](%s)\n", fix.MapsURL())
	} else {
		b.WriteString("📍 Location unavailable\n")
	}
	fmt.Fprintf(&b, "`%s`", s.ID)
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
