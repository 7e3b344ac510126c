// Package telegram delivers shock alerts and service health notices via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polycal/internal/models"
)

// TitleFunc resolves a local market id to a display title. An empty result falls back to the id.
type TitleFunc func(localID string) string

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	titles         TitleFunc
	status         func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
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

// SetTitleFunc sets the lookup used to name markets in alerts.
func (c *Client) SetTitleFunc(f TitleFunc) { c.titles = f }

// SetStatusFunc sets the reply text source for the /status command.
func (c *Client) SetStatusFunc(f func() string) { c.status = f }

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
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
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		text = "No status available"
		if c.status != nil {
			text = c.status()
		}
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
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

// SendError sends a reconciliation error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Reconciliation error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Reconciliation recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendShockAlert sends a persisted shock alert.
func (c *Client) SendShockAlert(alert *models.ShockAlert) error {
	return c.sendMarkdownV2(formatShockAlert(alert, c.titles))
}

// formatShockAlert renders an alert as MarkdownV2, largest moves first.
func formatShockAlert(alert *models.ShockAlert, titles TitleFunc) string {
	var b strings.Builder
	b.WriteString("🚨 *Market Shock Cluster*\n\n")
	fmt.Fprintf(&b, "%d moves between %s and %s\n\n",
		alert.ShockCount,
		escapeMarkdownV2(alert.WindowStart.UTC().Format("15:04:05")),
		escapeMarkdownV2(alert.WindowEnd.UTC().Format("15:04:05 MST")))

	shocks := append([]models.ShockEvent(nil), alert.Shocks...)
	sort.SliceStable(shocks, func(i, j int) bool {
		return shocks[i].Delta > shocks[j].Delta
	})

	for i, s := range shocks {
		name := s.MarketID
		if titles != nil {
			if t := titles(s.MarketID); t != "" {
				name = t
			}
		}
		directionEmoji := "📈"
		if s.NewProbability < s.PreviousProbability {
			directionEmoji = "📉"
		}
		deltaStr := escapeMarkdownV2(fmt.Sprintf("%.1f%%", s.Delta*100))
		oldPctStr := escapeMarkdownV2(fmt.Sprintf("%.1f%%", s.PreviousProbability*100))
		newPctStr := escapeMarkdownV2(fmt.Sprintf("%.1f%%", s.NewProbability*100))

		fmt.Fprintf(&b, "%d\\. %s\n", i+1, escapeMarkdownV2(name))
		fmt.Fprintf(&b, "   %s *%s* \\(%s → %s\\)\n", directionEmoji, deltaStr, oldPctStr, newPctStr)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
