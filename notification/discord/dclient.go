// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voyager418/mountain-seeker-sub000/strategy"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// Client sends trade notifications to a Discord webhook. It implements
// strategy.Notifier: deliveries are best-effort and never fail the caller.
type Client struct {
	webhookURL string
	maxRetries int
	HTTPClient *http.Client
	logger     *utilities.Logger
}

// DiscordMessage represents the structure for a Discord webhook message.
// See: https://discord.com/developers/docs/resources/webhook#execute-webhook
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

const (
	colorGreen = 3066993
	colorRed   = 15158332
	colorBlue  = 3447003
)

func NewClient(cfg utilities.NotificationConfig, logger *utilities.Logger) *Client {
	if cfg.WebhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Notifications will not be sent.")
	} else {
		logger.LogInfo("Discord Client initialized with webhook URL.")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Client{
		webhookURL: cfg.WebhookURL,
		maxRetries: maxRetries,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a simple text message to the configured Discord webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" || strings.TrimSpace(message) == "" {
		return nil
	}
	return c.sendPayload(DiscordMessage{Content: message})
}

// SendEmbedMessage sends a message with one or more embeds.
func (c *Client) SendEmbedMessage(embeds ...DiscordEmbed) error {
	if c.webhookURL == "" || len(embeds) == 0 {
		return nil
	}
	return c.sendPayload(DiscordMessage{Embeds: embeds})
}

// NotifyTradeStart announces a new position.
func (c *Client) NotifyTradeStart(accountEmail, symbol string, invested float64, simulated bool) {
	title := fmt.Sprintf("✅ Trade Started: %s", symbol)
	if simulated {
		title = fmt.Sprintf("✅ [SIM] Trade Started: %s", symbol)
	}
	embed := DiscordEmbed{
		Title:       title,
		Description: fmt.Sprintf("**Account**: %s\n**Invested**: `%.4f`", accountEmail, invested),
		Color:       colorBlue,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if err := c.SendEmbedMessage(embed); err != nil {
		c.logger.LogWarn("Discord NotifyTradeStart: %v", err)
	}
}

// NotifyTradeEnd announces a finished session with its outcome.
func (c *Client) NotifyTradeEnd(result strategy.SessionResult) {
	var title string
	color := colorGreen
	switch {
	case result.Aborted:
		title = fmt.Sprintf("🚨 Trade ABORTED: %s", result.Symbol)
		color = colorRed
	case result.ProfitQuote < 0:
		title = fmt.Sprintf("💸 Trade Closed at a Loss: %s", result.Symbol)
		color = colorRed
	default:
		title = fmt.Sprintf("💰 Trade Closed: %s", result.Symbol)
	}
	if result.Simulated {
		title = "[SIM] " + title
	}

	description := fmt.Sprintf(
		"**Account**: %s\n"+
			"**Profit**: `%.2f%%` (`%.4f`)\n"+
			"**Invested**: `%.4f`\n"+
			"**Retrieved**: `%.4f`\n"+
			"**Run-up/Drawdown**: `%.2f%%` / `%.2f%%`\n"+
			"**Reason**: %s\n"+
			"**Session**: `%s`",
		result.AccountEmail,
		result.ProfitPercent, result.ProfitQuote,
		result.Invested,
		result.Retrieved,
		result.RunUpPercent, result.DrawdownPercent,
		result.Reason,
		result.SessionID,
	)
	if result.StopTrading {
		description += "\n⚠️ **Trading stopped for this account.**"
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   result.EndedAt.Format(time.RFC3339),
	}
	if err := c.SendEmbedMessage(embed); err != nil {
		c.logger.LogWarn("Discord NotifyTradeEnd: %v", err)
	}
}

// sendPayload marshals and posts the payload, with a couple of retries on
// transient failures. Discord's success reply carries nothing of interest,
// so the response body is discarded.
func (c *Client) sendPayload(payload DiscordMessage) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.webhookURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MountainSeekerBot/1.0")

	if err := utilities.DoJSONRequest(c.HTTPClient, req, c.maxRetries, utilities.JitteredDelay(time.Second, 1), nil); err != nil {
		return fmt.Errorf("discord webhook delivery failed: %w", err)
	}
	return nil
}
