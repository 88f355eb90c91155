// Package mattermost provides a webhook client for announcing badge awards to a Mattermost channel.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aimd54/travelqa/internal/config"
	"github.com/aimd54/travelqa/pkg/logger"
)

// Client handles Mattermost webhook notifications.
type Client struct {
	webhookURL string
	channel    string
	enabled    bool
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a new Mattermost client.
func NewClient(cfg *config.MattermostConfig, log *logger.Logger) *Client {
	return &Client{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		enabled:    cfg.Enabled,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Enabled reports whether messages are actually sent.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Message represents a Mattermost message payload.
type Message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a message attachment.
type Attachment struct {
	Fallback string  `json:"fallback,omitempty"`
	Color    string  `json:"color,omitempty"`
	Pretext  string  `json:"pretext,omitempty"`
	Title    string  `json:"title,omitempty"`
	Text     string  `json:"text,omitempty"`
	Fields   []Field `json:"fields,omitempty"`
	Footer   string  `json:"footer,omitempty"`
}

// Field represents a message field.
type Field struct {
	Short bool   `json:"short"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// SendMessage sends a message to Mattermost.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	if !c.enabled {
		c.log.Debug().Msg("Mattermost is disabled, skipping message")
		return nil
	}

	if msg.Channel == "" {
		msg.Channel = c.channel
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Mattermost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mattermost returned status %d", resp.StatusCode)
	}

	c.log.Debug().
		Str("channel", msg.Channel).
		Msg("Sent message to Mattermost")

	return nil
}

// BadgeAnnouncement describes one award for the community channel.
type BadgeAnnouncement struct {
	Username    string
	BadgeName   string
	BadgeIcon   string
	Description string
	RuleType    string
	BonusPoints int
	EarnedAt    time.Time
}

var ruleColors = map[string]string{
	"verification":    "#1f8ceb",
	"category-expert": "#7b3fe4",
	"activity-level":  "#2eb67d",
	"achievement":     "#ecb22e",
}

// SendBadgeAnnouncement posts a congratulation for a newly earned badge.
func (c *Client) SendBadgeAnnouncement(ctx context.Context, a BadgeAnnouncement) error {
	if !c.enabled {
		return nil
	}

	icon := a.BadgeIcon
	if icon == "" {
		icon = "🏅"
	}
	who := a.Username
	if who == "" {
		who = "A traveler"
	} else {
		who = "@" + strings.TrimPrefix(who, "@")
	}

	fields := []Field{{Short: true, Title: "Category", Value: a.RuleType}}
	if a.BonusPoints > 0 {
		fields = append(fields, Field{Short: true, Title: "Bonus", Value: fmt.Sprintf("+%d points", a.BonusPoints)})
	}

	color := ruleColors[a.RuleType]
	if color == "" {
		color = "#888888"
	}

	return c.SendMessage(ctx, &Message{
		Username: "Travel Q&A Bot",
		Text:     fmt.Sprintf("%s %s earned the **%s** badge!", icon, who, a.BadgeName),
		Attachments: []Attachment{{
			Fallback: fmt.Sprintf("%s earned %s", who, a.BadgeName),
			Color:    color,
			Title:    a.BadgeName,
			Text:     a.Description,
			Fields:   fields,
			Footer:   a.EarnedAt.UTC().Format(time.RFC3339),
		}},
	})
}

// SendBatchSummary posts the outcome of a scheduled badge sweep.
func (c *Client) SendBatchSummary(ctx context.Context, processed, granted, failed int, took time.Duration) error {
	if !c.enabled || granted == 0 {
		return nil
	}
	text := fmt.Sprintf("### 🏆 Badge sweep\n\nChecked **%d** travelers and awarded **%d** new badges in %s.",
		processed, granted, took.Round(time.Millisecond))
	if failed > 0 {
		text += fmt.Sprintf("\n\n⚠️ %d users could not be evaluated.", failed)
	}
	return c.SendMessage(ctx, &Message{Username: "Travel Q&A Bot", Text: text})
}
