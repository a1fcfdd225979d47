package notify

import (
	"context"
	"net/http"
	"strings"
)

// Embed colours by event family.
const (
	colorInfo    = 0x3498db
	colorProfit  = 0x2ecc71
	colorFailure = 0xe74c3c
)

// DiscordSender delivers alerts to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts the alert as a single embed.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       embedColor(msg.Event),
	}
	embed.Footer.Text = msg.Event
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordPayload{Embeds: []discordEmbed{embed}})
}

func (d *DiscordSender) Name() string { return "discord" }

func embedColor(event string) int {
	switch {
	case strings.HasSuffix(event, "_error"), event == "fill_timeout":
		return colorFailure
	case event == "position_closed", event == "leg_closed":
		return colorProfit
	}
	return colorInfo
}
