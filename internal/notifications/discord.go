package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *zap.SugaredLogger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *zap.SugaredLogger) *Discord {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		// The caller's request context usually ends before this POST
		// does; keep its values but drop its cancellation.
		ctx := context.WithoutCancel(ctx)

		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Warnw("discord: failed to marshal message", "err", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Warnw("discord: failed to create request", "err", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warnw("discord: failed to send webhook", "err", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warnw("discord: webhook returned error status", "status", resp.StatusCode)
		}
	}()
}

// NotifySessionCompleted sends a notification when an interview walks
// through every stage.
func (d *Discord) NotifySessionCompleted(ctx context.Context, sessionID string, stageCount int) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Interview completed",
			Description: fmt.Sprintf("Session `%s` finished all stages.", sessionID),
			Color:       0x00FF00, // Green
			Fields: []embedField{
				{Name: "Stages", Value: fmt.Sprintf("%d", stageCount), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyBRDGenerated sends a notification when a BRD document is produced.
func (d *Discord) NotifyBRDGenerated(ctx context.Context, sessionID string, sufficient bool) {
	color := 0x00FF00 // Green
	desc := fmt.Sprintf("A BRD was generated for session `%s`.", sessionID)
	if !sufficient {
		color = 0xFFA500 // Orange
		desc = fmt.Sprintf("A BRD for session `%s` was generated from incomplete data.", sessionID)
	}
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "BRD generated",
			Description: desc,
			Color:       color,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
