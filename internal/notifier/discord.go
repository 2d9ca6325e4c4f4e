package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// DiscordSink posts an Event as a Discord webhook embed, ported from
// original_source/wafflemaker/src/notifier/services/discord.rs.
type DiscordSink struct {
	webhookURL string
	repository string // owner/repo, used to link a deployment's commit
	client     *http.Client
	logger     kitlog.Logger
}

// NewDiscordSink builds a DiscordSink posting to webhookURL, linking
// deployment commits against repository ("owner/repo").
func NewDiscordSink(webhookURL, repository string, logger kitlog.Logger) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		repository: repository,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type discordPayload struct {
	Content *string        `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

const (
	colorGrey  = 0x95a5a6
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
)

func (d *DiscordSink) Notify(ctx context.Context, event Event) {
	embed := discordEmbedFrom(event, d.repository)

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		d.logger.Log("notifier", "discord", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Log("notifier", "discord", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Log("notifier", "discord", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Log("notifier", "discord", "status", resp.StatusCode)
	}
}

func discordEmbedFrom(event Event, repository string) discordEmbed {
	var fields []discordField

	switch event.Kind {
	case KindDeployment:
		commit := event.Commit
		short := commit
		if len(short) > 8 {
			short = short[:8]
		}
		fields = append(fields, discordField{
			Name:   "Version",
			Value:  "https://github.com/" + repository + "/commit/" + commit + " (" + short + ")",
			Inline: true,
		})
	case KindServiceUpdate, KindServiceDelete:
		fields = append(fields, discordField{Name: "Service", Value: event.ServiceID, Inline: true})
	}

	fields = append(fields, discordField{Name: "State", Value: event.State.String(), Inline: true})
	if event.State == StateFailure && event.Err != nil {
		fields = append(fields, discordField{Name: "Error", Value: event.Err.Error(), Inline: false})
	}

	return discordEmbed{
		Title:  titleCase(event.Kind.String()),
		Color:  colorFor(event.State),
		Fields: fields,
	}
}

func colorFor(s State) int {
	switch s {
	case StateSuccess:
		return colorGreen
	case StateFailure:
		return colorRed
	default:
		return colorGrey
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

var _ Sink = (*DiscordSink)(nil)
