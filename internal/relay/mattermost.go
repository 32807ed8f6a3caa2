// Package relay forwards decision outcomes to a Mattermost channel.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mattermost/mattermost-server/v6/model"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
)

// PostCreator is the part of the Mattermost API client the relay needs.
type PostCreator interface {
	CreatePost(post *model.Post) (*model.Post, *model.Response, error)
}

// Mattermost decorates a publisher: every notification is passed on unchanged, and terminal
// ones are additionally posted to the configured channel. Post failures are logged and never
// fail the publish.
type Mattermost struct {
	next      notify.Publisher
	api       PostCreator
	channelID string
	logger    *slog.Logger
}

func NewMattermost(next notify.Publisher, api PostCreator, channelID string, logger *slog.Logger) *Mattermost {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mattermost{next: next, api: api, channelID: channelID, logger: logger}
}

// NewMattermostClient builds an authenticated API v4 client.
func NewMattermostClient(serverURL, token string) *model.Client4 {
	c := model.NewAPIv4Client(serverURL)
	c.SetToken(token)
	return c
}

func (m *Mattermost) Publish(ctx context.Context, n notify.Notification) error {
	err := m.next.Publish(ctx, n)
	if !n.Terminal {
		return err
	}

	post := &model.Post{ChannelId: m.channelID, Message: FormatOutcome(n.Payload)}
	if _, _, postErr := m.api.CreatePost(post); postErr != nil {
		m.logger.Warn("Failed to relay decision outcome", "decision_id", n.DecisionID, "channel_id", m.channelID, "error", postErr)
	} else {
		m.logger.Info("Decision outcome relayed", "decision_id", n.DecisionID, "channel_id", m.channelID)
	}
	return err
}

// FormatOutcome renders a terminal run payload as a Markdown message.
func FormatOutcome(payload map[string]any) string {
	title, _ := payload["title"].(string)
	if title == "" {
		title, _ = payload["decision_id"].(string)
	}
	status, _ := payload["status"].(string)
	final, _ := payload["final_value"].(string)

	var b strings.Builder
	switch domain.RunStatus(status) {
	case domain.RunFinalized:
		fmt.Fprintf(&b, "#### Decision reached: %s\n**Outcome:** %s\n", title, final)
	case domain.RunEscalated:
		fmt.Fprintf(&b, "#### Decision escalated: %s\nNo option met the threshold; handed to human review.\n", title)
	default:
		fmt.Fprintf(&b, "#### Decision update: %s\nStatus: %s\n", title, status)
	}
	if rounds, ok := payload["round_count"].(float64); ok && rounds > 0 {
		fmt.Fprintf(&b, "Rounds: %d\n", int(rounds))
	}

	results, _ := payload["results"].(map[string]any)
	counts, _ := results["counts"].(map[string]any)
	if len(counts) > 0 {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n| Option | Votes |\n|:--|--:|\n")
		for _, k := range keys {
			n, _ := counts[k].(float64)
			fmt.Fprintf(&b, "| %s | %d |\n", k, int(n))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
