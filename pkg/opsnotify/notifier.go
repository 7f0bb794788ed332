// Package opsnotify posts dispatch-fabric lifecycle events — credential
// disablement, cluster scaling decisions, stale task reclamation — to a
// Slack channel for on-call visibility. It is a noop when no bot token
// is configured.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operational events to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is a noop
// (events are logged but never posted).
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a live Slack client and
// destination channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

func (n *Notifier) post(ctx context.Context, text string, fields map[string]string) error {
	if !n.IsEnabled() {
		n.logger.Debug("opsnotify: disabled, skipping post", "text", text)
		return nil
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false), fieldBlocks(fields), nil),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("posting ops notification: %w", err)
	}
	return nil
}

func fieldBlocks(fields map[string]string) []*goslack.TextBlockObject {
	out := make([]*goslack.TextBlockObject, 0, len(fields))
	for k, v := range fields {
		out = append(out, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*%s*\n%s", k, v), false, false))
	}
	return out
}

// CredentialDisabled reports a credential tripping a rate limit
// dimension and being taken out of rotation.
func (n *Notifier) CredentialDisabled(ctx context.Context, credentialID, dimension, cooldown string) error {
	return n.post(ctx, ":no_entry_sign: Credential disabled", map[string]string{
		"credential": credentialID,
		"dimension":  dimension,
		"cooldown":   cooldown,
	})
}

// ClusterScaled reports a scaling decision made by the elected leader.
func (n *Notifier) ClusterScaled(ctx context.Context, instanceID string, previous, target int) error {
	return n.post(ctx, ":arrows_counterclockwise: Cluster scaled", map[string]string{
		"decided_by": instanceID,
		"previous":   fmt.Sprintf("%d", previous),
		"target":     fmt.Sprintf("%d", target),
	})
}

// TaskReclaimed reports a stale task that exceeded its processing
// budget being forced into a terminal FAILED state.
func (n *Notifier) TaskReclaimed(ctx context.Context, taskID, reason string) error {
	return n.post(ctx, ":warning: Task reclaimed", map[string]string{
		"task_id": taskID,
		"reason":  reason,
	})
}
