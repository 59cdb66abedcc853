// Package notifier routes outbound messages and approval prompts to the
// right provider channel. Neither Approval nor the "message" mode of a
// CronJob carries an explicit provider tag, so the Router infers it from the
// shape of the channel id it is asked to deliver to.
package notifier

import (
	"context"
	"fmt"
	"strings"
)

// Provider is implemented by each channel package (telegram, slack) to
// deliver outbound traffic.
type Provider interface {
	// Post sends a plain message into a channel/thread, used for cron
	// "message" mode fires and for posting a completed turn's result text.
	Post(ctx context.Context, workspaceID, channelID, threadTS, body string) error

	// RequestApproval posts the interactive approval prompt (inline keyboard
	// on Telegram, block-kit buttons on Slack) for a pending Approval.
	RequestApproval(ctx context.Context, workspaceID, channelID, threadTS string, details string, approvalID string) error
}

// Notifier is the full surface the rest of taskloom depends on. Router
// implements it by dispatching to the provider whose channel-id shape
// matches; a single-provider deployment can instead just use that
// provider's Provider value directly, since Provider is already a subset of
// Notifier's method set.
type Notifier interface {
	Provider
}

// Router dispatches by channel-id shape: Telegram chat ids are always
// numeric (optionally negative for group/supergroup chats); Slack channel
// ids are alphanumeric, conventionally starting with C/G/D/W. This is a
// heuristic, not a stored fact, because neither Approval nor a "message"
// mode CronJob persists which provider it was raised for — see DESIGN.md.
type Router struct {
	Slack    Provider // nil if Slack is not configured
	Telegram Provider // nil if Telegram is not configured
}

// New creates a Router. Either provider may be nil; Post/RequestApproval
// return an error if routing selects a nil provider.
func New(slack, telegram Provider) *Router {
	return &Router{Slack: slack, Telegram: telegram}
}

func (r *Router) Post(ctx context.Context, workspaceID, channelID, threadTS, body string) error {
	p, name, err := r.resolve(channelID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("notifier: %s channel %q is not configured", name, channelID)
	}
	return p.Post(ctx, workspaceID, channelID, threadTS, body)
}

func (r *Router) RequestApproval(ctx context.Context, workspaceID, channelID, threadTS, details, approvalID string) error {
	p, name, err := r.resolve(channelID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("notifier: %s channel %q is not configured", name, channelID)
	}
	return p.RequestApproval(ctx, workspaceID, channelID, threadTS, details, approvalID)
}

// resolve picks the provider for channelID, returning a human-readable
// provider name alongside it even when the resolved Provider is nil, so
// callers can produce a useful "not configured" error.
func (r *Router) resolve(channelID string) (Provider, string, error) {
	if isTelegramChatID(channelID) {
		return r.Telegram, "telegram", nil
	}
	if isSlackChannelID(channelID) {
		return r.Slack, "slack", nil
	}
	return nil, "", fmt.Errorf("notifier: cannot infer provider for channel id %q", channelID)
}

func isTelegramChatID(channelID string) bool {
	s := strings.TrimPrefix(channelID, "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isSlackChannelID(channelID string) bool {
	if len(channelID) == 0 {
		return false
	}
	switch channelID[0] {
	case 'C', 'G', 'D', 'W':
		return true
	default:
		return false
	}
}
