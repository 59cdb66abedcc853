// Package ingress converts provider events (Slack, Telegram) into queued
// Tasks, idempotently and with allow-list enforcement.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/taskloom/taskloom/internal/store"
)

// Event is what a per-provider Producer delivers to the Reducer. EventID must
// be stable across redelivery of the same provider event.
type Event struct {
	Provider    string // "slack" | "telegram"
	WorkspaceID string
	ChannelID   string
	ThreadTS    string
	EventTS     string
	EventID     string
	UserID      string
	Text        string
	IsProactive bool

	// TelegramMessageID is set by the Telegram producer so the history buffer
	// can be keyed the same way the provider keys messages. Ignored for
	// other providers.
	TelegramMessageID string
}

// Producer is implemented by each provider-specific channel to deliver
// inbound events to the Reducer.
type Producer interface {
	Ingest(ctx context.Context, ev Event) (taskID int64, enqueued bool, err error)
}

// Reducer is the IngressReducer component.
type Reducer struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates a Reducer.
func New(st *store.Store, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{st: st, logger: logger}
}

// Ingest applies the contract: allow-list check, dedup, history buffer
// append, conversation_key derivation, and enqueue — in that order, each a
// short-circuit point that can end processing without an error.
func (r *Reducer) Ingest(ctx context.Context, ev Event) (taskID int64, enqueued bool, err error) {
	allowed, err := r.isAllowed(ctx, ev)
	if err != nil {
		return 0, false, fmt.Errorf("check allow-list: %w", err)
	}
	if !allowed {
		r.logger.Warn("ingress: event dropped, sender not allow-listed",
			"provider", ev.Provider, "workspace_id", ev.WorkspaceID, "user_id", ev.UserID)
		return 0, false, nil
	}

	fresh, err := r.st.MarkEventProcessed(ctx, ev.WorkspaceID, ev.EventID)
	if err != nil {
		return 0, false, fmt.Errorf("mark event processed: %w", err)
	}
	if !fresh {
		return 0, false, nil
	}

	if ev.Provider == "telegram" {
		if err := r.st.AppendTelegramMessage(ctx, ev.ChannelID, ev.TelegramMessageID, ev.UserID, ev.Text); err != nil {
			return 0, false, fmt.Errorf("append telegram history: %w", err)
		}
	}

	conversationKey := store.ConversationKeyFor(ev.WorkspaceID, ev.ChannelID, ev.ThreadTS, ev.EventTS, ev.IsProactive)

	taskID, err = r.st.CreateTask(ctx, store.Task{
		Provider:          ev.Provider,
		WorkspaceID:       ev.WorkspaceID,
		ChannelID:         ev.ChannelID,
		ThreadTS:          ev.ThreadTS,
		EventTS:           ev.EventTS,
		ConversationKey:   conversationKey,
		RequestedByUserID: ev.UserID,
		PromptText:        ev.Text,
		IsProactive:       ev.IsProactive,
	})
	if err != nil {
		return 0, false, fmt.Errorf("enqueue task: %w", err)
	}
	return taskID, true, nil
}

func (r *Reducer) isAllowed(ctx context.Context, ev Event) (bool, error) {
	settings, err := r.st.GetSettings(ctx)
	if err != nil {
		return false, err
	}

	var allowList []string
	switch ev.Provider {
	case "slack":
		allowList = settings.SlackAllowFrom
	case "telegram":
		allowList = settings.TelegramAllowFrom
	default:
		return false, fmt.Errorf("unknown provider %q", ev.Provider)
	}

	if len(allowList) == 0 {
		return true, nil
	}
	return slices.Contains(allowList, ev.UserID), nil
}
