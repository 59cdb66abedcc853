package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/ingress"
	"github.com/taskloom/taskloom/internal/store"
)

// slackWorkspaceID is fixed for the same reason telegramWorkspaceID is:
// taskloom is a single-workspace deployment.
const slackWorkspaceID = "slack"

// Slack is a Socket Mode ingress producer and notifier.Provider backed by a
// single bot/app token pair.
type Slack struct {
	api       *slack.Client
	socket    *socketmode.Client
	reducer   *ingress.Reducer
	approvals *approval.Registry
	logger    *slog.Logger
}

// NewSlack builds a Socket Mode client. reducer and approvals may be nil for
// a Slack value that's only ever used as a notifier.Provider.
func NewSlack(botToken, appToken string, reducer *ingress.Reducer, approvals *approval.Registry, logger *slog.Logger) (*Slack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Slack{
		api:       api,
		socket:    socketmode.New(api),
		reducer:   reducer,
		approvals: approvals,
		logger:    logger,
	}, nil
}

// Run drives the Socket Mode event loop until ctx is cancelled.
func (s *Slack) Run(ctx context.Context) error {
	s.logger.Info("slack channel started")

	go func() {
		for evt := range s.socket.Events {
			s.handleEvent(ctx, evt)
		}
	}()

	if err := s.socket.RunContext(ctx); err != nil {
		return fmt.Errorf("slack: socket mode run: %w", err)
	}
	return nil
}

func (s *Slack) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		s.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			s.socket.Ack(*evt.Request)
		}
		s.handleInteraction(ctx, evt)
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	outer, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || outer.Type != slackevents.CallbackEvent {
		return
	}

	switch inner := outer.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		s.ingest(ctx, inner.Channel, inner.User, inner.Text, inner.ThreadTimeStamp, inner.TimeStamp)
	case *slackevents.MessageEvent:
		if inner.User == "" || inner.SubType != "" {
			return // skip bot echoes and message_changed/deleted subtypes
		}
		if inner.ChannelType == "im" || inner.ThreadTimeStamp != "" {
			s.ingest(ctx, inner.Channel, inner.User, inner.Text, inner.ThreadTimeStamp, inner.TimeStamp)
		}
	}
}

func (s *Slack) ingest(ctx context.Context, channelID, userID, text, threadTS, eventTS string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ev := ingress.Event{
		Provider:    "slack",
		WorkspaceID: slackWorkspaceID,
		ChannelID:   channelID,
		ThreadTS:    threadTS,
		EventTS:     eventTS,
		EventID:     fmt.Sprintf("%s:%s", channelID, eventTS),
		UserID:      userID,
		Text:        text,
	}
	if _, _, err := s.reducer.Ingest(ctx, ev); err != nil {
		s.logger.Error("slack: ingest failed", "channel_id", channelID, "error", err)
	}
}

// approvalActionID namespaces the three decision buttons RequestApproval
// attaches; action.Value carries the approval id.
const (
	approvalActionApprove = "approval_approve"
	approvalActionDeny    = "approval_deny"
	approvalActionAlways  = "approval_always"
)

func (s *Slack) handleInteraction(ctx context.Context, evt socketmode.Event) {
	callback, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		decision, ok := approvalDecisionForAction(action.ActionID)
		if !ok || action.Value == "" {
			continue
		}
		s.decide(ctx, callback, action.Value, decision)
	}
}

func approvalDecisionForAction(actionID string) (store.ApprovalDecision, bool) {
	switch actionID {
	case approvalActionApprove:
		return store.DecisionApprove, true
	case approvalActionDeny:
		return store.DecisionDeny, true
	case approvalActionAlways:
		return store.DecisionAlways, true
	default:
		return "", false
	}
}

func (s *Slack) decide(ctx context.Context, callback slack.InteractionCallback, approvalID string, decision store.ApprovalDecision) {
	if s.approvals == nil {
		return
	}
	actor := callback.User.ID
	resolved, err := s.approvals.Decide(ctx, approvalID, decision, actor, "")
	if err != nil {
		s.logger.Error("slack: approval decision failed", "approval_id", approvalID, "error", err)
		return
	}

	status := fmt.Sprintf("resolved: %s", resolved.Status)
	if _, _, _, err := s.api.UpdateMessage(
		callback.Channel.ID,
		callback.Message.Timestamp,
		slack.MsgOptionText(status, false),
	); err != nil {
		s.logger.Warn("slack: failed to clear approval buttons", "error", err)
	}
}

// Post implements notifier.Provider.
func (s *Slack) Post(ctx context.Context, workspaceID, channelID, threadTS, body string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(body, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, _, err := s.api.PostMessage(channelID, opts...)
	return err
}

// RequestApproval implements notifier.Provider, posting a block-kit message
// with one button per possible decision.
func (s *Slack) RequestApproval(ctx context.Context, workspaceID, channelID, threadTS, details, approvalID string) error {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Approval requested*\n%s", details), false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"approval_actions",
			slack.NewButtonBlockElement(approvalActionApprove, approvalID,
				slack.NewTextBlockObject("plain_text", "Approve", false, false)),
			slack.NewButtonBlockElement(approvalActionDeny, approvalID,
				slack.NewTextBlockObject("plain_text", "Deny", false, false)),
			slack.NewButtonBlockElement(approvalActionAlways, approvalID,
				slack.NewTextBlockObject("plain_text", "Always allow", false, false)),
		),
	}
	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, _, err := s.api.PostMessage(channelID, opts...)
	if err != nil {
		return fmt.Errorf("slack: post approval request: %w", err)
	}
	return nil
}
