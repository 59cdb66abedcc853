// Package channels adapts each chat provider (Telegram, Slack) to the two
// seams the rest of taskloom depends on: it produces ingress.Event values
// for inbound messages, and it implements notifier.Provider for outbound
// replies and interactive approval prompts.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/ingress"
	"github.com/taskloom/taskloom/internal/store"
)

// telegramWorkspaceID is fixed: Telegram has no workspace concept of its
// own, and taskloom is a single-workspace deployment.
const telegramWorkspaceID = "telegram"

// telegramStallTimeout must exceed tgbotapi's 60s long-poll window, since
// GetUpdatesChan blocks rather than closing on a dead connection.
const telegramStallTimeout = 150 * time.Second

// Telegram is a long-polling ingress producer and notifier.Provider backed
// by a single bot token.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	reducer   *ingress.Reducer
	approvals *approval.Registry
	logger    *slog.Logger
}

// NewTelegram dials the Telegram bot API and returns a ready Telegram
// channel. reducer and approvals may not be nil if Run is going to be
// called; a Telegram built only to act as a notifier.Provider (e.g. a
// deployment that only fires cron "message" jobs into a chat) can pass nil
// for both.
func NewTelegram(token string, reducer *ingress.Reducer, approvals *approval.Registry, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{bot: bot, reducer: reducer, approvals: approvals, logger: logger}, nil
}

// Run polls for updates until ctx is cancelled, reconnecting with
// exponential backoff on stall or channel closure.
func (t *Telegram) Run(ctx context.Context) error {
	t.logger.Info("telegram channel started", "bot_user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		err := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if err != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(telegramStallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(telegramStallTimeout)

			switch {
			case update.Message != nil:
				t.handleMessage(ctx, update.Message)
			case update.CallbackQuery != nil:
				t.handleCallbackQuery(ctx, update.CallbackQuery)
			}
		case <-timer.C:
			return fmt.Errorf("telegram: no updates for %v, assuming disconnect", telegramStallTimeout)
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	threadTS := ""
	if msg.MessageThreadID != 0 {
		threadTS = strconv.Itoa(msg.MessageThreadID)
	}

	ev := ingress.Event{
		Provider:          "telegram",
		WorkspaceID:       telegramWorkspaceID,
		ChannelID:         chatID,
		ThreadTS:          threadTS,
		EventTS:           strconv.Itoa(msg.Date),
		EventID:           fmt.Sprintf("%s:%d", chatID, msg.MessageID),
		UserID:            strconv.FormatInt(msg.From.ID, 10),
		Text:              text,
		TelegramMessageID: strconv.Itoa(msg.MessageID),
	}

	if _, _, err := t.reducer.Ingest(ctx, ev); err != nil {
		t.logger.Error("telegram: ingest failed", "chat_id", chatID, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("could not schedule task: %v", err))
	}
}

// handleCallbackQuery routes an inline approval-button press straight into
// the approval registry's decision path, bypassing any chat-command parser:
// the button's callback data already names the approval id and decision.
func (t *Telegram) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if t.approvals == nil || query.From == nil {
		return
	}
	approvalID, decision, ok := parseApprovalCallback(query.Data)
	if !ok {
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("recording %s...", decision))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("telegram: callback ack failed", "error", err)
	}

	actor := query.From.UserName
	if actor == "" {
		actor = strconv.FormatInt(query.From.ID, 10)
	}

	resolved, err := t.approvals.Decide(ctx, approvalID, store.ApprovalDecision(decision), actor, "")
	if err != nil {
		t.logger.Error("telegram: approval decision failed", "approval_id", approvalID, "error", err)
		if query.Message != nil {
			t.reply(query.Message.Chat.ID, fmt.Sprintf("could not record decision: %v", err))
		}
		return
	}
	if query.Message != nil {
		t.reply(query.Message.Chat.ID, fmt.Sprintf("approval %s: %s", resolved.ID, resolved.Status))
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram: send failed", "chat_id", chatID, "error", err)
	}
}

// Post implements notifier.Provider.
func (t *Telegram) Post(ctx context.Context, workspaceID, channelID, threadTS, body string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid channel id %q: %w", channelID, err)
	}
	msg := tgbotapi.NewMessage(chatID, body)
	if tid, err := strconv.Atoi(threadTS); err == nil && tid != 0 {
		msg.MessageThreadID = tid
	}
	_, err = t.bot.Send(msg)
	return err
}

// RequestApproval implements notifier.Provider, posting an inline keyboard
// with one button per possible decision.
func (t *Telegram) RequestApproval(ctx context.Context, workspaceID, channelID, threadTS, details, approvalID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid channel id %q: %w", channelID, err)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("approval:%s:approve", approvalID)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", fmt.Sprintf("approval:%s:deny", approvalID)),
			tgbotapi.NewInlineKeyboardButtonData("Always allow", fmt.Sprintf("approval:%s:always", approvalID)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Approval requested:\n%s", details))
	if tid, err := strconv.Atoi(threadTS); err == nil && tid != 0 {
		msg.MessageThreadID = tid
	}
	msg.ReplyMarkup = keyboard
	_, err = t.bot.Send(msg)
	return err
}

// parseApprovalCallback parses callback data of the form
// "approval:<id>:<decision>" as emitted by RequestApproval's keyboard.
func parseApprovalCallback(data string) (approvalID, decision string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "approval" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
