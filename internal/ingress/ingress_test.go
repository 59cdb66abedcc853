package ingress_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskloom/taskloom/internal/ingress"
	"github.com/taskloom/taskloom/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestIngestEnqueuesOneTaskPerEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	r := ingress.New(st, nil)

	taskID, enqueued, err := r.Ingest(ctx, ingress.Event{
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", EventTS: "1.0", EventID: "E1",
		UserID: "u1", Text: "hi",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !enqueued || taskID == 0 {
		t.Fatalf("expected a task to be enqueued, got enqueued=%v id=%d", enqueued, taskID)
	}
}

func TestIngestDedupesByWorkspaceAndEventID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	r := ingress.New(st, nil)

	ev := ingress.Event{
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", EventTS: "1.0", EventID: "E1",
		UserID: "u1", Text: "hi",
	}
	id1, enqueued1, err := r.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("Ingest (first): %v", err)
	}
	if !enqueued1 {
		t.Fatal("expected the first delivery to enqueue")
	}

	id2, enqueued2, err := r.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("Ingest (redelivery): %v", err)
	}
	if enqueued2 {
		t.Fatal("expected the redelivered event to be dropped, not enqueued again")
	}
	if id2 != 0 {
		t.Fatalf("expected no task id on a dropped redelivery, got %d", id2)
	}

	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue_depth = %d, want 1 (id1=%d)", depth, id1)
	}
}

func TestIngestDropsSenderNotOnAllowList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	settings.SlackAllowFrom = []string{"u-allowed"}
	if err := st.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	r := ingress.New(st, nil)
	_, enqueued, err := r.Ingest(ctx, ingress.Event{
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", EventTS: "1.0", EventID: "E1",
		UserID: "u-not-allowed", Text: "hi",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if enqueued {
		t.Fatal("expected event from a non-allow-listed user to be dropped")
	}
}

func TestIngestComputesThreadConversationKeyOnReply(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	r := ingress.New(st, nil)

	taskID, enqueued, err := r.Ingest(ctx, ingress.Event{
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", ThreadTS: "100.0",
		EventTS: "101.0", EventID: "E1", UserID: "u1", Text: "reply in thread",
	})
	if err != nil || !enqueued {
		t.Fatalf("Ingest: enqueued=%v err=%v", enqueued, err)
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ConversationKey != "w1:c1:thread:100.0" {
		t.Fatalf("conversation_key = %q, want w1:c1:thread:100.0", task.ConversationKey)
	}
}

func TestIngestAppendsTelegramHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	r := ingress.New(st, nil)

	_, enqueued, err := r.Ingest(ctx, ingress.Event{
		Provider: "telegram", WorkspaceID: "w1", ChannelID: "chat-1", EventTS: "1",
		EventID: "E1", UserID: "u1", Text: "hello", TelegramMessageID: "m1",
	})
	if err != nil || !enqueued {
		t.Fatalf("Ingest: enqueued=%v err=%v", enqueued, err)
	}

	history, err := st.RecentTelegramMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("RecentTelegramMessages: %v", err)
	}
	if len(history) != 1 || history[0].Text != "hello" {
		t.Fatalf("history = %+v, want one message with text 'hello'", history)
	}
}
