package store_test

import (
	"context"
	"testing"

	"github.com/taskloom/taskloom/internal/store"
)

func mustCreateTask(t *testing.T, s *store.Store, conversationKey string) int64 {
	t.Helper()
	id, err := s.CreateTask(context.Background(), store.Task{
		Provider:        "slack",
		WorkspaceID:     "w1",
		ChannelID:       "c1",
		ConversationKey: conversationKey,
		PromptText:      "hello",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, "w1:c1:main")

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task == nil {
		t.Fatal("expected task, got nil")
	}
	if task.Status != store.TaskQueued {
		t.Errorf("status = %q, want queued", task.Status)
	}
	if task.ConversationKey != "w1:c1:main" {
		t.Errorf("conversation_key = %q", task.ConversationKey)
	}
}

func TestCompleteTaskRequiresRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateTask(t, s, "w1:c1:main")

	if err := s.CompleteTask(ctx, id, "done text"); err == nil {
		t.Fatal("expected error completing a queued (not running) task")
	}
}

func TestCompleteAndFailTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateTask(t, s, "w1:c1:main")

	claimed, err := s.ClaimNextTask(ctx, "worker-1", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected to claim %d, got %+v", id, claimed)
	}

	if err := s.CompleteTask(ctx, id, "the result"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskDone {
		t.Errorf("status = %q, want done", task.Status)
	}
	if task.ResultText != "the result" {
		t.Errorf("result_text = %q", task.ResultText)
	}
	if task.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestCancelQueuedTaskIsImmediate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateTask(t, s, "w1:c1:main")

	ok, err := s.CancelTask(ctx, id)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel to succeed on a queued task")
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskCancelled {
		t.Errorf("status = %q, want cancelled", task.Status)
	}
}

func TestCancelRunningTaskSetsFlagOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateTask(t, s, "w1:c1:main")

	if _, err := s.ClaimNextTask(ctx, "worker-1", defaultLeaseDuration); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	ok, err := s.CancelTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelTask: ok=%v err=%v", ok, err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskRunning {
		t.Errorf("status = %q, want still running (flag, not transition)", task.Status)
	}
	cancelled, err := s.IsCancelRequested(ctx, id)
	if err != nil {
		t.Fatalf("IsCancelRequested: %v", err)
	}
	if !cancelled {
		t.Error("expected cancel_requested to be set")
	}
}

func TestIngressIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.MarkEventProcessed(ctx, "w1", "E1")
	if err != nil {
		t.Fatalf("MarkEventProcessed (1st): %v", err)
	}
	if !first {
		t.Fatal("expected first MarkEventProcessed call to succeed")
	}

	second, err := s.MarkEventProcessed(ctx, "w1", "E1")
	if err != nil {
		t.Fatalf("MarkEventProcessed (2nd): %v", err)
	}
	if second {
		t.Fatal("expected duplicate event_id to be rejected, not a storage error")
	}

	// A different workspace with the same event_id is a distinct key.
	third, err := s.MarkEventProcessed(ctx, "w2", "E1")
	if err != nil {
		t.Fatalf("MarkEventProcessed (different workspace): %v", err)
	}
	if !third {
		t.Fatal("expected (workspace_id, event_id) to be the dedup key, not event_id alone")
	}
}
