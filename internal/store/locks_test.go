package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/taskloom/taskloom/internal/store"
)

const defaultLeaseDuration = 60 * time.Second

func TestClaimNextTaskSerializesByConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1 := mustCreateTask(t, s, "w1:c1:main")
	id2 := mustCreateTask(t, s, "w1:c1:main")

	claimed, err := s.ClaimNextTask(ctx, "worker-1", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if claimed == nil || claimed.ID != id1 {
		t.Fatalf("expected to claim the older task %d first, got %+v", id1, claimed)
	}

	// The conversation is now leased; a second claim attempt must not pick
	// up id2 even though it is queued, because the lock is held.
	second, err := s.ClaimNextTask(ctx, "worker-2", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("ClaimNextTask (2nd): %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claimable task while conversation is leased, got %+v", second)
	}

	if err := s.CompleteTask(ctx, id1, "ok"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.ReleaseLease(ctx, "w1:c1:main", id1); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	third, err := s.ClaimNextTask(ctx, "worker-2", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("ClaimNextTask (3rd): %v", err)
	}
	if third == nil || third.ID != id2 {
		t.Fatalf("expected to claim %d after release, got %+v", id2, third)
	}
}

func TestClaimNextTaskAllowsInterConversationParallelism(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA := mustCreateTask(t, s, "w1:cA:main")
	idB := mustCreateTask(t, s, "w1:cB:main")

	a, err := s.ClaimNextTask(ctx, "worker-1", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("claim A: %v", err)
	}
	b, err := s.ClaimNextTask(ctx, "worker-2", defaultLeaseDuration)
	if err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if a == nil || b == nil {
		t.Fatalf("expected both conversations claimable concurrently, got a=%+v b=%+v", a, b)
	}
	got := map[int64]bool{a.ID: true, b.ID: true}
	if !got[idA] || !got[idB] {
		t.Fatalf("expected to claim both %d and %d, got %d and %d", idA, idB, a.ID, b.ID)
	}
}

func TestRecoverStuckTasksRequeuesThenErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustCreateTask(t, s, "w1:c1:main")

	for attempt := 0; attempt < 4; attempt++ {
		claimed, err := s.ClaimNextTask(ctx, "worker-1", defaultLeaseDuration)
		if err != nil {
			t.Fatalf("ClaimNextTask attempt %d: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: expected to claim %d", attempt, id)
		}

		// Simulate a crash: expire the lock directly without releasing.
		if _, err := s.DB().ExecContext(ctx, `UPDATE conversation_locks SET lease_until = ? WHERE conversation_key = ?;`,
			time.Now().Add(-time.Minute), "w1:c1:main"); err != nil {
			t.Fatalf("expire lock: %v", err)
		}

		recovered, errored, err := s.RecoverStuckTasks(ctx, 3)
		if err != nil {
			t.Fatalf("RecoverStuckTasks attempt %d: %v", attempt, err)
		}
		if attempt < 3 {
			if recovered != 1 || errored != 0 {
				t.Fatalf("attempt %d: recovered=%d errored=%d, want 1,0", attempt, recovered, errored)
			}
		} else {
			if errored != 1 {
				t.Fatalf("attempt %d: expected final sweep to error the task, got recovered=%d errored=%d", attempt, recovered, errored)
			}
			break
		}
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskError || task.ErrorText != "stuck" {
		t.Fatalf("task after repeated crashes = %+v, want status=error error_text=stuck", task)
	}
}
