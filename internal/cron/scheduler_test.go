package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskloom/taskloom/internal/cron"
	"github.com/taskloom/taskloom/internal/store"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed sleeps that make timing tests flaky.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type recordingNotifier struct {
	posts []string
}

func (n *recordingNotifier) Post(_ context.Context, workspaceID, channelID, threadTS, body string) error {
	n.posts = append(n.posts, body)
	return nil
}

func TestSchedulerFiresEveryJobAsTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	every := 1
	past := time.Now().Add(-time.Minute)
	jobID, err := st.CreateCronJob(ctx, store.CronJob{
		Name: "heartbeat", Enabled: true, ScheduleKind: store.ScheduleEvery, EverySeconds: &every,
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", PromptText: "ping", Mode: store.FireAgent,
		NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("create cron job: %v", err)
	}

	sched := cron.New(cron.Config{Store: st, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	var tasks []store.Task
	waitFor(t, 2*time.Second, func() bool {
		var err error
		tasks, err = st.ListTasksByConversation(ctx, store.ConversationKeyFor("w1", "c1", "", "", true), 0)
		return err == nil && len(tasks) > 0
	})

	task := tasks[0]
	if !task.IsProactive {
		t.Fatal("expected cron-fired task to be proactive")
	}
	if task.ConversationKey != "w1:c1:main" {
		t.Fatalf("conversation_key = %q, want w1:c1:main", task.ConversationKey)
	}

	job, err := st.GetCronJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get cron job: %v", err)
	}
	if job.LastRunAt == nil {
		t.Fatal("expected last_run_at to be set after firing")
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(*job.LastRunAt) {
		t.Fatalf("expected next_run_at (%v) to be after last_run_at (%v)", job.NextRunAt, job.LastRunAt)
	}
}

func TestSchedulerDisabledJobNeverFires(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	every := 1
	past := time.Now().Add(-time.Minute)
	if _, err := st.CreateCronJob(ctx, store.CronJob{
		Name: "off", Enabled: false, ScheduleKind: store.ScheduleEvery, EverySeconds: &every,
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", PromptText: "never", Mode: store.FireAgent,
		NextRunAt: &past,
	}); err != nil {
		t.Fatalf("create cron job: %v", err)
	}

	sched := cron.New(cron.Config{Store: st, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	sched.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	sched.Stop()

	tasks, err := st.ListTasksByConversation(ctx, store.ConversationKeyFor("w1", "c1", "", "", true), 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for a disabled job, got %d", len(tasks))
	}
}

func TestSchedulerMessageModeUsesNotifierNotTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	every := 1
	past := time.Now().Add(-time.Minute)
	if _, err := st.CreateCronJob(ctx, store.CronJob{
		Name: "reminder", Enabled: true, ScheduleKind: store.ScheduleEvery, EverySeconds: &every,
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", PromptText: "stand up", Mode: store.FireMessage,
		NextRunAt: &past,
	}); err != nil {
		t.Fatalf("create cron job: %v", err)
	}

	notifier := &recordingNotifier{}
	sched := cron.New(cron.Config{Store: st, Notifier: notifier, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(notifier.posts) > 0 })

	tasks, err := st.ListTasksByConversation(ctx, store.ConversationKeyFor("w1", "c1", "", "", true), 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected message-mode jobs to never create a task, got %d", len(tasks))
	}
	if notifier.posts[0] != "stand up" {
		t.Fatalf("posted body = %q, want %q", notifier.posts[0], "stand up")
	}
}

func TestSchedulerAtJobDisablesAfterFiring(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(-time.Minute)
	jobID, err := st.CreateCronJob(ctx, store.CronJob{
		Name: "one-shot", Enabled: true, ScheduleKind: store.ScheduleAt, AtTS: &at,
		Provider: "slack", WorkspaceID: "w1", ChannelID: "c1", PromptText: "remember this", Mode: store.FireAgent,
		NextRunAt: &at,
	})
	if err != nil {
		t.Fatalf("create cron job: %v", err)
	}

	sched := cron.New(cron.Config{Store: st, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		job, err := st.GetCronJob(ctx, jobID)
		return err == nil && job.LastRunAt != nil
	})

	job, err := st.GetCronJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get cron job: %v", err)
	}
	if job.Enabled {
		t.Fatal("expected a fired 'at' job to be disabled")
	}
	if job.NextRunAt != nil {
		t.Fatal("expected next_run_at to be cleared for a fired 'at' job")
	}
}

func TestNextRunTimeEveryAdvancesFromLastRunNotWallClock(t *testing.T) {
	every := 60
	lastRun := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := store.CronJob{ID: "j1", ScheduleKind: store.ScheduleEvery, EverySeconds: &every, LastRunAt: &lastRun}

	// "now" lands a few seconds after the ideal boundary; the next run should
	// still be computed relative to last_run_at, not now, so firings stay on
	// the t0, t0+N, t0+2N grid instead of drifting forward every tick.
	now := lastRun.Add(61 * time.Second)
	next, err := cron.NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := lastRun.Add(120 * time.Second)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunTimeCronUsesStandardFiveFieldExpr(t *testing.T) {
	job := store.CronJob{ID: "j2", ScheduleKind: store.ScheduleCron, CronExpr: "0 9 * * *"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next = %v, want 09:00", next)
	}
	if !next.After(now) {
		t.Fatalf("next (%v) must be after now (%v)", next, now)
	}
}
