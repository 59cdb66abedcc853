// Package cron computes next-fire times for enabled CronJobs and, on fire,
// either enqueues a proactive Task or emits a direct message.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/taskloom/taskloom/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow); seconds are always zero.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Notifier is the narrow slice of notifier.Notifier a "message" mode job
// needs.
type Notifier interface {
	Post(ctx context.Context, workspaceID, channelID, threadTS, body string) error
}

// Config holds the Scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Notifier Notifier
	Logger   *slog.Logger
	Interval time.Duration // tick interval; spec default is 1 Hz
}

// Scheduler is the CronScheduler component.
type Scheduler struct {
	st       *store.Store
	notifier Notifier
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{st: cfg.Store, notifier: cfg.Notifier, logger: logger, interval: interval}
}

// Start runs the scheduler loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.st.DueCronJobs(ctx, now)
	if err != nil {
		s.logger.Error("cron: query due jobs failed", "error", err)
		return
	}
	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job store.CronJob, now time.Time) {
	var fireErr error
	switch job.Mode {
	case store.FireAgent:
		eventTS := fmt.Sprintf("cron:%s:%d", job.ID, now.UnixNano())
		_, fireErr = s.st.CreateTask(ctx, store.Task{
			Provider:        job.Provider,
			WorkspaceID:     job.WorkspaceID,
			ChannelID:       job.ChannelID,
			ThreadTS:        job.ThreadTS,
			EventTS:         eventTS,
			ConversationKey: store.ConversationKeyFor(job.WorkspaceID, job.ChannelID, job.ThreadTS, eventTS, true),
			PromptText:      job.PromptText,
			IsProactive:     true,
		})
	case store.FireMessage:
		if s.notifier != nil {
			fireErr = s.notifier.Post(ctx, job.WorkspaceID, job.ChannelID, job.ThreadTS, job.PromptText)
		}
	default:
		fireErr = fmt.Errorf("unknown fire mode %q", job.Mode)
	}

	status, lastError := "ok", ""
	if fireErr != nil {
		status, lastError = "error", fireErr.Error()
		s.logger.Error("cron: job fire failed", "job_id", job.ID, "job_name", job.Name, "error", fireErr)
	}

	nextRunAt, nrErr := NextRunTime(job, now)
	if nrErr != nil {
		s.logger.Error("cron: compute next run failed", "job_id", job.ID, "error", nrErr)
		return
	}
	if err := s.st.UpdateCronJobRun(ctx, job.ID, now, nextRunAt, status, lastError); err != nil {
		s.logger.Error("cron: update job run failed", "job_id", job.ID, "error", err)
	}
}

// NextRunTime computes the job's next_run_at after `after`, per its
// schedule_kind. A nil result (with nil error) means the job is a one-shot
// "at" job that just fired and should be disabled.
func NextRunTime(job store.CronJob, after time.Time) (*time.Time, error) {
	switch job.ScheduleKind {
	case store.ScheduleEvery:
		if job.EverySeconds == nil || *job.EverySeconds <= 0 {
			return nil, fmt.Errorf("every-schedule job %s has no every_seconds", job.ID)
		}
		step := time.Duration(*job.EverySeconds) * time.Second
		base := after
		if job.LastRunAt != nil {
			base = *job.LastRunAt
		}
		next := base.Add(step)
		// Clamp so missed ticks do not burst: if we've fallen behind (e.g.
		// the process was down), jump straight to the next future tick
		// instead of firing once per missed interval.
		for !next.After(after) {
			next = next.Add(step)
		}
		return &next, nil
	case store.ScheduleCron:
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron_expr: %w", err)
		}
		next := sched.Next(after)
		return &next, nil
	case store.ScheduleAt:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule_kind %q", job.ScheduleKind)
	}
}
