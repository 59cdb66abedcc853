// Package dispatcher runs an N-slot worker pool that polls the Store for
// claimable tasks, renews its conversation leases while a Worker is busy
// with one, and releases them when the Worker returns.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	tlotel "github.com/taskloom/taskloom/internal/otel"
	"github.com/taskloom/taskloom/internal/store"
)

// Executor is the narrow slice of worker.Worker the Dispatcher depends on.
type Executor interface {
	Run(ctx context.Context, task store.Task) error
}

// Config holds a Dispatcher's tunables.
type Config struct {
	Store         *store.Store
	Executor      Executor
	Logger        *slog.Logger
	Tracer        trace.Tracer  // optional; defaults to a no-op tracer
	Concurrency   int           // number of worker slots; default 4
	PollInterval  time.Duration // default 250ms
	LeaseDuration time.Duration // default 60s
	ReenqueueMax  int           // default 3, passed to RecoverStuckTasks
}

// Dispatcher is the DispatchLoop component.
type Dispatcher struct {
	st       *store.Store
	exec     Executor
	logger   *slog.Logger
	tracer   trace.Tracer
	ownerID  string

	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	reenqueueMax  int

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher with one fixed owner id for the process's
// lifetime, used as the conversation_locks owner_id for every lease it
// acquires.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tlotel.TracerName)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 60 * time.Second
	}
	reenqueueMax := cfg.ReenqueueMax
	if reenqueueMax <= 0 {
		reenqueueMax = 3
	}
	return &Dispatcher{
		st:            cfg.Store,
		exec:          cfg.Executor,
		logger:        logger,
		tracer:        tracer,
		ownerID:       "dispatcher-" + uuid.NewString(),
		concurrency:   concurrency,
		pollInterval:  pollInterval,
		leaseDuration: leaseDuration,
		reenqueueMax:  reenqueueMax,
		sem:           make(chan struct{}, concurrency),
	}
}

// Start runs the crash-recovery sweep once, then the poll loop in a
// background goroutine, until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	recovered, errored, err := d.st.RecoverStuckTasks(runCtx, d.reenqueueMax)
	if err != nil {
		d.logger.Error("dispatcher: startup recovery sweep failed", "error", err)
	} else if recovered > 0 || errored > 0 {
		d.logger.Info("dispatcher: startup recovery swept stuck tasks", "recovered", recovered, "errored", errored)
	}

	d.wg.Add(1)
	go d.loop(runCtx)
	d.logger.Info("dispatcher started", "owner_id", d.ownerID, "concurrency", d.concurrency)
}

// Stop cancels the loop and waits for every in-flight task to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fillSlots(ctx)
		}
	}
}

// fillSlots tries to claim one task per currently-free worker slot. It never
// blocks waiting for a slot: if every slot is busy, it simply waits for the
// next tick.
func (d *Dispatcher) fillSlots(ctx context.Context) {
	for {
		select {
		case d.sem <- struct{}{}:
		default:
			return // every slot busy
		}

		claimCtx, span := tlotel.StartSpan(ctx, d.tracer, "taskloom.dispatch.claim",
			tlotel.AttrWorkerOwner.String(d.ownerID))
		task, err := d.st.ClaimNextTask(claimCtx, d.ownerID, d.leaseDuration)
		if err != nil {
			span.End()
			d.logger.Error("dispatcher: claim failed", "error", err)
			<-d.sem
			return
		}
		if task == nil {
			span.End()
			<-d.sem
			return // nothing eligible; give the slot back and wait for the next tick
		}
		span.SetAttributes(tlotel.AttrTaskID.Int64(task.ID), tlotel.AttrConversationKey.String(task.ConversationKey))
		span.End()

		d.wg.Add(1)
		go d.runClaimed(ctx, *task)
	}
}

func (d *Dispatcher) runClaimed(ctx context.Context, task store.Task) {
	defer d.wg.Done()
	defer func() { <-d.sem }()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	d.wg.Add(1)
	go d.renewLoop(renewCtx, task)

	runCtx, span := tlotel.StartSpan(ctx, d.tracer, "taskloom.dispatch.run",
		tlotel.AttrTaskID.Int64(task.ID), tlotel.AttrConversationKey.String(task.ConversationKey))
	runErr := d.exec.Run(runCtx, task)
	span.End()
	stopRenew()

	if err := d.st.ReleaseLease(context.WithoutCancel(ctx), task.ConversationKey, task.ID); err != nil {
		d.logger.Error("dispatcher: release lease failed", "task_id", task.ID, "error", err)
	}
	if runErr != nil {
		d.logger.Error("dispatcher: worker run failed", "task_id", task.ID, "error", runErr)
	}
}

// renewLoop extends the conversation lease at leaseDuration/3 intervals
// while the worker is busy, matching the store's own renewal cadence.
func (d *Dispatcher) renewLoop(ctx context.Context, task store.Task) {
	defer d.wg.Done()
	interval := d.leaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.st.RenewLease(ctx, task.ConversationKey, d.ownerID, d.leaseDuration)
			if err != nil {
				d.logger.Error("dispatcher: renew lease failed", "task_id", task.ID, "error", err)
				continue
			}
			if !ok {
				d.logger.Warn("dispatcher: lost lease ownership mid-task", "task_id", task.ID, "conversation_key", task.ConversationKey)
				return
			}
		}
	}
}
