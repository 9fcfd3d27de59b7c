// Package dispatcher runs the main loop: crash recovery at start, then
// every 30 seconds claim and run pending tasks of both kinds and,
// every 10th tick, the health reconciler. Grounded on
// policy-service/internal/worker's JobScheduler.Run ticker/ctx.Done
// select loop.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/health"
	"github.com/purpleskulll/arcamatrix/internal/metrics"
	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/patch"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/taskstore"
	"github.com/purpleskulll/arcamatrix/internal/validate"
)

// Dispatcher is the single-threaded cooperative loop.
type Dispatcher struct {
	tasks       *taskstore.Store
	pool        *poolstore.Store
	engine      *patch.Engine
	reconciler  *health.Reconciler
	provision   patch.Handler
	recycle     patch.Handler
	interval    time.Duration
	everyNTicks int
	logger      *slog.Logger
}

// New returns a Dispatcher.
func New(
	tasks *taskstore.Store,
	pool *poolstore.Store,
	engine *patch.Engine,
	reconciler *health.Reconciler,
	provision, recycle patch.Handler,
	interval time.Duration,
	everyNTicks int,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tasks: tasks, pool: pool, engine: engine, reconciler: reconciler,
		provision: provision, recycle: recycle,
		interval: interval, everyNTicks: everyNTicks, logger: logger,
	}
}

// Run executes crash recovery, then loops until ctx is cancelled
// (SIGTERM/KeyboardInterrupt), always finishing the current task
// before exiting.
func (d *Dispatcher) Run(ctx context.Context) {
	d.recoverCrashed()

	d.logger.Info("dispatcher started", "poll_interval", d.interval, "reconciler_every", d.everyNTicks)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	tick := 0
	for {
		d.processKind(ctx, model.TaskProvisioning, d.provision)
		d.processKind(ctx, model.TaskRecycle, d.recycle)

		tick++
		if tick%d.everyNTicks == 0 {
			d.runReconciler(ctx)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher shutting down")
			return
		case <-ticker.C:
		}
	}
}

// recoverCrashed resolves every task still in_progress from a prior
// crash on startup. Recycle tasks always go back to pending — a
// recycle can simply be retried. A provisioning task goes back to
// pending only if its username has no pool assignment yet; if the
// pool already shows a workspace assigned to that username, the
// provisioning evidently completed (or partially completed) before
// the crash, so the task is marked failed rather than retried, which
// would otherwise attempt to assign a second workspace to the same
// customer.
func (d *Dispatcher) recoverCrashed() {
	inProgress, err := d.tasks.ListInProgress()
	if err != nil {
		d.logger.Error("crash recovery: list in-progress failed", "error", err)
		return
	}

	for _, task := range inProgress {
		toPending := true
		failureReason := ""

		if task.Type == model.TaskProvisioning {
			ws, getErr := d.pool.Get(task.Metadata.Username)
			if getErr != nil {
				d.logger.Error("crash recovery: pool lookup failed", "task_id", task.ID, "error", getErr)
				continue
			}
			if ws != nil {
				toPending = false
				failureReason = "agent crashed mid-provisioning, workspace already assigned"
			}
		}

		if err := d.tasks.ResolveCrashed(task.ID, toPending, failureReason); err != nil {
			d.logger.Error("crash recovery: resolve failed", "task_id", task.ID, "error", err)
			continue
		}
		if toPending {
			d.logger.Info("crash recovery: task reset to pending", "task_id", task.ID, "type", task.Type)
		} else {
			d.logger.Warn("crash recovery: task marked failed", "task_id", task.ID, "type", task.Type, "reason", failureReason)
		}
	}
}

func (d *Dispatcher) processKind(ctx context.Context, kind model.TaskType, handle patch.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.tasks.ClaimNextPendingOfType(kind)
		if err != nil {
			d.logger.Error("claim task failed", "type", kind, "error", err)
			return
		}
		if task == nil {
			return
		}

		d.logger.Info("processing task", "task_id", task.ID, "type", task.Type)

		var result model.TaskResult
		if err := validate.Metadata(task.Type, task.Metadata); err != nil {
			d.logger.Error("task metadata validation failed, not retried", "task_id", task.ID, "error", err)
			result = model.TaskResult{Success: false, Error: err.Error()}
		} else {
			result = d.engine.Wrap(ctx, task, handle)
		}

		status := model.StatusCompleted
		if !result.Success {
			status = model.StatusFailed
		}
		if err := d.tasks.Complete(task.ID, status, result); err != nil {
			d.logger.Error("record task result failed", "task_id", task.ID, "error", err)
		}
	}
}

func (d *Dispatcher) runReconciler(ctx context.Context) {
	assigned, unreachable, err := d.pool.Snapshot()
	if err != nil {
		d.logger.Error("health reconciler snapshot failed", "error", err)
		return
	}
	d.reconciler.Run(ctx, assigned, unreachable)
	d.reportPoolMetrics()
}

func (d *Dispatcher) reportPoolMetrics() {
	status, err := d.pool.Status()
	if err != nil {
		d.logger.Error("pool status for metrics failed", "error", err)
		return
	}
	metrics.PoolTotal.Set(float64(status.Total))
	metrics.PoolAvailable.Set(float64(status.Available))
	metrics.PoolAssigned.Set(float64(status.Assigned))
	if status.NeedsExpansion {
		metrics.PoolNeedsExpansion.Set(1)
	} else {
		metrics.PoolNeedsExpansion.Set(0)
	}
}
