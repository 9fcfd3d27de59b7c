// Package patch implements the self-healing pre/post envelope that
// wraps every task: diagnose-and-patch before the task runs,
// verify-and-root-fix after it succeeds. rootFixFor maps each
// PatchKind (model package) to its RootFixKind in a single switch. Go
// does not check that switch for exhaustiveness: its default case
// returns no root fix, so a PatchKind added without a case of its own
// goes unhandled.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/purpleskulll/arcamatrix/internal/audit"
	"github.com/purpleskulll/arcamatrix/internal/events"
	"github.com/purpleskulll/arcamatrix/internal/health"
	"github.com/purpleskulll/arcamatrix/internal/metrics"
	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/poolexpand"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/router"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
	"github.com/purpleskulll/arcamatrix/internal/taskstore"
)

// Handler runs the actual domain operation for a task. It always
// returns a result; errors are folded into result.Error.
type Handler func(ctx context.Context, task *model.Task) model.TaskResult

// Engine wraps every task execution in diagnose/patch and
// verify/root-fix phases.
type Engine struct {
	sprites  *spritesapi.Client
	pool     *poolstore.Store
	tasks    *taskstore.Store
	mapping  *router.Mapping
	admin    *router.AdminClient
	expander *poolexpand.Expander
	prober   *health.Prober
	pub      *events.Publisher
	audit    *audit.Sink
	logger   *slog.Logger

	mu  sync.Mutex
	log []model.PatchLogEntry
}

// New returns an Engine wired to every component it may need to
// invoke a patch against.
func New(
	sprites *spritesapi.Client,
	pool *poolstore.Store,
	tasks *taskstore.Store,
	mapping *router.Mapping,
	admin *router.AdminClient,
	expander *poolexpand.Expander,
	prober *health.Prober,
	pub *events.Publisher,
	auditSink *audit.Sink,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sprites: sprites, pool: pool, tasks: tasks, mapping: mapping, admin: admin,
		expander: expander, prober: prober, pub: pub, audit: auditSink,
		logger: logger,
	}
}

// Wrap runs the pre-hook, then the handler (unless a pre-hook check
// was critical), then the post-hook.
func (e *Engine) Wrap(ctx context.Context, task *model.Task, handle Handler) model.TaskResult {
	start := time.Now()
	defer func() {
		metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	}()

	patches, critical, err := e.preHook(ctx, task)
	for _, p := range patches {
		metrics.PatchesAppliedTotal.WithLabelValues(string(p)).Inc()
	}
	e.appendLog(model.PatchLogEntry{
		TaskID: task.ID, Phase: "pre", Timestamp: time.Now().UTC(), Patches: patches,
	})

	if critical {
		metrics.TasksProcessedTotal.WithLabelValues(string(task.Type), string(model.StatusFailed)).Inc()
		return model.TaskResult{Success: false, Error: fmt.Sprintf("pre-hook critical failure: %v", err)}
	}

	result := handle(ctx, task)

	status := model.StatusCompleted
	if !result.Success {
		status = model.StatusFailed
	}
	metrics.TasksProcessedTotal.WithLabelValues(string(task.Type), string(status)).Inc()

	if result.Success {
		e.publishLifecycle(ctx, task, &result)

		rootFixes, note := e.postHook(ctx, task, &result, patches)
		e.appendLog(model.PatchLogEntry{
			TaskID: task.ID, Phase: "post", Timestamp: time.Now().UTC(),
			RootFixes: rootFixes, Note: note,
		})
	} else {
		e.logger.Warn("task failed, post-hook skipped", "task_id", task.ID, "error", result.Error)
	}

	return result
}

// preHook runs the diagnose-and-patch checks in spec order. critical
// means the task must not run at all.
func (e *Engine) preHook(ctx context.Context, task *model.Task) (patches []model.PatchKind, critical bool, err error) {
	if down := e.checkAPIReachable(ctx); down {
		patches = append(patches, model.PatchAPIBackoff)
		if stillDown := e.backoffAPI(ctx); stillDown {
			return patches, true, fmt.Errorf("remote workspace API unreachable after backoff")
		}
	}

	if task.Type == model.TaskProvisioning {
		status, statusErr := e.pool.Status()
		if statusErr == nil && status.Available == 0 {
			patches = append(patches, model.PatchPoolEmergency)
			if _, _, createErr := e.expander.CreateOne(ctx); createErr != nil {
				return patches, true, fmt.Errorf("emergency pool expansion failed: %w", createErr)
			}
		}
	}

	if e.mapping != nil {
		clean, cleanErr := e.mapping.IsClean(ctx)
		if cleanErr == nil && !clean {
			patches = append(patches, model.PatchGitReset)
			if resetErr := e.mapping.ResetHard(ctx); resetErr != nil {
				e.logger.Error("git_clean patch failed", "error", resetErr)
			}
		}
	}

	swept, sweepErr := e.tasks.SweepStaleExcept(time.Now().UTC(), task.ID)
	if sweepErr == nil && len(swept) > 0 {
		patches = append(patches, model.PatchOrphanCleanup)
		e.logger.Warn("stale in_progress tasks forced to failed", "task_ids", swept)
	}

	if task.Type == model.TaskRecycle {
		e.checkTargetHealth(ctx, task)
	}

	return patches, false, nil
}

// publishLifecycle emits the assigned/released event for a successful
// provisioning/recycle task, best-effort, to an optional RabbitMQ sink
// for downstream consumers such as billing.
func (e *Engine) publishLifecycle(ctx context.Context, task *model.Task, result *model.TaskResult) {
	if e.pub == nil {
		return
	}
	kind := "assigned"
	if task.Type == model.TaskRecycle {
		kind = "released"
	}
	e.pub.Publish(ctx, events.LifecycleEvent{
		Kind:          kind,
		WorkspaceName: result.WorkspaceName,
		Username:      task.Metadata.Username,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	})
}

func (e *Engine) checkAPIReachable(ctx context.Context) (down bool) {
	return e.sprites.Ping(ctx) != nil
}

// backoffAPI polls with 5s, 10s, 15s backoff; returns true if the API
// is still unreachable afterwards.
func (e *Engine) backoffAPI(ctx context.Context) bool {
	for _, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second} {
		select {
		case <-ctx.Done():
			return true
		case <-time.After(delay):
		}
		if e.sprites.Ping(ctx) == nil {
			return false
		}
	}
	return true
}

// checkTargetHealth is log-only: recycle's target_health check has no
// corresponding patch.
func (e *Engine) checkTargetHealth(ctx context.Context, task *model.Task) {
	ws, err := e.pool.Get(task.Metadata.Username)
	if err != nil || ws == nil {
		return
	}
	status := e.prober.Probe(ctx, ws.URL)
	if !status.Proxy || !status.Gateway {
		e.logger.Warn("target_health check failed before recycle", "task_id", task.ID, "workspace", ws.Name)
	}
}

// postHook runs only for successful tasks. It takes the permanent
// counterpart of each pre-patch, then runs the independent
// provisioning-verification and pool-expansion checks.
func (e *Engine) postHook(ctx context.Context, task *model.Task, result *model.TaskResult, patches []model.PatchKind) (rootFixes []model.RootFixKind, note string) {
	var notes []string

	for _, p := range patches {
		fix, handled := e.rootFixFor(ctx, p, task, result)
		if handled {
			rootFixes = append(rootFixes, fix)
		}
	}

	if task.Type == model.TaskProvisioning && result.WorkspaceName != "" {
		fixes, n := e.verifyProvisioning(ctx, task, result)
		rootFixes = append(rootFixes, fixes...)
		if n != "" {
			notes = append(notes, n)
		}
	}

	if !result.EmailSent {
		rootFixes = append(rootFixes, model.RootFixEmailWarned)
		notes = append(notes, "email not sent, flagged for retry")
	}

	if status, err := e.pool.Status(); err == nil && status.NeedsExpansion {
		e.expandAsync("needs_expansion")
	}

	return rootFixes, strings.Join(notes, "; ")
}

// expandAsync runs pool expansion in the background and publishes a
// pool_expanded lifecycle event once it completes successfully.
func (e *Engine) expandAsync(reason string) {
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := e.expander.ExpandTo(bgCtx, 5); err != nil {
			e.logger.Error("pool expansion failed", "reason", reason, "error", err)
			return
		}
		e.pub.Publish(bgCtx, events.LifecycleEvent{
			Kind:          "pool_expanded",
			CorrelationID: uuid.New().String(),
			Timestamp:     time.Now().UTC(),
		})
	}()
}

// rootFixFor is the exhaustive patch -> root-fix mapping.
func (e *Engine) rootFixFor(ctx context.Context, p model.PatchKind, task *model.Task, result *model.TaskResult) (model.RootFixKind, bool) {
	switch p {
	case model.PatchPoolEmergency:
		e.expandAsync("pool_emergency")
		return model.RootFixPoolExpanded, true

	case model.PatchServiceRestart:
		if result.WorkspaceName != "" {
			if err := health.InstallWatchdog(ctx, e.sprites, result.WorkspaceName); err != nil {
				e.logger.Error("watchdog install failed", "workspace", result.WorkspaceName, "error", err)
				return "", false
			}
		}
		return model.RootFixWatchdogInstall, true

	case model.PatchGitReset:
		e.logger.Warn("git_reset root-fix: recorded for offline investigation", "task_id", task.ID)
		return model.RootFixGitResetLogged, true

	case model.PatchOrphanCleanup:
		return model.RootFixOrphanNoted, true

	case model.PatchAPIBackoff:
		return "", false

	default:
		return "", false
	}
}

// verifyProvisioning is the additional post-hook obligation for
// successful provisioning tasks.
func (e *Engine) verifyProvisioning(ctx context.Context, task *model.Task, result *model.TaskResult) (fixes []model.RootFixKind, note string) {
	status := e.prober.Probe(ctx, result.ExternalURL)

	if !status.Proxy || !status.Gateway {
		if _, err := e.sprites.Exec(ctx, result.WorkspaceName, []string{"bash", "-c", "service uniproxy start; service gateway start"}, nil); err != nil {
			e.logger.Error("provisioning verify: service restart failed", "workspace", result.WorkspaceName, "error", err)
		}
		status = e.prober.Probe(ctx, result.ExternalURL)

		if !status.Proxy || !status.Gateway {
			if err := health.InstallWatchdog(ctx, e.sprites, result.WorkspaceName); err != nil {
				e.logger.Error("provisioning verify: watchdog install failed", "workspace", result.WorkspaceName, "error", err)
			} else {
				fixes = append(fixes, model.RootFixWatchdogInstall)
			}
			note = "post-provisioning health verification failed after restart"
		}
	}

	if e.admin != nil {
		if err := e.admin.MirrorAdd(ctx, task.Metadata.Username, result.ExternalURL, result.WorkspaceName); err != nil {
			e.logger.Warn("router mapping re-confirmation failed", "username", task.Metadata.Username, "error", err)
		} else {
			fixes = append(fixes, model.RootFixRouterReconfirm)
		}
	}

	return fixes, note
}

func (e *Engine) appendLog(entry model.PatchLogEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log = append(e.log, entry)
	if len(e.log) > model.PatchLogCapacity {
		e.log = e.log[len(e.log)-model.PatchLogCapacity:]
	}

	if e.audit != nil {
		go e.audit.Record(context.Background(), entry)
	}
}

// RecentLog returns a snapshot of the in-memory ring buffer.
func (e *Engine) RecentLog() []model.PatchLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.PatchLogEntry, len(e.log))
	copy(out, e.log)
	return out
}
