package handlers

import (
	"context"
	"log/slog"

	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/router"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

// Recycle wires together everything Recycle() needs.
type Recycle struct {
	Pool    *poolstore.Store
	Sprites *spritesapi.Client
	Mapping *router.Mapping
	Admin   *router.AdminClient
	Logger  *slog.Logger
}

// scrubPaths are enumerated fixed paths cleared on recycle, keeping
// the base software installed.
var scrubPaths = []string{
	"/home/sprite/openclaw-workspace",
	"/home/sprite/provision_customer.sh",
	"/home/sprite/custom-ui",
	"/home/sprite/customer_ui.py",
}

// cleanupCommands stop the customer-facing services, best-effort
// (original_source/provisioning/provisioning_agent.py handle_recycle).
var cleanupCommands = []string{
	"pkill -f 'openclaw gateway' || true",
	"pkill -f customer_ui.py || true",
}

// Handle recycles username's workspace: router mapping is removed
// first so traffic stops immediately, then services are stopped,
// customer files scrubbed, and the workspace released back to the
// pool. Every step is idempotent-tolerant: a missing mapping or an
// already-stopped service is not an error.
func (r *Recycle) Handle(ctx context.Context, task *model.Task) model.TaskResult {
	username := task.Metadata.Username

	ws, err := r.Pool.Get(username)
	if err != nil {
		return model.TaskResult{Success: false, Error: err.Error()}
	}
	if ws == nil {
		return model.TaskResult{Success: false, Error: "no sprite assigned"}
	}

	middlewareUpdated := true
	if err := r.Mapping.Remove(ctx, username); err != nil {
		r.Logger.Warn("router mapping removal failed", "username", username, "error", err)
		middlewareUpdated = false
	}
	if r.Admin != nil {
		if err := r.Admin.MirrorRemove(ctx, username); err != nil {
			r.Logger.Warn("router admin mirror removal failed", "username", username, "error", err)
		}
	}

	for _, cmd := range cleanupCommands {
		if _, err := r.Sprites.Exec(ctx, ws.Name, []string{"bash", "-c", cmd}, nil); err != nil {
			r.Logger.Warn("recycle cleanup command failed", "workspace", ws.Name, "error", err)
		}
	}

	for _, path := range scrubPaths {
		cmd := "rm -rf " + path
		if _, err := r.Sprites.Exec(ctx, ws.Name, []string{"bash", "-c", cmd}, nil); err != nil {
			r.Logger.Warn("recycle scrub failed", "workspace", ws.Name, "path", path, "error", err)
		}
	}

	released, err := r.Pool.Release(username)
	if err != nil {
		return model.TaskResult{Success: false, Error: err.Error()}
	}
	if !released {
		r.Logger.Warn("recycle: workspace was not assigned at release time", "username", username)
	}

	return model.TaskResult{
		Success:           true,
		Message:           "sprite recycled and returned to pool",
		WorkspaceName:     ws.Name,
		ExternalURL:       ws.URL,
		MiddlewareUpdated: middlewareUpdated,
	}
}
