// Package handlers implements the domain operations composed from the
// pool store, remote workspace client, router mapping, and mailer,
// grounded on
// original_source/provisioning/provisioning_agent.py's
// provision_sprite/handle_recycle bodies translated into the
// patch.Handler shape the dispatcher invokes.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/mailer"
	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/poolexpand"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/router"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

// Provision wires together everything Provision() needs.
type Provision struct {
	Pool            *poolstore.Store
	Sprites         *spritesapi.Client
	Mapping         *router.Mapping
	Admin           *router.AdminClient
	Mailer          *mailer.Client
	Expander        *poolexpand.Expander
	ProvisionScript string
	CustomUIPath    string
	ProxyScriptPath string
	Logger          *slog.Logger
}

// remoteTeardownCommands best-effort stop the two services that
// provisioning starts (the uniproxy proxy and the gateway) on failure
// rollback.
var remoteTeardownCommands = []string{
	"pkill -f 'uniproxy' || true",
	"pkill -f 'gateway' || true",
}

// Handle runs the provisioning task: assign, upload, execute, wire
// routing, email — and on any failure after a workspace was assigned,
// best-effort tears down and releases it.
func (p *Provision) Handle(ctx context.Context, task *model.Task) model.TaskResult {
	meta := task.Metadata

	ws, err := p.Pool.Assign(meta.Username, meta.CustomerEmail, meta.CustomerName)
	if err != nil {
		return model.TaskResult{Success: false, Error: fmt.Sprintf("pool assign: %v", err)}
	}
	if ws == nil {
		return model.TaskResult{Success: false, Error: "no workspace available in pool"}
	}

	routerCommitted := false
	fail := func(stage string, err error) model.TaskResult {
		p.Logger.Error("provisioning failed, rolling back", "task_id", task.ID, "stage", stage, "error", err)
		p.teardown(ctx, ws.Name, meta.Username, routerCommitted)
		if _, relErr := p.Pool.Release(meta.Username); relErr != nil {
			p.Logger.Error("rollback release failed", "username", meta.Username, "error", relErr)
		}
		return model.TaskResult{Success: false, Error: fmt.Sprintf("%s: %v", stage, err)}
	}

	if err := p.uploadFile(ctx, ws.Name, p.ProvisionScript, "/home/sprite/provision_customer.sh"); err != nil {
		return fail("upload provisioning script", err)
	}

	if p.CustomUIPath != "" {
		if err := p.uploadFile(ctx, ws.Name, p.CustomUIPath, "/home/sprite/custom-ui/index.html"); err != nil {
			p.Logger.Warn("custom UI upload skipped", "error", err)
		}
	}
	if p.ProxyScriptPath != "" {
		if err := p.uploadFile(ctx, ws.Name, p.ProxyScriptPath, "/home/sprite/proxy_customer.sh"); err != nil {
			p.Logger.Warn("proxy script upload skipped", "error", err)
		}
	}

	env := map[string]string{
		"CUSTOMER_NAME":  meta.CustomerName,
		"CUSTOMER_EMAIL": meta.CustomerEmail,
		"USERNAME":       meta.Username,
		"GATEWAY_TOKEN":  meta.GatewayCredential(),
		"SKILLS":         strings.Join(meta.Skills, ","),
		"SPRITE_URL":     ws.URL,
	}
	if _, err := p.Sprites.Exec(ctx, ws.Name, []string{"bash", "/home/sprite/provision_customer.sh"}, env); err != nil {
		return fail("run provisioning script", err)
	}

	if err := p.Mapping.Add(ctx, meta.Username, ws.URL); err != nil {
		return fail("update router mapping", err)
	}
	routerCommitted = true

	middlewareUpdated := true
	if p.Admin != nil {
		if err := p.Admin.MirrorAdd(ctx, meta.Username, ws.URL, ws.Name); err != nil {
			p.Logger.Warn("router admin mirror failed", "username", meta.Username, "error", err)
			middlewareUpdated = false
		}
	}

	emailSent := false
	if p.Mailer != nil {
		sent, emailErr := p.Mailer.SendWelcome(ctx, meta.CustomerEmail, meta.CustomerName, ws.URL)
		emailSent = sent
		if emailErr != nil {
			p.Logger.Warn("welcome email failed", "username", meta.Username, "error", emailErr)
		}
	}

	if status, err := p.Pool.Status(); err == nil && status.NeedsExpansion {
		go func() {
			expandCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := p.Expander.ExpandTo(expandCtx, 5); err != nil {
				p.Logger.Error("post-provision pool expansion failed", "error", err)
			}
		}()
	}

	return model.TaskResult{
		Success:           true,
		Message:           "provisioning completed successfully",
		WorkspaceName:     ws.Name,
		ExternalURL:       ws.URL,
		MiddlewareUpdated: middlewareUpdated,
		EmailSent:         emailSent,
	}
}

func (p *Provision) uploadFile(ctx context.Context, workspaceName, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file %s: %w", localPath, err)
	}
	return p.Sprites.WriteFile(ctx, workspaceName, remotePath, data)
}

// teardown best-effort stops the two named services and rolls back
// the router mapping if it was already committed.
func (p *Provision) teardown(ctx context.Context, workspaceName, username string, routerCommitted bool) {
	for _, cmd := range remoteTeardownCommands {
		if _, err := p.Sprites.Exec(ctx, workspaceName, []string{"bash", "-c", cmd}, nil); err != nil {
			p.Logger.Warn("teardown command failed", "workspace", workspaceName, "error", err)
		}
	}
	if routerCommitted {
		if err := p.Mapping.Remove(ctx, username); err != nil {
			p.Logger.Error("rollback router mapping failed", "username", username, "error", err)
		}
		if p.Admin != nil {
			if err := p.Admin.MirrorRemove(ctx, username); err != nil {
				p.Logger.Warn("rollback router admin mirror failed", "username", username, "error", err)
			}
		}
	}
}
