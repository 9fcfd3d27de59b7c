// Package poolexpand grows the pool to a target number of available
// workspaces by creating and preparing new ones, one name at a time,
// tolerating individual failures.
package poolexpand

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

// remotePrepareScriptPath is where the prepare script is written on
// each newly created workspace before it is executed there.
const remotePrepareScriptPath = "/home/sprite/prepare_pool_sprite.sh"

// Expander grows the pool.
type Expander struct {
	sprites        *spritesapi.Client
	pool           *poolstore.Store
	prepareScript  string
	prepareTimeout time.Duration
	logger         *slog.Logger
}

// New returns an Expander. prepareScript, if set, is a local file path
// uploaded to and executed on each newly created workspace before it
// is added to the pool as available.
func New(sprites *spritesapi.Client, pool *poolstore.Store, prepareScript string, prepareTimeout time.Duration, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{sprites: sprites, pool: pool, prepareScript: prepareScript, prepareTimeout: prepareTimeout, logger: logger}
}

// ExpandTo creates enough workspaces to bring status.available up to
// targetAvailable, picking the next unused arca-customer-NNN name for
// each. A failure on one name is logged and does not abort the rest
// of the batch.
func (e *Expander) ExpandTo(ctx context.Context, targetAvailable int) error {
	status, err := e.pool.Status()
	if err != nil {
		return fmt.Errorf("read pool status: %w", err)
	}

	needed := targetAvailable - status.Available
	if needed <= 0 {
		return nil
	}

	n := status.Total
	for i := 0; i < needed; i++ {
		n++
		name := fmt.Sprintf("arca-customer-%03d", n)
		for {
			existing, err := e.pool.GetWorkspace(name)
			if err != nil || existing == nil {
				break
			}
			n++
			name = fmt.Sprintf("arca-customer-%03d", n)
		}
		if err := e.createOne(ctx, name); err != nil {
			e.logger.Error("pool expansion: failed to provision workspace", "workspace", name, "error", err)
			continue
		}
		e.logger.Info("pool expansion: workspace added", "workspace", name)
	}
	return nil
}

// CreateOne provisions and registers exactly one new workspace,
// exported for the patch engine's synchronous emergency-creation path.
func (e *Expander) CreateOne(ctx context.Context) (name, url string, err error) {
	status, err := e.pool.Status()
	if err != nil {
		return "", "", fmt.Errorf("read pool status: %w", err)
	}
	n := status.Total + 1
	name = fmt.Sprintf("arca-customer-%03d", n)
	for {
		existing, err := e.pool.GetWorkspace(name)
		if err != nil || existing == nil {
			break
		}
		n++
		name = fmt.Sprintf("arca-customer-%03d", n)
	}
	if err := e.createOne(ctx, name); err != nil {
		return "", "", err
	}
	ws, err := e.pool.GetWorkspace(name)
	if err != nil || ws == nil {
		return name, "", nil
	}
	return name, ws.URL, nil
}

func (e *Expander) createOne(ctx context.Context, name string) error {
	url, err := e.sprites.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("create remote workspace: %w", err)
	}

	if e.prepareScript != "" {
		data, err := os.ReadFile(e.prepareScript)
		if err != nil {
			return fmt.Errorf("read prepare script: %w", err)
		}
		if err := e.sprites.WriteFile(ctx, name, remotePrepareScriptPath, data); err != nil {
			return fmt.Errorf("upload prepare script: %w", err)
		}

		prepCtx, cancel := context.WithTimeout(ctx, e.prepareTimeout)
		defer cancel()
		if _, err := e.sprites.Exec(prepCtx, name, []string{"bash", remotePrepareScriptPath}, nil); err != nil {
			return fmt.Errorf("run prepare script: %w", err)
		}
	}

	if err := e.pool.Add(name, url); err != nil {
		return fmt.Errorf("add workspace to pool: %w", err)
	}
	return nil
}
