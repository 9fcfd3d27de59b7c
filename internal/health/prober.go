// Package health probes workspace liveness, both the lightweight
// HTTP /health contract the patch engine consults and the port-level
// reconciliation the periodic sweep performs, grounded on
// weather-service's agro_service.go HTTP-call shape and
// policy-service's worker ticker/ctx loop for the periodic side.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/healthcache"
	"github.com/purpleskulll/arcamatrix/internal/metrics"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

// Status is the parsed /health response. A workspace that doesn't
// respond or responds with malformed JSON reads as both false.
type Status struct {
	Proxy   bool `json:"proxy"`
	Gateway bool `json:"gateway"`
}

// Prober checks a workspace's /health endpoint over plain HTTP.
type Prober struct {
	http *http.Client
}

// NewProber returns a Prober bound by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{http: &http.Client{Timeout: timeout}}
}

// Probe fetches workspaceURL + "/health".
func (p *Prober) Probe(ctx context.Context, workspaceURL string) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(workspaceURL, "/")+"/health", nil)
	if err != nil {
		return Status{}
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return Status{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}
	}
	return st
}

// Reconciler is the periodic sweep invoked every 10th dispatcher tick.
type Reconciler struct {
	sprites *spritesapi.Client
	pool    *poolstore.Store
	cache   *healthcache.Cache
	logger  *slog.Logger
}

// NewReconciler returns a Reconciler.
func NewReconciler(sprites *spritesapi.Client, pool *poolstore.Store, cache *healthcache.Cache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{sprites: sprites, pool: pool, cache: cache, logger: logger}
}

// Run probes every assigned workspace for the proxy (8080) and
// gateway (3001) listening ports via `ss -tlnp`, restarting whichever
// service is missing; and probes every unreachable workspace with a
// trivial `echo ok`, recovering it on success.
func (r *Reconciler) Run(ctx context.Context, assigned, unreachable []poolstore.AssignedWorkspace) {
	for _, ws := range assigned {
		r.reconcileAssigned(ctx, ws)
	}
	for _, ws := range unreachable {
		r.reconcileUnreachable(ctx, ws)
	}
}

func (r *Reconciler) reconcileAssigned(ctx context.Context, ws poolstore.AssignedWorkspace) {
	if cached, ok := r.cache.Get(ctx, ws.Name); ok && cached == "ok" {
		return
	}

	result, err := r.sprites.Exec(ctx, ws.Name, []string{"bash", "-c", "ss -tlnp"}, nil)
	if err != nil {
		r.logger.Warn("health reconciler: ss probe failed", "workspace", ws.Name, "error", err)
		metrics.HealthProbesFailedTotal.WithLabelValues("ss_exec").Inc()
		r.cache.Set(ctx, ws.Name, "unreachable")
		return
	}

	output := result.Stdout
	hasProxy := strings.Contains(output, ":8080")
	hasGateway := strings.Contains(output, ":3001")

	if !hasProxy {
		r.restartService(ctx, ws.Name, "uniproxy")
	}
	if !hasGateway {
		r.restartService(ctx, ws.Name, "gateway")
	}

	if hasProxy && hasGateway {
		r.cache.Set(ctx, ws.Name, "ok")
	} else {
		r.cache.Set(ctx, ws.Name, "degraded")
	}
}

func (r *Reconciler) restartService(ctx context.Context, workspaceName, service string) {
	_, err := r.sprites.Exec(ctx, workspaceName, []string{"bash", "-c", fmt.Sprintf("service %s start", service)}, nil)
	if err != nil {
		r.logger.Error("health reconciler: service restart failed", "workspace", workspaceName, "service", service, "error", err)
		metrics.HealthProbesFailedTotal.WithLabelValues("service_restart").Inc()
		return
	}
	r.logger.Warn("health reconciler: restarted missing service", "workspace", workspaceName, "service", service)
}

func (r *Reconciler) reconcileUnreachable(ctx context.Context, ws poolstore.AssignedWorkspace) {
	_, err := r.sprites.Exec(ctx, ws.Name, []string{"bash", "-c", "echo ok"}, nil)
	if err != nil {
		return
	}

	recovered, err := r.pool.TryRecover(ws.Name)
	if err != nil {
		r.logger.Error("health reconciler: recover failed", "workspace", ws.Name, "error", err)
		return
	}
	if recovered {
		r.logger.Info("health reconciler: workspace recovered", "workspace", ws.Name)
	}
}
