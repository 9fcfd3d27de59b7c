// Command agent is the provisioning/recycling orchestrator: it wires
// the pool store, task store, remote workspace client, router
// mapping, mailer, and self-healing patch engine together and runs the
// dispatcher loop until SIGTERM/KeyboardInterrupt. Grounded on
// policy-service/cmd/server's component-wiring main and its
// signal.NotifyContext shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/purpleskulll/arcamatrix/internal/audit"
	"github.com/purpleskulll/arcamatrix/internal/config"
	"github.com/purpleskulll/arcamatrix/internal/dispatcher"
	"github.com/purpleskulll/arcamatrix/internal/events"
	"github.com/purpleskulll/arcamatrix/internal/handlers"
	"github.com/purpleskulll/arcamatrix/internal/health"
	"github.com/purpleskulll/arcamatrix/internal/healthcache"
	"github.com/purpleskulll/arcamatrix/internal/mailer"
	"github.com/purpleskulll/arcamatrix/internal/metrics"
	"github.com/purpleskulll/arcamatrix/internal/patch"
	"github.com/purpleskulll/arcamatrix/internal/poolexpand"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/router"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
	"github.com/purpleskulll/arcamatrix/internal/taskstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	pool := poolstore.New(cfg.PoolFilePath, logger)
	tasks := taskstore.New(cfg.TaskFilePath, cfg.StaleTaskAge, logger)

	sprites := spritesapi.New(cfg.SpritesAPIBase, cfg.SpritesToken, cfg.HTTPTimeout)
	mapping := router.New(cfg.RouterRepoPath, cfg.RouterFile, cfg.HTTPTimeout)

	var admin *router.AdminClient
	if cfg.ArcamatrixAPIBase != "" && cfg.AdminAPIKey != "" {
		admin = router.NewAdminClient(cfg.ArcamatrixAPIBase, cfg.AdminAPIKey, cfg.HTTPTimeout)
	}

	var mail *mailer.Client
	if cfg.MailAPIKey != "" {
		mail = mailer.New(cfg.MailAPIBase, cfg.MailAPIKey, cfg.MailFrom, cfg.HTTPTimeout, logger)
	}

	pub, err := events.Dial(cfg.RabbitMQURL, cfg.EventsQueue, logger)
	if err != nil {
		logger.Error("event publisher dial failed, continuing without it", "error", err)
		pub = nil
	}
	if pub != nil {
		defer pub.Close()
	}

	auditSink, err := audit.Connect(cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("audit sink connect failed, continuing without it", "error", err)
		auditSink = nil
	}

	cache := healthcache.New(cfg.RedisAddr, cfg.RedisDB, 15*time.Second)
	if cache != nil {
		defer cache.Close()
	}

	prober := health.NewProber(cfg.HTTPTimeout)
	reconciler := health.NewReconciler(sprites, pool, cache, logger)

	expander := poolexpand.New(sprites, pool, cfg.PrepareScript, cfg.PoolExpandTimeout, logger)

	engine := patch.New(sprites, pool, tasks, mapping, admin, expander, prober, pub, auditSink, logger)

	provision := &handlers.Provision{
		Pool:            pool,
		Sprites:         sprites,
		Mapping:         mapping,
		Admin:           admin,
		Mailer:          mail,
		Expander:        expander,
		ProvisionScript: cfg.ProvisionScript,
		CustomUIPath:    cfg.CustomUIPath,
		ProxyScriptPath: cfg.ProxyScriptPath,
		Logger:          logger,
	}
	recycle := &handlers.Recycle{
		Pool:    pool,
		Sprites: sprites,
		Mapping: mapping,
		Admin:   admin,
		Logger:  logger,
	}

	d := dispatcher.New(tasks, pool, engine, reconciler, provision.Handle, recycle.Handle,
		cfg.PollInterval, cfg.ReconcilerEveryN, logger)

	startMetricsServer(cfg.MetricsAddr, logger)

	logger.Info("agent starting", "pool_file", cfg.PoolFilePath, "task_file", cfg.TaskFilePath)
	d.Run(ctx)
	logger.Info("agent exited cleanly")
}

// startMetricsServer exposes the internal-only Prometheus endpoint in
// a background goroutine; a bind failure is logged but never fatal,
// matching the rest of the agent's best-effort-sidecar posture.
func startMetricsServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
