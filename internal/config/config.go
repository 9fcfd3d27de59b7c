// Package config centralizes the agent's configuration into a single
// immutable record built once at startup, avoiding process-wide
// mutable globals, following notification-service's and
// weather-service's internal/config.New() idiom of env vars with
// defaults.
package config

import (
	"os"
	"time"
)

// Config is constructed once in main and threaded through every
// component by constructor injection.
type Config struct {
	PoolFilePath string
	TaskFilePath string

	SpritesAPIBase  string
	SpritesToken    string
	ProvisionScript string
	CustomUIPath    string
	ProxyScriptPath string
	PrepareScript   string

	ArcamatrixAPIBase string
	AdminAPIKey       string

	MailAPIBase string
	MailAPIKey  string
	MailFrom    string

	RouterRepoPath string
	RouterFile     string

	RedisAddr string
	RedisDB   int

	RabbitMQURL   string
	EventsQueue   string

	PostgresDSN string

	MetricsAddr string

	PollInterval        time.Duration
	ReconcilerEveryN    int
	HTTPTimeout         time.Duration
	ExecTimeout         time.Duration
	PoolExpandTimeout   time.Duration
	StaleTaskAge        time.Duration
}

// New builds the configuration from the environment, applying the
// same defaults the original agent shipped with so an unconfigured
// checkout still runs against the documented fixed paths.
func New() *Config {
	return &Config{
		PoolFilePath: getEnvOrDefault("SPRITE_POOL_FILE", "/home/sprite/blackboard/sprite_pool.json"),
		TaskFilePath: getEnvOrDefault("TASK_STORE_FILE", "/home/sprite/swarm-orchestrator/blackboard/tasks.json"),

		SpritesAPIBase:  getEnvOrDefault("SPRITES_API_BASE", "https://api.sprites.dev/v1"),
		SpritesToken:    getEnvOrDefault("SPRITES_TOKEN", ""),
		ProvisionScript: getEnvOrDefault("PROVISION_SCRIPT_PATH", "/home/sprite/provision_customer.sh"),
		CustomUIPath:    getEnvOrDefault("CUSTOM_UI_PATH", "/home/sprite/arcamatrix-ui.html"),
		ProxyScriptPath: getEnvOrDefault("PROXY_SCRIPT_PATH", ""),
		PrepareScript:   getEnvOrDefault("PREPARE_SCRIPT_PATH", "/home/sprite/prepare_pool_sprite.sh"),

		ArcamatrixAPIBase: getEnvOrDefault("ARCAMATRIX_API_BASE", "https://arcamatrix.com/api"),
		AdminAPIKey:       getEnvOrDefault("ADMIN_API_KEY", ""),

		MailAPIBase: getEnvOrDefault("MAIL_API_BASE", "https://api.mail.arcamatrix.com"),
		MailAPIKey:  getEnvOrDefault("MAIL_API_KEY", ""),
		MailFrom:    getEnvOrDefault("MAIL_FROM", "welcome@arcamatrix.com"),

		RouterRepoPath: getEnvOrDefault("ROUTER_REPO_PATH", "/home/sprite/router-repo"),
		RouterFile:     getEnvOrDefault("ROUTER_FILE", "src/middleware.ts"),

		RedisAddr: getEnvOrDefault("REDIS_ADDR", ""),
		RedisDB:   0,

		RabbitMQURL: getEnvOrDefault("RABBITMQ_URL", ""),
		EventsQueue: getEnvOrDefault("EVENTS_QUEUE", "sprite-agent.events"),

		PostgresDSN: getEnvOrDefault("AUDIT_POSTGRES_DSN", ""),

		MetricsAddr: getEnvOrDefault("METRICS_ADDR", "127.0.0.1:9108"),

		PollInterval:      30 * time.Second,
		ReconcilerEveryN:  10,
		HTTPTimeout:       30 * time.Second,
		ExecTimeout:       600 * time.Second,
		PoolExpandTimeout: 600 * time.Second,
		StaleTaskAge:      60 * time.Minute,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
