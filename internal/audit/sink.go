// Package audit durably persists patch log entries to Postgres when
// configured, grounded on auth-service's internal/database/postgres:
// sqlx.Connect over a postgres DSN, schema-on-connect, and a
// reconnect-with-retry helper shaped after RetryConnectOnFailed.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/purpleskulll/arcamatrix/internal/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS patch_log_entries (
	id SERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	patches TEXT[] NOT NULL DEFAULT '{}',
	root_fixes TEXT[] NOT NULL DEFAULT '{}',
	note TEXT NOT NULL DEFAULT ''
)`

// Sink writes patch log entries to Postgres. A nil *Sink is valid: all
// methods become no-ops so the agent runs with the in-memory ring
// buffer alone when AUDIT_POSTGRES_DSN is unset.
type Sink struct {
	db     *sqlx.DB
	dsn    string
	logger *slog.Logger
}

// Connect opens the audit database and ensures its schema exists. If
// dsn is empty it returns a nil Sink (disabled) and no error.
func Connect(dsn string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return nil, nil
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Sink{db: db, dsn: dsn, logger: logger}, nil
}

// Record persists one patch log entry. Failures are logged, not
// returned: the in-memory ring buffer remains the source of truth for
// the dispatcher, Postgres is a durability extra.
func (s *Sink) Record(ctx context.Context, entry model.PatchLogEntry) {
	if s == nil {
		return
	}

	patches := make([]string, len(entry.Patches))
	for i, p := range entry.Patches {
		patches[i] = string(p)
	}
	rootFixes := make([]string, len(entry.RootFixes))
	for i, r := range entry.RootFixes {
		rootFixes[i] = string(r)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patch_log_entries (task_id, phase, occurred_at, patches, root_fixes, note)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.TaskID, entry.Phase, entry.Timestamp, pqArray(patches), pqArray(rootFixes), entry.Note,
	)
	if err != nil {
		s.logger.Error("persist patch log entry", "task_id", entry.TaskID, "error", err)
	}
}

// pqArray renders a Go string slice as a Postgres array literal,
// avoiding a dependency on lib/pq's pq.Array helper type assertions
// beyond the driver registration already imported above.
func pqArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}

// Reconnect retries the connection with the given backoff until it
// succeeds or ctx is done, mirroring RetryConnectOnFailed's
// ping-then-reconnect loop.
func (s *Sink) Reconnect(ctx context.Context, backoff time.Duration) error {
	if s == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		db, err := sqlx.Connect("postgres", s.dsn)
		if err == nil {
			if pingErr := db.PingContext(ctx); pingErr == nil {
				s.db.Close()
				s.db = db
				s.logger.Info("audit database reconnected")
				return nil
			}
			db.Close()
		}
		s.logger.Warn("audit database reconnect failed, retrying", "error", err, "backoff", backoff)
	}
}
