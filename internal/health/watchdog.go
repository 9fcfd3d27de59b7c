package health

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

const watchdogScript = `#!/bin/bash
# installed by the arcamatrix agent; restarts proxy/gateway if either has died
LOG=/var/log/arcamatrix-watchdog.log
for svc in uniproxy gateway; do
  if ! pgrep -f "$svc" >/dev/null; then
    echo "$(date -Iseconds) restarting $svc" >> "$LOG"
    service "$svc" start >> "$LOG" 2>&1
  fi
done
`

const watchdogPath = "/usr/local/bin/arcamatrix-watchdog.sh"

// InstallWatchdog writes the cron watchdog script to the workspace,
// marks it executable, and adds a crontab entry running it every two
// minutes.
func InstallWatchdog(ctx context.Context, client *spritesapi.Client, workspaceName string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(watchdogScript))

	writeCmd := fmt.Sprintf("echo %s | base64 -d > %s", encoded, watchdogPath)
	if _, err := client.Exec(ctx, workspaceName, []string{"bash", "-c", writeCmd}, nil); err != nil {
		return fmt.Errorf("write watchdog script: %w", err)
	}

	if _, err := client.Exec(ctx, workspaceName, []string{"bash", "-c", "chmod +x " + watchdogPath}, nil); err != nil {
		return fmt.Errorf("mark watchdog executable: %w", err)
	}

	cronLine := fmt.Sprintf("*/2 * * * * %s", watchdogPath)
	cronCmd := fmt.Sprintf("(crontab -l 2>/dev/null | grep -vF %q; echo %q) | crontab -", watchdogPath, cronLine)
	if _, err := client.Exec(ctx, workspaceName, []string{"bash", "-c", cronCmd}, nil); err != nil {
		return fmt.Errorf("install watchdog crontab: %w", err)
	}

	return nil
}
