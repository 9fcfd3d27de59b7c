package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	PoolAvailable.Set(7)
	TasksProcessedTotal.WithLabelValues("provisioning", "completed").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "arcamatrix_pool_available_workspaces 7")
	require.Contains(t, body, "arcamatrix_tasks_processed_total")
}
