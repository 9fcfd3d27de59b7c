package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/purpleskulll/arcamatrix/internal/health"
	"github.com/purpleskulll/arcamatrix/internal/model"
	"github.com/purpleskulll/arcamatrix/internal/poolexpand"
	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/router"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
	"github.com/purpleskulll/arcamatrix/internal/taskstore"
)

func alwaysOKSpritesServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(spritesapi.ExecResult{Stdout: "ok"})
	}))
}

func newEngineFixture(t *testing.T) (*Engine, *poolstore.Store, *taskstore.Store, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	sprSrv := alwaysOKSpritesServer()
	t.Cleanup(sprSrv.Close)

	sprites := spritesapi.New(sprSrv.URL, "tok", time.Second)
	pool := poolstore.New(filepath.Join(dir, "pool.json"), nil)
	tasks := taskstore.New(filepath.Join(dir, "tasks.json"), time.Hour, nil)
	expander := poolexpand.New(sprites, pool, "", time.Second, nil)
	prober := health.NewProber(time.Second)

	engine := New(sprites, pool, tasks, nil, nil, expander, prober, nil, nil, nil)
	return engine, pool, tasks, sprSrv
}

func TestPreHookCreatesEmergencyWorkspaceWhenPoolEmpty(t *testing.T) {
	engine, pool, _, _ := newEngineFixture(t)

	status, err := pool.Status()
	require.NoError(t, err)
	for i := 0; i < status.Total; i++ {
		_, err := pool.Assign(fmt.Sprintf("seed-user-%03d", i), "", "")
		require.NoError(t, err)
	}
	status, err = pool.Status()
	require.NoError(t, err)
	require.Equal(t, 0, status.Available)

	task := &model.Task{ID: "PROV-001", Type: model.TaskProvisioning, Metadata: model.TaskMetadata{Username: "newcustomer"}}
	patches, critical, err := engine.preHook(context.Background(), task)
	require.NoError(t, err)
	require.False(t, critical)
	require.Contains(t, patches, model.PatchPoolEmergency)

	status, err = pool.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Available)
}

func TestPreHookSweepsStaleTasksExceptCurrent(t *testing.T) {
	dir := t.TempDir()
	sprSrv := alwaysOKSpritesServer()
	defer sprSrv.Close()

	sprites := spritesapi.New(sprSrv.URL, "tok", time.Second)
	pool := poolstore.New(filepath.Join(dir, "pool.json"), nil)
	// A near-zero stale age means the claimed task is stale almost
	// immediately, without needing to fabricate a past timestamp.
	tasks := taskstore.New(filepath.Join(dir, "tasks.json"), time.Nanosecond, nil)
	expander := poolexpand.New(sprites, pool, "", time.Second, nil)
	prober := health.NewProber(time.Second)
	engine := New(sprites, pool, tasks, nil, nil, expander, prober, nil, nil, nil)

	require.NoError(t, tasks.Submit("PROV-OLD", model.TaskProvisioning, "", model.TaskMetadata{}))
	_, err := tasks.ClaimNextPendingOfType(model.TaskProvisioning)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	current := &model.Task{ID: "RECYCLE-001", Type: model.TaskRecycle, Metadata: model.TaskMetadata{Username: "alice"}}
	patches, critical, err := engine.preHook(context.Background(), current)
	require.NoError(t, err)
	require.False(t, critical)
	require.Contains(t, patches, model.PatchOrphanCleanup)

	swept, err := tasks.Get("PROV-OLD")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, swept.Status)
}

func TestPreHookNoPatchesOnHealthySystem(t *testing.T) {
	engine, _, _, _ := newEngineFixture(t)

	task := &model.Task{ID: "RECYCLE-001", Type: model.TaskRecycle, Metadata: model.TaskMetadata{Username: "alice"}}
	patches, critical, err := engine.preHook(context.Background(), task)
	require.NoError(t, err)
	require.False(t, critical)
	require.Empty(t, patches)
}

func TestRootFixForExhaustiveMapping(t *testing.T) {
	engine, _, _, _ := newEngineFixture(t)
	task := &model.Task{ID: "PROV-001"}
	result := &model.TaskResult{WorkspaceName: "arca-customer-001"}

	fix, handled := engine.rootFixFor(context.Background(), model.PatchGitReset, task, result)
	require.True(t, handled)
	require.Equal(t, model.RootFixGitResetLogged, fix)

	fix, handled = engine.rootFixFor(context.Background(), model.PatchOrphanCleanup, task, result)
	require.True(t, handled)
	require.Equal(t, model.RootFixOrphanNoted, fix)

	_, handled = engine.rootFixFor(context.Background(), model.PatchAPIBackoff, task, result)
	require.False(t, handled)

	fix, handled = engine.rootFixFor(context.Background(), model.PatchServiceRestart, task, result)
	require.True(t, handled)
	require.Equal(t, model.RootFixWatchdogInstall, fix)
}

func TestVerifyProvisioningHealthyNoRootFix(t *testing.T) {
	engine, _, _, _ := newEngineFixture(t)

	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(health.Status{Proxy: true, Gateway: true})
	}))
	defer healthSrv.Close()

	task := &model.Task{ID: "PROV-001", Type: model.TaskProvisioning, Metadata: model.TaskMetadata{Username: "alice"}}
	result := &model.TaskResult{WorkspaceName: "arca-customer-001", ExternalURL: healthSrv.URL}

	fixes, note := engine.verifyProvisioning(context.Background(), task, result)
	require.Empty(t, fixes)
	require.Empty(t, note)
}

func TestVerifyProvisioningRestartsThenInstallsWatchdogIfStillDown(t *testing.T) {
	engine, _, _, _ := newEngineFixture(t)

	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(health.Status{Proxy: false, Gateway: false})
	}))
	defer healthSrv.Close()

	task := &model.Task{ID: "PROV-001", Type: model.TaskProvisioning, Metadata: model.TaskMetadata{Username: "alice"}}
	result := &model.TaskResult{WorkspaceName: "arca-customer-001", ExternalURL: healthSrv.URL}

	fixes, note := engine.verifyProvisioning(context.Background(), task, result)
	require.Contains(t, fixes, model.RootFixWatchdogInstall)
	require.Contains(t, note, "failed after restart")
}

func TestVerifyProvisioningReconfirmsRouterMappingWhenAdminPresent(t *testing.T) {
	dir := t.TempDir()
	sprSrv := alwaysOKSpritesServer()
	defer sprSrv.Close()

	var mirrorCalls int32
	adminSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mirrorCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer adminSrv.Close()

	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(health.Status{Proxy: true, Gateway: true})
	}))
	defer healthSrv.Close()

	sprites := spritesapi.New(sprSrv.URL, "tok", time.Second)
	pool := poolstore.New(filepath.Join(dir, "pool.json"), nil)
	tasks := taskstore.New(filepath.Join(dir, "tasks.json"), time.Hour, nil)
	expander := poolexpand.New(sprites, pool, "", time.Second, nil)
	prober := health.NewProber(time.Second)
	admin := router.NewAdminClient(adminSrv.URL, "admin-key", time.Second)

	engine := New(sprites, pool, tasks, nil, admin, expander, prober, nil, nil, nil)

	task := &model.Task{ID: "PROV-001", Type: model.TaskProvisioning, Metadata: model.TaskMetadata{Username: "alice"}}
	result := &model.TaskResult{WorkspaceName: "arca-customer-001", ExternalURL: healthSrv.URL}

	fixes, _ := engine.verifyProvisioning(context.Background(), task, result)
	require.Contains(t, fixes, model.RootFixRouterReconfirm)
	require.EqualValues(t, 1, atomic.LoadInt32(&mirrorCalls))
}

func TestWrapHappyPathRecordsPreAndPostLog(t *testing.T) {
	engine, _, tasks, _ := newEngineFixture(t)

	require.NoError(t, tasks.Submit("PROV-001", model.TaskProvisioning, "", model.TaskMetadata{Username: "alice"}))
	task, err := tasks.ClaimNextPendingOfType(model.TaskProvisioning)
	require.NoError(t, err)

	healthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(health.Status{Proxy: true, Gateway: true})
	}))
	defer healthSrv.Close()

	handler := func(ctx context.Context, task *model.Task) model.TaskResult {
		return model.TaskResult{
			Success:       true,
			WorkspaceName: "arca-customer-001",
			ExternalURL:   healthSrv.URL,
			EmailSent:     true,
		}
	}

	result := engine.Wrap(context.Background(), task, handler)
	require.True(t, result.Success)

	log := engine.RecentLog()
	require.Len(t, log, 2)
	require.Equal(t, "pre", log[0].Phase)
	require.Equal(t, "post", log[1].Phase)
}

func TestWrapFailedTaskSkipsPostHook(t *testing.T) {
	engine, _, tasks, _ := newEngineFixture(t)

	require.NoError(t, tasks.Submit("PROV-002", model.TaskProvisioning, "", model.TaskMetadata{Username: "bob"}))
	task, err := tasks.ClaimNextPendingOfType(model.TaskProvisioning)
	require.NoError(t, err)

	handler := func(ctx context.Context, task *model.Task) model.TaskResult {
		return model.TaskResult{Success: false, Error: "no workspace available"}
	}

	result := engine.Wrap(context.Background(), task, handler)
	require.False(t, result.Success)

	log := engine.RecentLog()
	require.Len(t, log, 1)
	require.Equal(t, "pre", log[0].Phase)
}
