package poolexpand

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/purpleskulll/arcamatrix/internal/poolstore"
	"github.com/purpleskulll/arcamatrix/internal/spritesapi"
)

func newFakeSpritesServer(t *testing.T, prepareFails map[string]bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/workspaces":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			name := body["name"]
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"url": "https://" + name + "-bl4yi.sprites.app"})
		default:
			// exec (prepare script)
			if prepareFails != nil {
				for name, fail := range prepareFails {
					if fail && containsName(r.URL.Path, name) {
						w.WriteHeader(http.StatusInternalServerError)
						return
					}
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(spritesapi.ExecResult{Stdout: "ok"})
		}
	}))
}

func containsName(path, name string) bool {
	return path == "/workspaces/"+name+"/exec"
}

func newPoolAtSize(t *testing.T, available, assigned int) *poolstore.Store {
	t.Helper()
	dir := t.TempDir()
	pool := poolstore.New(filepath.Join(dir, "pool.json"), nil)

	// Force seed, then drain down to the requested available count by
	// assigning distinct usernames.
	status, err := pool.Status()
	require.NoError(t, err)
	toAssign := status.Available - available
	for i := 0; i < toAssign; i++ {
		_, err := pool.Assign(fmt.Sprintf("seed-user-%d", i), "", "")
		require.NoError(t, err)
	}
	return pool
}

func TestExpandToCreatesEnoughWorkspaces(t *testing.T) {
	srv := newFakeSpritesServer(t, nil)
	defer srv.Close()

	scriptPath := filepath.Join(t.TempDir(), "prepare.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/bash\necho ready\n"), 0o644))

	pool := newPoolAtSize(t, 2, 8)
	sprites := spritesapi.New(srv.URL, "tok", time.Second)
	exp := New(sprites, pool, scriptPath, 5*time.Second, nil)

	require.NoError(t, exp.ExpandTo(context.Background(), 5))

	status, err := pool.Status()
	require.NoError(t, err)
	require.GreaterOrEqual(t, status.Available, 5)
}

func TestExpandToNoOpWhenAlreadyAtTarget(t *testing.T) {
	dir := t.TempDir()
	pool := poolstore.New(filepath.Join(dir, "pool.json"), nil)

	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sprites := spritesapi.New(srv.URL, "tok", time.Second)
	exp := New(sprites, pool, "", time.Second, nil)

	require.NoError(t, exp.ExpandTo(context.Background(), 3))
	require.Zero(t, calls)
}

func TestExpandToToleratesPerWorkspaceFailure(t *testing.T) {
	// The remote create call itself fails for every name; ExpandTo
	// should not error, just not grow the pool.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := newPoolAtSize(t, 0, 10)
	sprites := spritesapi.New(srv.URL, "tok", time.Second)
	exp := New(sprites, pool, "", time.Second, nil)

	err := exp.ExpandTo(context.Background(), 5)
	require.NoError(t, err)

	status, err := pool.Status()
	require.NoError(t, err)
	require.Equal(t, 0, status.Available)
}

func TestCreateOneAddsSingleWorkspaceAndReturnsItsURL(t *testing.T) {
	srv := newFakeSpritesServer(t, nil)
	defer srv.Close()

	pool := newPoolAtSize(t, 0, 10)
	sprites := spritesapi.New(srv.URL, "tok", time.Second)
	exp := New(sprites, pool, "", time.Second, nil)

	name, url, err := exp.CreateOne(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, name)
	require.Contains(t, url, name)

	status, err := pool.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Available)
}
