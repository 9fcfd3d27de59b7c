package spritesapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateReturnsRemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "/workspaces", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "arca-customer-011", body["name"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"url": "https://arca-customer-011-bl4yi.sprites.app"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	url, err := c.Create(context.Background(), "arca-customer-011")
	require.NoError(t, err)
	require.Equal(t, "https://arca-customer-011-bl4yi.sprites.app", url)
}

func TestCreateSynthesizesURLWhenResponseLacksOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	url, err := c.Create(context.Background(), "arca-customer-011")
	require.NoError(t, err)
	require.Equal(t, "https://arca-customer-011-bl4yi.sprites.app", url)
}

func TestCreateErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	_, err := c.Create(context.Background(), "arca-customer-011")
	require.Error(t, err)
}

func TestWriteFilePutsPathAndMkdirAsQueryParamsWithRawBody(t *testing.T) {
	var gotMethod, gotPath, gotQueryPath, gotMkdir string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQueryPath = r.URL.Query().Get("path")
		gotMkdir = r.URL.Query().Get("mkdir")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	err := c.WriteFile(context.Background(), "arca-customer-001", "/home/sprite/x.sh", []byte("hello"))
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/v1/sprites/arca-customer-001/fs/write", gotPath)
	require.Equal(t, "/home/sprite/x.sh", gotQueryPath)
	require.Equal(t, "true", gotMkdir)
	require.Equal(t, []byte("hello"), gotBody)
}

func TestExecEncodesCmdAndEnvAsQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, []string{"bash", "-c", "echo hi"}, q["cmd"])
		require.Equal(t, []string{"USERNAME=alice"}, q["env"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecResult{ExitCode: 0, Stdout: "hi\n"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	result, err := c.Exec(context.Background(), "arca-customer-001", []string{"bash", "-c", "echo hi"}, map[string]string{"USERNAME": "alice"})
	require.NoError(t, err)
	require.Equal(t, "hi\n", result.Stdout)
}

func TestExecStripsControlCharactersFromOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ExecResult{Stdout: "hi\x1b[31mred\x1b[0m\r\n"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	result, err := c.Exec(context.Background(), "arca-customer-001", []string{"bash", "-c", "echo"}, nil)
	require.NoError(t, err)
	require.NotContains(t, result.Stdout, "\x1b")
	require.NotContains(t, result.Stdout, "\r")
	require.Contains(t, result.Stdout, "[31mred[0m")
}

func TestExecErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	_, err := c.Exec(context.Background(), "arca-customer-001", []string{"bash", "-c", "echo"}, nil)
	require.Error(t, err)
}

func TestPingErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	require.Error(t, c.Ping(context.Background()))
}

func TestPingOKWhenListEndpointSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/workspaces", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", time.Second)
	require.NoError(t, c.Ping(context.Background()))
}
