package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeParsesHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"proxy":true,"gateway":true}`))
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	status := p.Probe(context.Background(), srv.URL)
	require.True(t, status.Proxy)
	require.True(t, status.Gateway)
}

func TestProbeTreatsNonOKAsBothDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	status := p.Probe(context.Background(), srv.URL)
	require.False(t, status.Proxy)
	require.False(t, status.Gateway)
}

func TestProbeTreatsMalformedBodyAsBothDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	status := p.Probe(context.Background(), srv.URL)
	require.False(t, status.Proxy)
	require.False(t, status.Gateway)
}

func TestProbeTrimsTrailingSlashBeforeAppendingHealth(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"proxy":false,"gateway":false}`))
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	p.Probe(context.Background(), srv.URL+"/")
	require.Equal(t, "/health", gotPath)
}
