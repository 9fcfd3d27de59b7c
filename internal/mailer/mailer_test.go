package mailer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := New(baseURL, "key", "welcome@arcamatrix.com", time.Second, nil)
	c.backoff = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	c.sleep = func(time.Duration) {} // no real waiting in tests
	return c
}

func TestSendWelcomeSuccessOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/v1/send", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sent, err := c.SendWelcome(context.Background(), "a@x.io", "Alice", "https://arca-customer-001-bl4yi.sprites.app")
	require.NoError(t, err)
	require.True(t, sent)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendWelcomeRetriesTransientFailureThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sent, err := c.SendWelcome(context.Background(), "a@x.io", "Alice", "https://x")
	require.NoError(t, err)
	require.True(t, sent)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSendWelcomeFourXXIsFinalNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sent, err := c.SendWelcome(context.Background(), "a@x.io", "Alice", "https://x")
	require.Error(t, err)
	require.False(t, sent)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendWelcomeExhaustsRetriesAndReportsFalse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sent, err := c.SendWelcome(context.Background(), "a@x.io", "Alice", "https://x")
	require.Error(t, err)
	require.False(t, sent)
	// 1 initial attempt + len(backoff) retries.
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSendWelcomeHonorsRetryAfterSecondsCappedAt60(t *testing.T) {
	var gotDelay time.Duration
	c := newTestClient("http://unused")
	c.sleep = func(d time.Duration) { gotDelay = d }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "500")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c.baseURL = srv.URL

	sent, err := c.SendWelcome(context.Background(), "a@x.io", "Alice", "https://x")
	require.Error(t, err)
	require.False(t, sent)
	require.Equal(t, maxRetryAfter, gotDelay)
}

func TestParseRetryAfterSeconds(t *testing.T) {
	require.Equal(t, 5*time.Second, parseRetryAfter("5"))
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
}
