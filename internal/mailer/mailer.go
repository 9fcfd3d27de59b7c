// Package mailer sends the welcome email over the transactional REST
// API, not SMTP — unlike notification-service's
// gomail.v2 dialer, the target here is a REST provider, so the HTTP
// call shape is grounded on weather-service's agro_service.go while
// the retry/backoff progression is grounded on
// notification-service/internal/event/consumer.go's requeueMessage
// (retry count capped, delay grows with each attempt).
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client sends welcome emails through the transactional mail API.
type Client struct {
	baseURL string
	apiKey  string
	from    string
	http    *http.Client
	logger  *slog.Logger

	// backoff is the delay schedule between retries (5s, then 10s),
	// overridable in tests.
	backoff []time.Duration
	sleep   func(time.Duration)
}

// New returns a mail Client.
func New(baseURL, apiKey, from string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		from:    from,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		backoff: []time.Duration{5 * time.Second, 10 * time.Second},
		sleep:   time.Sleep,
	}
}

const maxRetryAfter = 60 * time.Second

// SendWelcome sends the workspace-ready welcome email to the
// customer, retrying transient failures per the configured backoff
// schedule. It returns (true, nil) once an attempt succeeds; when every
// attempt is exhausted, or the provider rejects the request with a
// non-429 4xx, it returns false together with the last attempt's error.
func (c *Client) SendWelcome(ctx context.Context, to, customerName, workspaceURL string) (bool, error) {
	payload := map[string]any{
		"from":    c.from,
		"to":      to,
		"subject": "Your Arcamatrix workspace is ready",
		"html":    welcomeHTML(customerName, workspaceURL),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal welcome email: %w", err)
	}

	attempts := len(c.backoff) + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff[attempt-1]
			c.logger.Warn("retrying welcome email", "to", to, "attempt", attempt, "delay", delay)
			c.sleep(delay)
		}

		sent, retryAfter, final, err := c.attempt(ctx, body)
		if sent {
			return true, nil
		}
		lastErr = err

		if final {
			c.logger.Error("welcome email rejected, not retrying", "to", to, "error", lastErr)
			return false, lastErr
		}

		if retryAfter > 0 {
			if retryAfter > maxRetryAfter {
				retryAfter = maxRetryAfter
			}
			c.logger.Warn("welcome email rate limited", "to", to, "retry_after", retryAfter)
			c.sleep(retryAfter)
		}
	}

	c.logger.Error("welcome email failed after retries", "to", to, "error", lastErr)
	return false, lastErr
}

// attempt makes one HTTP call. retryAfter is non-zero when the
// provider returned 429 with a Retry-After header. final is true for
// any other 4xx response, which is treated as not retryable.
func (c *Client) attempt(ctx context.Context, body []byte) (sent bool, retryAfter time.Duration, final bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return false, 0, false, fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, 0, false, fmt.Errorf("call mail API: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, 0, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, parseRetryAfter(resp.Header.Get("Retry-After")), false, fmt.Errorf("mail API rate limited: %s", string(respBody))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, 0, true, fmt.Errorf("mail API rejected (%d): %s", resp.StatusCode, string(respBody))
	default:
		return false, 0, false, fmt.Errorf("mail API error (%d): %s", resp.StatusCode, string(respBody))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func welcomeHTML(customerName, workspaceURL string) string {
	return fmt.Sprintf(
		"<p>Hi %s,</p><p>Your Arcamatrix workspace is ready: <a href=\"%s\">%s</a></p>",
		customerName, workspaceURL, workspaceURL,
	)
}
