// Package spritesapi is a thin bearer-token HTTP client for the
// remote workspace API, grounded on weather-service's
// AgroService HTTP-call shape (internal/services/agro_service.go):
// build request, set headers, run with a timeout-bound *http.Client,
// read the body, check the status code, unmarshal.
package spritesapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the remote workspace API that backs each pooled
// workspace (create / write_file / exec).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client with the given base URL and bearer token.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ExecResult is the parsed outcome of a remote exec call.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Ping checks the remote API's list endpoint, used by the patch
// engine's api_reachable check.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/workspaces", nil, nil)
}

// Create provisions a new remote workspace and returns its external
// URL. If the response carries no URL, one is synthesized from name
// using the same hyphenated template the pool store seeds with.
func (c *Client) Create(ctx context.Context, name string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/workspaces", map[string]string{"name": name}, &out); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", name, err)
	}
	if out.URL == "" {
		return SynthesizeURL(name), nil
	}
	return out.URL, nil
}

// SynthesizeURL builds the canonical external URL for a workspace name
// when the remote API's response doesn't include one.
func SynthesizeURL(name string) string {
	return fmt.Sprintf("https://%s-bl4yi.sprites.app", name)
}

// WriteFile uploads content to path inside the named workspace with a
// raw-body PUT, path and mkdir encoded as query parameters so
// intermediate directories are created on the remote side.
func (c *Client) WriteFile(ctx context.Context, name, path string, content []byte) error {
	q := url.Values{}
	q.Set("path", path)
	q.Set("mkdir", "true")

	endpoint := fmt.Sprintf("%s/v1/sprites/%s/fs/write?%s", c.baseURL, url.PathEscape(name), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("build write_file request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("write file %s on %s: %w", path, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write_file API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Exec runs cmd (as argv, e.g. ["bash", "-c", script]) with the given
// environment inside the named workspace. The remote endpoint is
// query-string encoded (cmd=&cmd=&...&env=K=V), matching
// original_source/provisioning/provisioning_agent.py's call shape.
func (c *Client) Exec(ctx context.Context, name string, cmd []string, env map[string]string) (*ExecResult, error) {
	q := url.Values{}
	for _, part := range cmd {
		q.Add("cmd", part)
	}
	for k, v := range env {
		q.Add("env", k+"="+v)
	}

	endpoint := fmt.Sprintf("%s/workspaces/%s/exec?%s", c.baseURL, url.PathEscape(name), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build exec request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exec on %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read exec response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exec API error (%d): %s", resp.StatusCode, strings.TrimSpace(stripControl(string(body))))
	}

	var result ExecResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode exec response: %w", err)
	}
	result.Stdout = stripControl(result.Stdout)
	result.Stderr = stripControl(result.Stderr)
	return &result, nil
}

// stripControl removes terminal control characters the streaming exec
// endpoint sometimes embeds in output.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call remote workspace API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote workspace API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
