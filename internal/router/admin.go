package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AdminClient mirrors routing changes to the arcamatrix admin REST API,
// a second, independent write path alongside the git-tracked mapping
// file.
type AdminClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAdminClient returns an AdminClient.
func NewAdminClient(baseURL, apiKey string, timeout time.Duration) *AdminClient {
	return &AdminClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// MirrorAdd tells the admin API about a new username -> workspace
// route.
func (c *AdminClient) MirrorAdd(ctx context.Context, username, spriteURL, spriteName string) error {
	return c.post(ctx, map[string]string{
		"action":     "add",
		"username":   username,
		"spriteUrl":  spriteURL,
		"spriteName": spriteName,
		"adminKey":   c.apiKey,
	})
}

// MirrorRemove tells the admin API to drop username's route.
func (c *AdminClient) MirrorRemove(ctx context.Context, username string) error {
	return c.post(ctx, map[string]string{
		"action":   "remove",
		"username": username,
		"adminKey": c.apiKey,
	})
}

func (c *AdminClient) post(ctx context.Context, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal admin route payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/customer-proxy", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build admin route request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call admin route API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin route API error (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}
