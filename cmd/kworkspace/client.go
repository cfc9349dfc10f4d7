package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/refaktory/kube-workspace/internal/api"
)

// Client talks to the operator's control-plane API. Every request carries
// the caller's public key; the server derives the username from it.
type Client struct {
	baseURL   string
	publicKey string
	http      *http.Client

	// pollInterval between status checks while waiting for readiness.
	pollInterval time.Duration
}

// NewClient builds a Client for the given API endpoint.
func NewClient(baseURL, publicKey string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		publicKey:    publicKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: time.Second,
	}
}

// Start requests the workspace to be started.
func (c *Client) Start(ctx context.Context) (api.WorkspaceStatus, error) {
	return c.post(ctx, "/api/v1/workspace/start")
}

// Stop requests the workspace to be stopped. The home volume is kept.
func (c *Client) Stop(ctx context.Context) (api.WorkspaceStatus, error) {
	return c.post(ctx, "/api/v1/workspace/stop")
}

// Status fetches the current workspace state.
func (c *Client) Status(ctx context.Context) (api.WorkspaceStatus, error) {
	return c.post(ctx, "/api/v1/workspace/status")
}

// WaitRunning polls until the workspace is running and has an SSH
// endpoint, or the context expires.
func (c *Client) WaitRunning(ctx context.Context) (api.WorkspaceStatus, error) {
	for {
		status, err := c.Status(ctx)
		if err != nil {
			return api.WorkspaceStatus{}, err
		}
		switch status.Phase {
		case api.PhaseRunning:
			if status.SSH != nil {
				return status, nil
			}
		case api.PhaseFailed:
			return status, fmt.Errorf("workspace failed to start")
		}

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("timed out waiting for the workspace: %w", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) post(ctx context.Context, path string) (api.WorkspaceStatus, error) {
	body, err := json.Marshal(api.WorkspaceRequest{PublicKey: c.publicKey})
	if err != nil {
		return api.WorkspaceStatus{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return api.WorkspaceStatus{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return api.WorkspaceStatus{}, fmt.Errorf("could not reach the workspace API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return api.WorkspaceStatus{}, fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return api.WorkspaceStatus{}, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var status api.WorkspaceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return api.WorkspaceStatus{}, fmt.Errorf("could not decode response: %w", err)
	}
	return status, nil
}
