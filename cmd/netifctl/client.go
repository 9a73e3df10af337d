package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// client is a thin HTTP+JSON client over the daemon's local RPC socket,
// modeled on original_source/client/main.c's single connection-per-command
// style: netifctl is a short-lived process, not a long-running agent, so
// nothing here is pooled beyond what net/http's default transport already
// reuses within one invocation.
type client struct {
	http *http.Client
	base string
}

// newClient builds a client against addr: a filesystem path for the
// daemon's Unix socket, or a host:port for TCP, the same dual addressing
// internal/rpc.Service.Start accepts.
func newClient(addr string) *client {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return &client{
			http: &http.Client{Timeout: 30 * time.Second},
			base: "http://" + addr,
		}
	}

	dialer := &net.Dialer{}
	return &client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", addr)
				},
			},
		},
		base: "http://unix",
	}
}

// apiError is the body the daemon's RPC writeError helper encodes on any
// non-2xx response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) String() string {
	return fmt.Sprintf("%s: %s", e.Error, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("netifctl: encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("netifctl: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netifctl: connecting to %s: %w", c.base, err)
	}
	return resp, nil
}

// doRaw posts raw bytes as the request body unchanged, for endpoints like
// install-lease that accept the tag-tree document verbatim rather than a
// JSON envelope.
func (c *client) doRaw(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("netifctl: building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netifctl: connecting to %s: %w", c.base, err)
	}
	return resp, nil
}

// decode reads resp's body into v if the status is 2xx, or returns a
// formatted error (embedding the daemon's structured error name/message
// when present) otherwise. resp.Body is always closed.
func decode(resp *http.Response, v any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("netifctl: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.String())
		}
		return fmt.Errorf("netifctl: request failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
