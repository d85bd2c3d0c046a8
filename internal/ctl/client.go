// Package ctl is a client for the engine's HTTP control surface.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/httputil"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/session"
	"github.com/banshee-data/vrutest/internal/version"
)

// maxResponseBytes bounds a decoded reply; stored result logs are the
// largest.
const maxResponseBytes = 32 << 20

// Results is the reply of the results endpoint.
type Results struct {
	SessionID string                   `json:"session_id"`
	Source    string                   `json:"source"`
	Results   []matching.MatchResult   `json:"results"`
	Metrics   *matching.SessionMetrics `json:"metrics,omitempty"`
}

type Client struct {
	base string
	doer httputil.Doer
}

// New returns a client for the server at base, e.g. "http://localhost:8080".
// A nil doer uses http.DefaultClient.
func New(base string, doer httputil.Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(base, "/"), doer: doer}
}

// do sends a request and decodes a 2xx JSON reply into out. Error replies
// are turned back into faults of the reported kind.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", version.Current().UserAgent())

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			kind := eb.Kind
			if kind == "" {
				kind = fault.Internal
			}
			return fault.New(kind, "%s", eb.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + "/" + suffix
}

// Version returns the server's build metadata.
func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var out version.Info
	err := c.doJSON(ctx, http.MethodGet, "/api/version", nil, &out)
	return out, err
}

// Define stores a session definition with its ground truth.
func (c *Client) Define(ctx context.Context, def session.Definition) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sessions", def, nil)
}

func (c *Client) ListActive(ctx context.Context) ([]session.PlaybackState, error) {
	var out []session.PlaybackState
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

func (c *Client) ListDefined(ctx context.Context) ([]session.TestSession, error) {
	var out []session.TestSession
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions/defined", nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, id string) (session.PlaybackState, error) {
	var out session.PlaybackState
	err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "start"), nil, &out)
	return out, err
}

// Control applies a playback action such as "pause" or "next".
func (c *Client) Control(ctx context.Context, id, action string) (session.PlaybackState, error) {
	var out session.PlaybackState
	err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "control"), map[string]string{"action": action}, &out)
	return out, err
}

func (c *Client) State(ctx context.Context, id string) (session.Snapshot, error) {
	var out session.Snapshot
	err := c.doJSON(ctx, http.MethodGet, sessionPath(id, "state"), nil, &out)
	return out, err
}

func (c *Client) Results(ctx context.Context, id string) (Results, error) {
	var out Results
	err := c.doJSON(ctx, http.MethodGet, sessionPath(id, "results"), nil, &out)
	return out, err
}

func (c *Client) Finalize(ctx context.Context, id string) (session.FinalizePayload, error) {
	var out session.FinalizePayload
	err := c.doJSON(ctx, http.MethodPost, sessionPath(id, "finalize"), nil, &out)
	return out, err
}

// Signal posts one device-style signal line, e.g. "S sess-1 12.5".
func (c *Client) Signal(ctx context.Context, line string) error {
	return c.do(ctx, http.MethodPost, "/api/signals", strings.NewReader(line), "text/plain", nil)
}
