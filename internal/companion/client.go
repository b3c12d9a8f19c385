// Package companion is the HTTP client for the in-water companion recorder.
//
// The companion exposes three JSON endpoints:
//
//	POST /api/recorder/start  {"mission", "rate_hz", "roll_interval_s"} -> {"session_id", "started_at"}
//	POST /api/recorder/stop   {"session_id"} -> {"stopped_at", "rows", "chunks"}
//	GET  /api/time            -> {"unix_ms", "hostname", "clock_source"}
//
// lightlog serves the same endpoints, so a second lightlog host can act as
// the companion.
package companion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/lightlog/internal/httputil"
)

const (
	StartPath = "/api/recorder/start"
	StopPath  = "/api/recorder/stop"

	DefaultTimeout = 5 * time.Second
)

// ErrCompanion wraps every failed companion call.
var ErrCompanion = errors.New("companion recorder request failed")

// StartRequest is the body of a start call.
type StartRequest struct {
	Mission       string  `json:"mission"`
	RateHz        float64 `json:"rate_hz"`
	RollIntervalS float64 `json:"roll_interval_s"`
}

// StartResponse is the companion's reply to a start call.
type StartResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// StopRequest is the body of a stop call.
type StopRequest struct {
	SessionID string `json:"session_id"`
}

// StopResponse is the companion's reply to a stop call.
type StopResponse struct {
	StoppedAt time.Time `json:"stopped_at"`
	Rows      int       `json:"rows"`
	Chunks    int       `json:"chunks"`
}

// Client talks to one companion recorder.
type Client struct {
	base    string
	http    httputil.HTTPClient
	timeout time.Duration
}

// NewClient returns a client for the companion at baseURL. A nil client uses
// http.DefaultClient; a non-positive timeout uses DefaultTimeout.
func NewClient(baseURL string, c httputil.HTTPClient, timeout time.Duration) *Client {
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: c, timeout: timeout}
}

// BaseURL is the companion's address, used for clock offset measurement.
func (c *Client) BaseURL() string { return c.base }

// Start asks the companion to begin recording.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.call(ctx, http.MethodPost, StartPath, req, &resp); err != nil {
		return StartResponse{}, err
	}
	if resp.SessionID == "" {
		return StartResponse{}, fmt.Errorf("%w: start: response has no session_id", ErrCompanion)
	}
	return resp, nil
}

// Stop asks the companion to stop the given session.
func (c *Client) Stop(ctx context.Context, sessionID string) (StopResponse, error) {
	var resp StopResponse
	if err := c.call(ctx, http.MethodPost, StopPath, StopRequest{SessionID: sessionID}, &resp); err != nil {
		return StopResponse{}, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := httputil.DoJSON(ctx, c.http, method, c.base+path, in, out); err != nil {
		return fmt.Errorf("%w: %v", ErrCompanion, err)
	}
	return nil
}
