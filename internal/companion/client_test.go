package companion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lightlog/internal/httputil"
)

func TestClient_Start(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"session_id":"iw-42","started_at":"2026-05-01T09:00:00Z"}`)

	c := NewClient("http://companion:9000/", mock, time.Second)
	resp, err := c.Start(context.Background(), StartRequest{Mission: "reef", RateHz: 10, RollIntervalS: 60})
	require.NoError(t, err)
	assert.Equal(t, "iw-42", resp.SessionID)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), resp.StartedAt)

	req := mock.GetRequest(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://companion:9000/api/recorder/start", req.URL.String())
	assert.JSONEq(t, `{"mission":"reef","rate_hz":10,"roll_interval_s":60}`, mock.GetBody(0))
	_, hasDeadline := req.Context().Deadline()
	assert.True(t, hasDeadline, "each call is timeout bounded")
}

func TestClient_StartMissingID(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{}`)

	_, err := NewClient("http://c", mock, 0).Start(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, ErrCompanion)
}

func TestClient_StartRejected(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusConflict, `{"error":"already recording"}`)

	_, err := NewClient("http://c", mock, 0).Start(context.Background(), StartRequest{Mission: "m"})
	require.ErrorIs(t, err, ErrCompanion)
	assert.Contains(t, err.Error(), "already recording")
}

func TestClient_Stop(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"stopped_at":"2026-05-01T10:00:00Z","rows":36000,"chunks":60}`)

	resp, err := NewClient("http://c", mock, 0).Stop(context.Background(), "iw-42")
	require.NoError(t, err)
	assert.Equal(t, 36000, resp.Rows)
	assert.Equal(t, 60, resp.Chunks)
	assert.JSONEq(t, `{"session_id":"iw-42"}`, mock.GetBody(0))
	assert.Equal(t, "http://c/api/recorder/stop", mock.GetRequest(0).URL.String())
}

func TestClient_Unreachable(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.DefaultError = errors.New("no route to host")

	_, err := NewClient("http://c", mock, 0).Stop(context.Background(), "x")
	assert.ErrorIs(t, err, ErrCompanion)
}

func TestClient_BaseURLTrimsSlash(t *testing.T) {
	assert.Equal(t, "http://iw:8080", NewClient("http://iw:8080/", nil, 0).BaseURL())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := NewClient(srv.URL, nil, 50*time.Millisecond).Start(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, ErrCompanion)
	assert.Less(t, time.Since(start), 2*time.Second)
}
