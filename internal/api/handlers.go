package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/lightlog/internal/catalog"
	"github.com/banshee-data/lightlog/internal/clocksync"
	"github.com/banshee-data/lightlog/internal/companion"
	"github.com/banshee-data/lightlog/internal/httputil"
	"github.com/banshee-data/lightlog/internal/instrument"
	"github.com/banshee-data/lightlog/internal/recorder"
	"github.com/banshee-data/lightlog/internal/security"
	"github.com/banshee-data/lightlog/internal/serialmux"
	"github.com/banshee-data/lightlog/internal/session"
)

// writeError maps the package error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var pf *session.PartialFailure
	switch {
	case errors.Is(err, session.ErrInvalidParams):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, instrument.ErrInvalidState):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, recorder.ErrUnknownSession):
		httputil.NotFound(w, err.Error())
	case errors.As(err, &pf) && pf.Surface == nil:
		httputil.BadGateway(w, err.Error())
	case errors.Is(err, instrument.ErrCommandTimeout):
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, instrument.ErrCommandRejected),
		errors.Is(err, instrument.ErrConnectionLost):
		httputil.BadGateway(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

type healthResponse struct {
	Status          string           `json:"status"`
	Version         string           `json:"version,omitempty"`
	Hostname        string           `json:"hostname,omitempty"`
	UptimeS         float64          `json:"uptime_s"`
	InstrumentState instrument.State `json:"instrument_state"`
	SessionStatus   session.Status   `json:"session_status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, healthResponse{
		Status:          "ok",
		Version:         s.opts.Version,
		Hostname:        s.opts.Hostname,
		UptimeS:         s.opts.Clock.Since(s.started).Seconds(),
		InstrumentState: s.opts.Surface.Health().State,
		SessionStatus:   s.opts.Orchestrator.Snapshot().Status,
	})
}

type statsResponse struct {
	Status           session.Status    `json:"status"`
	SurfaceSessionID string            `json:"surface_session_id,omitempty"`
	Recorder         *recorder.Stats   `json:"recorder"`
	Instrument       instrument.Health `json:"instrument"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.opts.Orchestrator.Snapshot()
	resp := statsResponse{
		Status:           snap.Status,
		SurfaceSessionID: snap.SurfaceSessionID,
		Instrument:       s.opts.Surface.Health(),
	}
	if st, err := s.opts.Surface.Stats(); err == nil {
		resp.Recorder = &st
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, clocksync.Now(s.opts.Clock, s.opts.Hostname, s.opts.ClockSource))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Orchestrator.Snapshot())
}

type sessionStartRequest struct {
	Mission       string   `json:"mission"`
	RateHz        *float64 `json:"rate_hz"`
	RollIntervalS *float64 `json:"roll_interval_s"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req sessionStartRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	p := session.StartParams{
		Mission:      strings.TrimSpace(req.Mission),
		RateHz:       s.opts.Defaults.RateHz,
		RollInterval: s.opts.Defaults.RollInterval,
	}
	if p.Mission == "" {
		p.Mission = s.opts.Defaults.Mission
	}
	if req.RateHz != nil {
		p.RateHz = *req.RateHz
	}
	if req.RollIntervalS != nil {
		p.RollInterval = time.Duration(*req.RollIntervalS * float64(time.Second))
	}

	md, err := s.opts.Orchestrator.StartBoth(r.Context(), p)
	if err != nil {
		opsf("session start failed: %v", err)
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, md)
}

type sessionStopResponse struct {
	Error    string            `json:"error,omitempty"`
	Metadata *session.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	md, err := s.opts.Orchestrator.StopBoth(r.Context())
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, sessionStopResponse{Metadata: &md})
	case errors.Is(err, session.ErrOrchestrationPartialFailure) && md.SyncID != "":
		// Whatever stopped is described in the metadata alongside the error.
		opsf("session stop incomplete: %v", err)
		httputil.WriteJSON(w, http.StatusBadGateway, sessionStopResponse{Error: err.Error(), Metadata: &md})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleSessionMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	dir, err := security.ResolveWithin(s.opts.Root, r.URL.Query().Get("dir"))
	if err != nil {
		httputil.BadRequest(w, "invalid dir: "+err.Error())
		return
	}
	md, err := session.ReadMetadata(s.opts.FS, dir)
	if errors.Is(err, fs.ErrNotExist) {
		httputil.NotFound(w, "no sync metadata in "+r.URL.Query().Get("dir"))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, md)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Catalog == nil {
		httputil.NotFound(w, "session catalog is disabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	sessions, err := s.opts.Catalog.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleSessionOffsets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Catalog == nil {
		httputil.NotFound(w, "session catalog is disabled")
		return
	}
	id := r.URL.Query().Get("sync_id")
	if id == "" {
		httputil.BadRequest(w, "sync_id is required")
		return
	}
	offsets, err := s.opts.Catalog.Offsets(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, offsets)
}

// handleCatalogMetadata returns the metadata stored in the catalog, which
// outlives the data directory it describes.
func (s *Server) handleCatalogMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Catalog == nil {
		httputil.NotFound(w, "session catalog is disabled")
		return
	}
	id := r.URL.Query().Get("sync_id")
	if id == "" {
		httputil.BadRequest(w, "sync_id is required")
		return
	}
	md, err := s.opts.Catalog.Metadata(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, md)
}

func (s *Server) handleRecorderStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req companion.StartRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	resp, err := s.opts.Orchestrator.StartLeg(r.Context(), req)
	if err != nil {
		opsf("companion start failed: %v", err)
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleRecorderStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req companion.StopRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.SessionID == "" {
		httputil.BadRequest(w, "session_id is required")
		return
	}
	resp, err := s.opts.Orchestrator.StopLeg(r.Context(), req.SessionID)
	if err != nil {
		opsf("companion stop failed: %v", err)
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}

type connectRequest struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

func (s *Server) handleInstrumentConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Instrument == nil {
		httputil.NotFound(w, "instrument control is unavailable")
		return
	}
	var req connectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Port == "" {
		req.Port = s.opts.Defaults.SerialPort
	}
	if req.Port == "" {
		httputil.BadRequest(w, "port is required")
		return
	}
	if req.PortOptions == (serialmux.PortOptions{}) {
		req.PortOptions = s.opts.Defaults.PortOptions
	}
	if _, err := req.PortOptions.Normalise(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.opts.Instrument.Connect(req.Port, req.PortOptions); err != nil {
		opsf("connect %s failed: %v", req.Port, err)
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Surface.Health())
}

func (s *Server) handleInstrumentDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Instrument == nil {
		httputil.NotFound(w, "instrument control is unavailable")
		return
	}
	if snap := s.opts.Orchestrator.Snapshot(); snap.Status != session.StatusIdle {
		httputil.Conflict(w, "stop the recording session before disconnecting")
		return
	}
	if err := s.opts.Instrument.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.opts.Surface.Health())
}

func (s *Server) handleInstrumentPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.ListPorts == nil {
		httputil.NotFound(w, "port listing is unavailable")
		return
	}
	ports, err := s.opts.ListPorts()
	if err != nil {
		httputil.InternalServerError(w, "list serial ports: "+err.Error())
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, map[string][]string{"ports": ports})
}
