package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"vaca/internal/audio"
	"vaca/internal/client"
	"vaca/internal/custom"
	"vaca/internal/satellite"
	"vaca/internal/sensor"
	"vaca/internal/settings"
	"vaca/internal/wyoming"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Server provides HTTP API endpoints for the satellite bridge
type Server struct {
	registry *satellite.Registry
	trackers map[string]*sensor.Tracker
	events   sensor.Subscriber
	logger   *zap.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. trackers is keyed by satellite id; events
// feeds the per-satellite event streams.
func NewServer(registry *satellite.Registry, trackers map[string]*sensor.Tracker, events sensor.Subscriber, logger *zap.Logger, port int) *Server {
	s := &Server{
		registry: registry,
		trackers: trackers,
		events:   events,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /api/satellites", s.handleListSatellites)
	mux.HandleFunc("GET /api/satellites/{id}", s.handleGetSatellite)
	mux.HandleFunc("GET /api/satellites/{id}/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/satellites/{id}/settings", s.handleSetSettings)
	mux.HandleFunc("POST /api/satellites/{id}/announce", s.handleAnnounce)
	mux.HandleFunc("POST /api/satellites/{id}/conversation", s.handleConversation)
	mux.HandleFunc("POST /api/satellites/{id}/action", s.handleAction)
	mux.HandleFunc("POST /api/satellites/{id}/media", s.handleMedia)
	mux.HandleFunc("GET /api/satellites/{id}/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SatelliteResponse describes one satellite
type SatelliteResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Connected bool             `json:"connected"`
	Sensors   *sensor.Snapshot `json:"sensors,omitempty"`
}

// SettingsResponse is returned by the settings endpoints
type SettingsResponse struct {
	Settings map[string]any `json:"settings"`
	Changed  []string       `json:"changed,omitempty"`
}

// ActionRequest is the body of the action endpoint
type ActionRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MediaRequest is the body of the legacy media endpoint
type MediaRequest struct {
	Action string `json:"action"`
	Value  any    `json:"value,omitempty"`
}

func (s *Server) describe(sat *satellite.Satellite) SatelliteResponse {
	resp := SatelliteResponse{
		ID:        sat.ID(),
		Name:      sat.Name(),
		Connected: sat.Connected(),
	}
	if tracker, ok := s.trackers[sat.ID()]; ok {
		snapshot := tracker.Snapshot()
		resp.Sensors = &snapshot
	}
	return resp
}

func (s *Server) handleListSatellites(w http.ResponseWriter, r *http.Request) {
	satellites := s.registry.List()
	out := make([]SatelliteResponse, 0, len(satellites))
	for _, sat := range satellites {
		out = append(out, s.describe(sat))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSatellite(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.describe(sat))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, SettingsResponse{Settings: sat.Settings().Values()})
}

// handleSetSettings applies every key of the body. Keys are applied in the order
// of settings.AllVariables first so a failure leaves a predictable state.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var body map[string]any
	if !s.decode(w, r, &body) {
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "no settings given")
		return
	}

	var changed []string
	for _, key := range orderedKeys(body) {
		didChange, err := sat.SetSetting(key, body[key])
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		if didChange {
			changed = append(changed, key)
		}
	}

	s.logger.Info("Settings updated",
		zap.String("satellite", sat.ID()),
		zap.Strings("changed", changed))
	s.writeJSON(w, http.StatusOK, SettingsResponse{Settings: sat.Settings().Values(), Changed: changed})
}

func orderedKeys(body map[string]any) []string {
	keys := make([]string, 0, len(body))
	seen := make(map[string]bool, len(body))
	for _, v := range settings.AllVariables {
		if _, ok := body[v.Key]; ok {
			keys = append(keys, v.Key)
			seen[v.Key] = true
		}
	}
	var extra []string
	for key := range body {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	slices.Sort(extra)
	return append(keys, extra...)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	s.handleAnnouncement(w, r, false)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	s.handleAnnouncement(w, r, true)
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, r *http.Request, conversation bool) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var a audio.Announcement
	if !s.decode(w, r, &a) {
		return
	}
	if a.MediaID == "" {
		s.writeError(w, http.StatusBadRequest, "media_id is required")
		return
	}

	var err error
	if conversation {
		err = sat.StartConversation(r.Context(), a)
	} else {
		err = sat.Announce(r.Context(), a)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req ActionRequest
	if !s.decode(w, r, &req) {
		return
	}

	action := custom.CustomAction{Action: custom.CustomActionKind(req.Action), Payload: req.Payload}
	if err := sat.SendAction(r.Context(), action); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req MediaRequest
	if !s.decode(w, r, &req) {
		return
	}

	control := custom.MediaPlayerControl{Action: custom.MediaControlAction(req.Action), Value: req.Value}
	if err := sat.SendMediaControl(r.Context(), control); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleEvents streams the satellite's broadcast updates over a WebSocket until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sat, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.events.Subscribe(ctx, sat.ID())
	if err != nil {
		s.logger.Error("Failed to subscribe to updates", zap.String("satellite", sat.ID()), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}

	// The read side only detects the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("Event stream opened",
		zap.String("satellite", sat.ID()),
		zap.String("remote_addr", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				s.logger.Debug("Event stream closed", zap.Error(err))
				return
			}
		}
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	connected := 0
	satellites := s.registry.List()
	for _, sat := range satellites {
		if sat.Connected() {
			connected++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"satellites": len(satellites),
		"connected":  connected,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*satellite.Satellite, bool) {
	id := r.PathValue("id")
	sat := s.registry.Get(id)
	if sat == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown satellite %q", id))
		return nil, false
	}
	return sat, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeFailure maps an operation error to a status code.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, client.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, wyoming.ErrMalformedEvent), errors.Is(err, settings.ErrInvalidValue):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check with satellite connection counts"},
	{Path: "/api/satellites", Method: "GET", Description: "List satellites with connection and sensor state"},
	{Path: "/api/satellites/{id}", Method: "GET", Description: "One satellite with connection and sensor state"},
	{Path: "/api/satellites/{id}/settings", Method: "GET", Description: "Current device settings"},
	{Path: "/api/satellites/{id}/settings", Method: "POST", Description: "Update settings, body {\"key\": value, ...}"},
	{Path: "/api/satellites/{id}/announce", Method: "POST", Description: "Play an announcement, body {\"media_id\", \"preannounce_media_id\", \"message\"}"},
	{Path: "/api/satellites/{id}/conversation", Method: "POST", Description: "Announce, then listen for a reply"},
	{Path: "/api/satellites/{id}/action", Method: "POST", Description: "Send a custom action, body {\"action\", \"payload\"}"},
	{Path: "/api/satellites/{id}/media", Method: "POST", Description: "Send a legacy media command, body {\"action\", \"value\"}"},
	{Path: "/api/satellites/{id}/events", Method: "GET", Description: "WebSocket stream of status, STT and TTS updates"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>VACA Satellite Bridge</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>VACA Satellite Bridge</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "VACA Satellite Bridge\n")
		fmt.Fprintf(w, "=====================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-36s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
