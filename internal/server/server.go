// Package server exposes a connected gateway over HTTP: a live websocket
// stream of processed packets, status, device configuration, firmware
// updates, the application config and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/taggw/internal/devconf"
	"github.com/shaunagostinho/taggw/internal/firmware"
	"github.com/shaunagostinho/taggw/internal/gateway"
	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/metrics"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
	"github.com/shaunagostinho/taggw/internal/recorder"
	"github.com/shaunagostinho/taggw/internal/worker"
)

// Driver is the part of gateway.Gateway the server uses.
type Driver interface {
	Status() gateway.Status
	StartListener(opts worker.ListenerOptions) error
	StartProcessor(b worker.Bounds)
	Processed(sel queue.Selector) ([]packet.ProcessedPacket, error)
	Write(cmd string) error
	ApplyConfig(o devconf.Options) error
	ConfigReport() (devconf.Report, error)
	UpdateFirmware(ctx context.Context, target string, checkOnly bool) (firmware.Result, error)
}

// Server polls the processed queue and broadcasts packets to WebSocket clients.
type Server struct {
	cfg      *Config
	gw       Driver
	webFS    fs.FS
	recorder *recorder.Recorder
	log      *slog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Packets []packet.ProcessedPacket `json:"packets,omitempty"`
	Status  *gateway.Status          `json:"status,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Stamp   int64                    `json:"stamp"` // Unix ms
}

// StatusResponse is returned by /api/status.
type StatusResponse struct {
	gateway.Status
	Recording RecordingStatus `json:"recording"`
}

type RecordingStatus struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// New creates a new Server. webFS may be nil.
func New(cfg *Config, gw Driver, webFS fs.FS) *Server {
	cfg.mu.RLock()
	rec := recorder.New(cfg.Recording)
	cfg.mu.RUnlock()
	return &Server{
		cfg:      cfg,
		gw:       gw,
		webFS:    webFS,
		recorder: rec,
		log:      slog.Default().With("component", "server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/device/config", s.handleDeviceConfig)
	mux.HandleFunc("/api/device/command", s.handleDeviceCommand)
	mux.HandleFunc("/api/firmware", s.handleFirmware)
	mux.HandleFunc("/api/recording", s.handleRecording)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run starts the poll loop and the HTTP server, and the workers if the
// gateway is already connected. It returns when ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.gw.Status().Connected {
		if err := s.StartWorkers(); err != nil {
			s.log.Warn("workers not started", "error", err)
		}
	}
	go s.pollLoop(ctx)

	settings := s.cfg.ServerSettings()
	srv := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
	}()

	s.log.Info("listening", "addr", settings.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWorkers (re)starts the listener and a streaming processor.
func (s *Server) StartWorkers() error {
	s.cfg.mu.RLock()
	tagOnly := s.cfg.Gateway.TagOnly
	s.cfg.mu.RUnlock()
	if err := s.gw.StartListener(worker.ListenerOptions{TagOnly: tagOnly}); err != nil {
		return err
	}
	s.gw.StartProcessor(worker.Bounds{})
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", "error", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial status frame before the client joins the broadcast set
	st := s.gw.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.WSClients.Set(float64(n))
	s.log.Info("ws client connected", "clients", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			metrics.WSClients.Set(float64(n))
			s.log.Info("ws client disconnected", "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status: s.gw.Status(),
		Recording: RecordingStatus{
			Enabled: s.recorder.IsEnabled(),
			Path:    s.recorder.Path(),
		},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			var invalid *devconf.InvalidConfigError
			if errors.As(err, &invalid) {
				writeError(w, err)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		report, err := s.gw.ConfigReport()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case http.MethodPost:
		var o devconf.Options
		if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.gw.ApplyConfig(o); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.gw.Status().Config)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.gw.Write(req.Command); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type firmwareRequest struct {
	Target    string `json:"target"`
	CheckOnly bool   `json:"check_only"`
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req firmwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := s.gw.UpdateFirmware(r.Context(), req.Target, req.CheckOnly)
	if !req.CheckOnly && s.gw.Status().Connected {
		if werr := s.StartWorkers(); werr != nil {
			s.log.Warn("workers not restarted after firmware update", "error", werr)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type recordingRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.recorder.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, RecordingStatus{Enabled: s.recorder.IsEnabled(), Path: s.recorder.Path()})
}

// pollLoop drains the processed queue, broadcasts packets and records them.
// A status frame goes out every second.
func (s *Server) pollLoop(ctx context.Context) {
	period := time.Duration(s.cfg.ServerSettings().PollMs) * time.Millisecond
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	pollTicker := time.NewTicker(period)
	statusTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.recorder.Close()
			return
		case <-pollTicker.C:
			s.poll()
		case <-statusTicker.C:
			st := s.gw.Status()
			s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

// poll runs one drain-and-broadcast step.
func (s *Server) poll() {
	pkts, err := s.gw.Processed(queue.AllItems())
	if err != nil {
		s.log.Warn("worker error", "error", err)
		s.broadcast(Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()})
	}
	if len(pkts) == 0 {
		return
	}
	s.broadcast(Frame{Packets: pkts, Stamp: time.Now().UnixMilli()})
	if _, err := s.recorder.Record(pkts...); err != nil {
		s.log.Warn("record failed", "error", err)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string               `json:"error"`
	Fields []devconf.FieldError `json:"fields,omitempty"`
}

// writeError maps driver errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	code := http.StatusBadGateway

	var invalid *devconf.InvalidConfigError
	switch {
	case errors.As(err, &invalid):
		code = http.StatusBadRequest
		resp.Fields = invalid.Fields
	case errors.Is(err, link.ErrNotConnected):
		code = http.StatusServiceUnavailable
	case errors.Is(err, firmware.ErrNoImages):
		code = http.StatusNotFound
	}
	writeJSON(w, code, resp)
}
