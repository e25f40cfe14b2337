// Package server exposes the monitor over HTTP: a JSON API plus a
// WebSocket stream of snapshots and session events.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mjelva/evtelem/internal/charge"
	"github.com/mjelva/evtelem/internal/config"
	"github.com/mjelva/evtelem/internal/monitor"
	"github.com/mjelva/evtelem/internal/obd"
	"github.com/mjelva/evtelem/internal/profile"
	"github.com/mjelva/evtelem/internal/recorder"
	"github.com/mjelva/evtelem/internal/telemetry"
)

// Server bridges the monitor to HTTP and WebSocket clients.
type Server struct {
	cfg *config.Config
	mon *monitor.Monitor
	rec *recorder.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// parent context for supervisor connects started from handlers
	baseCtx context.Context
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type     string              `json:"type"` // "snapshot", "session" or "link"
	Snapshot *telemetry.Snapshot `json:"snapshot,omitempty"`
	Session  *charge.Session     `json:"session,omitempty"`
	Link     *obd.Status         `json:"link,omitempty"`
	Stamp    int64               `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *config.Config, mon *monitor.Monitor, rec *recorder.Recorder) *Server {
	return &Server{
		cfg:     cfg,
		mon:     mon,
		rec:     rec,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the broadcast loops, blocking until ctx
// is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/profiles", s.handleProfiles).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.handleProfile).Methods(http.MethodPost)
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/poll-interval", s.handlePollInterval).Methods(http.MethodPost)

	s.mon.OnLinkState(func(st obd.Status) {
		s.broadcast(Frame{Type: "link", Link: &st, Stamp: time.Now().UnixMilli()})
	})
	go s.pumpSnapshots(ctx)
	go s.pumpSessions(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: handlers.CombinedLoggingHandler(os.Stdout, r),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pumpSnapshots relays completed poll cycles to WebSocket clients and the
// recorder.
func (s *Server) pumpSnapshots(ctx context.Context) {
	ch, cancel := s.mon.SubscribeSnapshots()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			s.rec.Close()
			return
		case snap := <-ch:
			s.rec.RecordSnapshot(snap)
			s.broadcast(Frame{Type: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) pumpSessions(ctx context.Context) {
	ch, cancel := s.mon.SubscribeSessions()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sess := <-ch:
			s.rec.RecordSession(sess)
			s.broadcast(Frame{Type: "session", Session: &sess, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Send current state so the client doesn't wait a full poll cycle.
	st := s.mon.LinkStatus()
	initial := Frame{Type: "link", Link: &st, Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}
	if snap, ok := s.mon.Latest(); ok {
		frame := Frame{Type: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()}
		if data, err := json.Marshal(frame); err == nil {
			client.send <- data
		}
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			remaining := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", remaining)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

type stateResponse struct {
	Link    obd.Status      `json:"link"`
	Profile string          `json:"profile,omitempty"`
	Session *charge.Session `json:"session,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{Link: s.mon.LinkStatus()}
	if p := s.mon.Profile(); p != nil {
		resp.Profile = p.Name
	}
	if sess, ok := s.mon.CurrentSession(); ok {
		resp.Session = &sess
	}
	writeJSON(w, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.mon.Latest()
	if !ok {
		http.Error(w, "no snapshot yet", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mon.Sessions())
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, profile.BundledNames())
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.Path != "":
		var p *profile.Profile
		if p, err = profile.LoadFile(req.Path); err == nil {
			err = s.mon.LoadProfile(p)
		}
	case req.Name != "":
		err = s.mon.LoadBundledProfile(req.Name)
	default:
		http.Error(w, "name or path required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeOK(w)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device string `json:"device"`
	}
	// Body is optional: fall back to the configured device.
	json.NewDecoder(r.Body).Decode(&req)
	device := req.Device
	if device == "" {
		device = s.cfg.Adapter.Device
	}

	if err := s.mon.Connect(s.baseCtx, device); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	config.SaveLastDevice(s.cfg.Dir(), device)
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mon.Disconnect()
	writeOK(w)
}

func (s *Server) handlePollInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
		http.Error(w, "positive seconds required", http.StatusBadRequest)
		return
	}
	s.mon.SetPollInterval(time.Duration(req.Seconds) * time.Second)
	writeOK(w)
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

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
